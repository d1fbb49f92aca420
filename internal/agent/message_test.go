package agent

import (
	"errors"
	"testing"
)

func TestParseInboundLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
		check   func(t *testing.T, msg *inboundLine)
	}{
		{
			name: "init frame",
			line: `{"type":"system","subtype":"init","session_id":"sess-1"}`,
			check: func(t *testing.T, msg *inboundLine) {
				if msg.Type != wireTypeSystem || msg.Subtype != wireSubtypeInit || msg.SessionID != "sess-1" {
					t.Fatalf("got %+v", msg)
				}
			},
		},
		{
			name: "result frame",
			line: `{"type":"result","result":"done","is_error":false,"total_cost_usd":0.5,"duration_ms":1200,"usage":{"input_tokens":10,"output_tokens":20}}`,
			check: func(t *testing.T, msg *inboundLine) {
				if msg.Result != "done" || msg.TotalCostUSD != 0.5 || msg.DurationMS != 1200 {
					t.Fatalf("got %+v", msg)
				}
				if msg.Usage == nil || msg.Usage.InputTokens != 10 || msg.Usage.OutputTokens != 20 {
					t.Fatalf("usage: got %+v", msg.Usage)
				}
			},
		},
		{
			name: "control request",
			line: `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash"}}`,
			check: func(t *testing.T, msg *inboundLine) {
				if msg.RequestID != "r1" || msg.Request == nil || msg.Request.Subtype != wireSubtypeCanUseTool {
					t.Fatalf("got %+v", msg)
				}
			},
		},
		{name: "missing type", line: `{"session_id":"x"}`, wantErr: true},
		{name: "numeric type", line: `{"type":7}`, wantErr: true},
		{name: "empty type", line: `{"type":"  "}`, wantErr: true},
		{name: "not an object", line: `[1,2,3]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseInboundLine([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestParseInboundLineMissingTypeSentinel(t *testing.T) {
	_, err := parseInboundLine([]byte(`{"foo":1}`))
	if !errors.Is(err, errMissingType) {
		t.Fatalf("got %v, want errMissingType", err)
	}
}

func TestToolInput(t *testing.T) {
	b := &contentBlock{Input: []byte(`{"file_path":"/tmp/a.go","count":3}`)}
	in := b.toolInput()
	if in["file_path"] != "/tmp/a.go" {
		t.Fatalf("got %v", in)
	}

	// Malformed input yields an empty map, not nil.
	bad := &contentBlock{Input: []byte(`"not a map"`)}
	if in := bad.toolInput(); in == nil || len(in) != 0 {
		t.Fatalf("got %v", in)
	}
	var nilBlock *contentBlock
	if in := nilBlock.toolInput(); in == nil {
		t.Fatal("nil block: got nil map")
	}
}

func TestToolResultText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare string", `"plain output"`, "plain output"},
		{"text blocks", `[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]`, "line one\nline two"},
		{"mixed blocks", `[{"type":"text","text":"kept"},{"type":"image"}]`, "kept"},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &contentBlock{Content: []byte(tt.content)}
			if got := b.toolResultText(); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
