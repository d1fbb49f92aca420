package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire protocol: one JSON object per line in both directions.
//
// Inbound line types: system, assistant, user, result, control_request.
// Outbound line types: user (prompts and answers), control_response
// (permission grants). Unknown shapes are rejected at this boundary so they
// never reach the dispatch logic.

const (
	wireTypeSystem         = "system"
	wireTypeAssistant      = "assistant"
	wireTypeUser           = "user"
	wireTypeResult         = "result"
	wireTypeControlRequest = "control_request"

	wireSubtypeInit       = "init"
	wireSubtypeCanUseTool = "can_use_tool"

	blockTypeText       = "text"
	blockTypeThinking   = "thinking"
	blockTypeToolUse    = "tool_use"
	blockTypeToolResult = "tool_result"
)

type inboundLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init
	SessionID string `json:"session_id,omitempty"`

	// assistant / user
	Message *wireMessage `json:"message,omitempty"`

	// result
	Result       string      `json:"result,omitempty"`
	IsError      bool        `json:"is_error,omitempty"`
	TotalCostUSD float64     `json:"total_cost_usd,omitempty"`
	DurationMS   int64       `json:"duration_ms,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`

	// control_request
	RequestID string              `json:"request_id,omitempty"`
	Request   *wireControlRequest `json:"request,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type wireControlRequest struct {
	Subtype  string `json:"subtype,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
}

var errMissingType = errors.New("frame has no string type field")

// parseInboundLine decodes one complete frame. A frame without a string
// "type" is a protocol error; the caller logs and skips it.
func parseInboundLine(line []byte) (*inboundLine, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	rawType, ok := probe["type"]
	if !ok {
		return nil, errMissingType
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil || strings.TrimSpace(typ) == "" {
		return nil, errMissingType
	}
	var msg inboundLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", typ, err)
	}
	return &msg, nil
}

// toolInput decodes a tool_use block's input into a generic map. A missing
// or malformed input yields an empty map, never an error; the block is still
// surfaced to the consumer.
func (b *contentBlock) toolInput() map[string]any {
	if b == nil || len(b.Input) == 0 {
		return map[string]any{}
	}
	var in map[string]any
	if err := json.Unmarshal(b.Input, &in); err != nil || in == nil {
		return map[string]any{}
	}
	return in
}

// toolResultText flattens a tool_result content payload to a string. The
// subprocess emits either a bare string or a list of text blocks.
func (b *contentBlock) toolResultText() string {
	if b == nil || len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var sb strings.Builder
		for _, blk := range blocks {
			if blk.Type == blockTypeText && blk.Text != "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(blk.Text)
			}
		}
		return sb.String()
	}
	return string(b.Content)
}

// Outbound lines.

type outboundUserLine struct {
	Type    string              `json:"type"`
	Message outboundUserMessage `json:"message"`
}

type outboundUserMessage struct {
	Role    string                 `json:"role"`
	Content []outboundContentBlock `json:"content"`
}

type outboundContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Source *outboundImageSource `json:"source,omitempty"`
}

type outboundImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type outboundControlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string         `json:"subtype"`
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response"`
}
