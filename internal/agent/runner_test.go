package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript drops an executable fake agent into a temp dir. The scripts
// speak just enough of the wire protocol to drive the runner.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	requireTool(t, "sh")
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

const successScript = `
echo '{"type":"system","subtype":"init","session_id":"sess-run"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"looking around"},{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"/ws/main.go"}},{"type":"tool_use","id":"t2","name":"Read","input":{"file_path":"/ws/go.mod"}}]}}'
echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"written"},{"type":"tool_result","tool_use_id":"t2","content":"module x"}]}}'
echo '{"type":"result","result":"implemented the change","total_cost_usd":0.42,"duration_ms":900,"usage":{"input_tokens":100,"output_tokens":50}}'
`

func TestRunnerSuccess(t *testing.T) {
	script := writeScript(t, successScript)

	var seen []EventKind
	res := NewRunner(discardLogger()).Run(context.Background(), RunConfig{
		AgentID:   "a1",
		AgentType: "implementer",
		Bin:       "sh",
		Args:      []string{script},
		Prompt:    "add the feature",
		Timeout:   10 * time.Second,
		OnEvent:   func(ev StreamEvent) { seen = append(seen, ev.Kind) },
	})

	if !res.Success {
		t.Fatalf("not successful: %+v", res.Errors)
	}
	if res.ExecutionID != "sess-run" {
		t.Fatalf("execution id: got %q", res.ExecutionID)
	}
	if res.Output != "implemented the change" {
		t.Fatalf("output: got %q", res.Output)
	}
	if res.ToolCalls != 2 {
		t.Fatalf("tool calls: got %d", res.ToolCalls)
	}
	if res.TokensUsed != 150 || res.CostUSD != 0.42 {
		t.Fatalf("accounting: tokens=%d cost=%v", res.TokensUsed, res.CostUSD)
	}
	if len(res.FilesModified) != 1 || res.FilesModified[0] != "/ws/main.go" {
		t.Fatalf("files modified: %v", res.FilesModified)
	}
	if len(res.FilesRead) != 1 || res.FilesRead[0] != "/ws/go.mod" {
		t.Fatalf("files read: %v", res.FilesRead)
	}
	if res.CompletedAt.Before(res.StartedAt) {
		t.Fatal("completed before started")
	}
	if len(seen) == 0 || seen[len(seen)-1] != EventDone {
		t.Fatalf("event kinds: %v", seen)
	}
}

func TestRunnerErrorResult(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"result","result":"could not comply","is_error":true}'
`)
	res := NewRunner(discardLogger()).Run(context.Background(), RunConfig{
		Bin: "sh", Args: []string{script}, Prompt: "do it", Timeout: 10 * time.Second,
	})
	if res.Success {
		t.Fatal("error result reported as success")
	}
	if res.TimedOut {
		t.Fatal("marked timed out")
	}
	if len(res.Errors) == 0 {
		t.Fatal("no error recorded")
	}
}

func TestRunnerSpawnFailure(t *testing.T) {
	res := NewRunner(discardLogger()).Run(context.Background(), RunConfig{
		Bin: "/no/such/agent", Prompt: "x",
	})
	if res.Success || len(res.Errors) == 0 {
		t.Fatalf("got %+v", res)
	}
	if !strings.Contains(res.Errors[0], "spawn failed") {
		t.Fatalf("got %q", res.Errors[0])
	}
}

func TestRunnerTimeout(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-slow"}'
sleep 30
`)
	start := time.Now()
	res := NewRunner(discardLogger()).Run(context.Background(), RunConfig{
		Bin: "sh", Args: []string{script}, Prompt: "x", Timeout: 300 * time.Millisecond,
	})
	if time.Since(start) > 10*time.Second {
		t.Fatal("runner did not enforce the deadline")
	}
	if res.Success {
		t.Fatal("timeout reported as success")
	}
	if !res.TimedOut {
		t.Fatalf("not marked timed out: %+v", res.Errors)
	}
}

func TestRunnerCallerCancelIsNotTimeout(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"s"}'
sleep 30
`)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	res := NewRunner(discardLogger()).Run(ctx, RunConfig{
		Bin: "sh", Args: []string{script}, Prompt: "x", Timeout: time.Minute,
	})
	if res.TimedOut {
		t.Fatal("caller cancellation misreported as timeout")
	}
	if res.Success {
		t.Fatal("canceled run reported as success")
	}
}

func TestRunnerAnswersQuestion(t *testing.T) {
	script := writeScript(t, `
read prompt_line
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"q1","name":"AskUserQuestion","input":{"question":"which file?"}}]}}'
read answer_line
echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"q1","content":"answered"}]}}'
echo '{"type":"result","result":"done after answer"}'
`)
	asked := false
	res := NewRunner(discardLogger()).Run(context.Background(), RunConfig{
		Bin: "sh", Args: []string{script}, Prompt: "fix it", Timeout: 10 * time.Second,
		Questions: func(ctx context.Context, ev StreamEvent) (string, error) {
			asked = true
			if ev.ToolName != QuestionToolName || !ev.AwaitingAnswer {
				t.Errorf("unexpected question event: %+v", ev)
			}
			return "the main one", nil
		},
	})
	if !asked {
		t.Fatal("question handler never invoked")
	}
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Errors)
	}
	if res.Output != "done after answer" {
		t.Fatalf("output: got %q", res.Output)
	}
}

func TestRunnerOutputCap(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"result","result":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}'
`)
	res := NewRunner(discardLogger()).Run(context.Background(), RunConfig{
		Bin: "sh", Args: []string{script}, Prompt: "x", Timeout: 10 * time.Second,
		OutputCap: 10,
	})
	if !strings.HasSuffix(res.Output, truncationMarker) {
		t.Fatalf("output not truncated: %q", res.Output)
	}
	if len(res.FullOutput) != 40 {
		t.Fatalf("full output: got %d chars", len(res.FullOutput))
	}
}

type fakeSampler struct {
	watched bool
	stats   ProcessStats
}

func (s *fakeSampler) Watch(ctx context.Context, pid int) func() ProcessStats {
	s.watched = pid > 0
	return func() ProcessStats { return s.stats }
}

func TestRunnerRecordsProcessStats(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"result","result":"ok"}'
`)
	sampler := &fakeSampler{stats: ProcessStats{CPUPeakPercent: 12.5, RSSPeakBytes: 4096, Samples: 3}}
	res := NewRunner(discardLogger()).Run(context.Background(), RunConfig{
		Bin: "sh", Args: []string{script}, Prompt: "x", Timeout: 10 * time.Second,
		Sampler: sampler,
	})
	if !sampler.watched {
		t.Fatal("sampler never watched the pid")
	}
	if res.Stats.CPUPeakPercent != 12.5 || res.Stats.RSSPeakBytes != 4096 {
		t.Fatalf("stats: %+v", res.Stats)
	}
}

func TestBuildPrompt(t *testing.T) {
	got := buildPrompt(RunConfig{
		PromptPrefix: "## Domain expertise: storage\nprefer migrations\n",
		History: []HistoryTurn{
			{Role: "user", Text: "earlier ask"},
			{Role: "assistant", Text: "earlier reply"},
		},
		Prompt: "now do this",
	})
	if !strings.HasPrefix(got, "## Domain expertise: storage") {
		t.Fatalf("prefix missing: %q", got)
	}
	if !strings.Contains(got, "[user] earlier ask") || !strings.Contains(got, "[assistant] earlier reply") {
		t.Fatalf("history missing: %q", got)
	}
	if !strings.HasSuffix(got, "now do this") {
		t.Fatalf("prompt not last: %q", got)
	}

	if got := buildPrompt(RunConfig{Prompt: "bare"}); got != "bare" {
		t.Fatalf("got %q", got)
	}
}
