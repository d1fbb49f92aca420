package agent

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestStartAgentProcessMissingBin(t *testing.T) {
	if _, err := startAgentProcess(context.Background(), discardLogger(), ProcessSpec{Bin: "  "}); err == nil {
		t.Fatal("expected error for empty binary")
	}
	if _, err := startAgentProcess(context.Background(), discardLogger(), ProcessSpec{Bin: "/definitely/not/here"}); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestProcessEchoRoundTrip(t *testing.T) {
	requireTool(t, "cat")

	proc, err := startAgentProcess(context.Background(), discardLogger(), ProcessSpec{Bin: "cat"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if proc.pid() <= 0 {
		t.Fatalf("pid: got %d", proc.pid())
	}

	if err := proc.writeInitialMessage("hello agent", nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	proc.closeStdin()

	fr := newFrameReader(proc.stdout, discardLogger())
	line, err := fr.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var echoed outboundUserLine
	if err := json.Unmarshal(line, &echoed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if echoed.Type != wireTypeUser || len(echoed.Message.Content) != 1 {
		t.Fatalf("got %+v", echoed)
	}
	if echoed.Message.Content[0].Text != "hello agent" {
		t.Fatalf("got %q", echoed.Message.Content[0].Text)
	}

	if err := proc.wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code := proc.exitCode(); code != 0 {
		t.Fatalf("exit code: got %d", code)
	}
}

func TestProcessImageAttachment(t *testing.T) {
	requireTool(t, "cat")

	proc, err := startAgentProcess(context.Background(), discardLogger(), ProcessSpec{Bin: "cat"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := proc.writeInitialMessage("see attached", []ImageAttachment{
		{Data: []byte{0x89, 0x50, 0x4e, 0x47}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	proc.closeStdin()

	fr := newFrameReader(proc.stdout, discardLogger())
	line, err := fr.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	s := string(line)
	if !strings.Contains(s, `"image"`) || !strings.Contains(s, `"image/png"`) {
		t.Fatalf("image block missing: %s", s)
	}
	_ = proc.wait()
}

func TestProcessCancelIsGraduatedAndIdempotent(t *testing.T) {
	requireTool(t, "sleep")

	proc, err := startAgentProcess(context.Background(), discardLogger(), ProcessSpec{Bin: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	proc.cancel()
	proc.cancel() // second call must be a no-op
	_ = proc.wait()

	// SIGTERM ends sleep well inside the kill grace window.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancel took %s", elapsed)
	}
	proc.cancel() // after exit, still safe
}

func TestProcessKillsIgnoredTerm(t *testing.T) {
	requireTool(t, "sh")

	// The child traps SIGTERM, forcing the escalation to SIGKILL.
	proc, err := startAgentProcess(context.Background(), discardLogger(), ProcessSpec{
		Bin:  "sh",
		Args: []string{"-c", `trap "" TERM; sleep 30`},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	proc.cancel()
	_ = proc.wait()
	elapsed := time.Since(start)
	if elapsed < cancelGrace {
		t.Fatalf("exited before grace window: %s", elapsed)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("kill escalation took %s", elapsed)
	}
}
