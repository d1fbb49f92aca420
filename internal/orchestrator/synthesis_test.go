package orchestrator

import (
	"strings"
	"testing"

	"github.com/floegence/agentfleet/internal/agent"
)

func TestBuildSynthesisNoAgents(t *testing.T) {
	exec := newTaskExecution("e1", "", "prompt", "")
	exec.setStatus(StatusComplete)
	got := buildSynthesis(exec)
	if !strings.Contains(got, "No agents were run.") {
		t.Fatalf("got:\n%s", got)
	}
}

func TestBuildSynthesisSections(t *testing.T) {
	exec := newTaskExecution("e2", "sess", "prompt", "")
	exec.addResult(&agent.SpawnResult{
		AgentType:  "explorer",
		Success:    true,
		Output:     "found the hot path",
		ToolCalls:  4,
		TokensUsed: 100,
	})
	exec.addResult(&agent.SpawnResult{
		AgentType: "reviewer",
		TimedOut:  true,
		Errors:    []string{"timed out after 5m0s"},
		ToolCalls: 1,
	})
	exec.setStatus(StatusComplete)

	got := buildSynthesis(exec)
	for _, want := range []string{
		"# Execution report",
		"Execution e2 (session sess)",
		"## explorer — succeeded",
		"found the hot path",
		"## reviewer — timed out",
		"Reason: timed out after 5m0s",
		"2 run, 1 succeeded, 1 failed",
		"Failed agents: reviewer",
		"Tool calls: 5",
		"Tokens: 100",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "All agents failed.") {
		t.Fatalf("banner on partial failure:\n%s", got)
	}
}

func TestBuildSynthesisAllFailedBanner(t *testing.T) {
	exec := newTaskExecution("e3", "", "prompt", "")
	exec.addResult(&agent.SpawnResult{AgentType: "implementer", Errors: []string{"boom"}})
	exec.fail("all agents failed")

	got := buildSynthesis(exec)
	if !strings.Contains(got, "All agents failed.") {
		t.Fatalf("got:\n%s", got)
	}
	if !strings.Contains(got, "Reason: boom") {
		t.Fatalf("got:\n%s", got)
	}
}
