package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// buildSynthesis merges all agent results into one human-readable report:
// per-agent status and output, failed agents named with their reasons, and
// aggregate counters. A report is produced whenever at least one agent ran.
func buildSynthesis(exec *TaskExecution) string {
	results := exec.Results()

	var sb strings.Builder
	sb.WriteString("# Execution report\n\n")
	fmt.Fprintf(&sb, "Execution %s", exec.ID())
	if exec.SessionID() != "" {
		fmt.Fprintf(&sb, " (session %s)", exec.SessionID())
	}
	sb.WriteString("\n\n")

	if len(results) == 0 {
		sb.WriteString("No agents were run.\n")
		return sb.String()
	}

	succeeded := 0
	failedNames := make([]string, 0, len(results))
	totalToolCalls := 0
	var totalTokens int64
	experts := map[string]bool{}
	for _, entry := range exec.Plan() {
		if entry.ExpertID != "" {
			experts[entry.ExpertID] = true
		}
	}

	for _, res := range results {
		if res.Success {
			succeeded++
		} else {
			failedNames = append(failedNames, res.AgentType)
		}
		totalToolCalls += res.ToolCalls
		totalTokens += res.TokensUsed
	}

	if succeeded == 0 {
		sb.WriteString("All agents failed.\n\n")
	}

	for _, res := range results {
		status := "succeeded"
		if !res.Success {
			status = "failed"
			if res.TimedOut {
				status = "timed out"
			}
		}
		fmt.Fprintf(&sb, "## %s — %s\n", res.AgentType, status)
		if !res.Success && len(res.Errors) > 0 {
			fmt.Fprintf(&sb, "Reason: %s\n", strings.Join(res.Errors, "; "))
		}
		if out := strings.TrimSpace(res.Output); out != "" {
			sb.WriteString("\n")
			sb.WriteString(out)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Totals\n")
	fmt.Fprintf(&sb, "- Agents: %d run, %d succeeded, %d failed\n", len(results), succeeded, len(failedNames))
	if len(failedNames) > 0 {
		fmt.Fprintf(&sb, "- Failed agents: %s\n", strings.Join(failedNames, ", "))
	}
	fmt.Fprintf(&sb, "- Tool calls: %d\n", totalToolCalls)
	fmt.Fprintf(&sb, "- Tokens: %d\n", totalTokens)
	fmt.Fprintf(&sb, "- Wall time: %s\n", wallTime(exec).Round(time.Millisecond))
	if len(experts) > 0 {
		ids := make([]string, 0, len(experts))
		for id := range experts {
			ids = append(ids, id)
		}
		fmt.Fprintf(&sb, "- Experts consulted: %s\n", strings.Join(ids, ", "))
	}
	return sb.String()
}

func wallTime(exec *TaskExecution) time.Duration {
	end := exec.CompletedAt()
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(exec.StartedAt())
}
