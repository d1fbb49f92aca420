package orchestrator

import (
	"sort"
	"strings"

	"github.com/floegence/agentfleet/internal/classify"
	"github.com/floegence/agentfleet/internal/expert"
)

// Role priorities: exploration before implementation before review. Unknown
// roles run last.
var rolePriority = map[string]int{
	classify.AgentTypeExplorer:    1,
	classify.AgentTypeImplementer: 2,
	classify.AgentTypeReviewer:    3,
}

const unknownRolePriority = 9

// buildPlan turns a classification plus the matched experts into the ordered
// list of agents to run. The plan is consumed once by the scheduler and
// never mutated after creation.
func buildPlan(c classify.Classification, experts []expert.Info) []PlanEntry {
	types := c.SuggestedAgentTypes
	if len(types) == 0 {
		types = []string{classify.AgentTypeImplementer}
	}

	// Best expert per domain, matched against the classification.
	matched := expert.Match(experts, c.Domains)
	expertID := ""
	if len(matched) > 0 {
		expertID = matched[0].ID
	}

	seen := map[string]bool{}
	plan := make([]PlanEntry, 0, len(types))
	for _, raw := range types {
		agentType := strings.ToLower(strings.TrimSpace(raw))
		if agentType == "" || seen[agentType] {
			continue
		}
		seen[agentType] = true
		prio, ok := rolePriority[agentType]
		if !ok {
			prio = unknownRolePriority
		}
		plan = append(plan, PlanEntry{
			AgentType: agentType,
			Priority:  prio,
			ExpertID:  expertID,
		})
	}

	sort.SliceStable(plan, func(i, j int) bool { return plan[i].Priority < plan[j].Priority })
	return plan
}
