package orchestrator

import (
	"testing"

	"github.com/floegence/agentfleet/internal/classify"
	"github.com/floegence/agentfleet/internal/expert"
)

func TestBuildPlanOrdering(t *testing.T) {
	c := classify.Classification{
		SuggestedAgentTypes: []string{"reviewer", "explorer", "implementer"},
	}
	plan := buildPlan(c, nil)
	if len(plan) != 3 {
		t.Fatalf("got %d entries", len(plan))
	}
	want := []string{"explorer", "implementer", "reviewer"}
	for i, agentType := range want {
		if plan[i].AgentType != agentType {
			t.Fatalf("position %d: got %s, want %s", i, plan[i].AgentType, agentType)
		}
	}
}

func TestBuildPlanDeduplicatesAndNormalizes(t *testing.T) {
	c := classify.Classification{
		SuggestedAgentTypes: []string{"Implementer", "implementer", " ", "IMPLEMENTER"},
	}
	plan := buildPlan(c, nil)
	if len(plan) != 1 || plan[0].AgentType != "implementer" {
		t.Fatalf("got %+v", plan)
	}
}

func TestBuildPlanDefaultsToImplementer(t *testing.T) {
	plan := buildPlan(classify.Classification{}, nil)
	if len(plan) != 1 || plan[0].AgentType != "implementer" {
		t.Fatalf("got %+v", plan)
	}
}

func TestBuildPlanUnknownRoleRunsLast(t *testing.T) {
	c := classify.Classification{
		SuggestedAgentTypes: []string{"archivist", "explorer"},
	}
	plan := buildPlan(c, nil)
	if len(plan) != 2 || plan[0].AgentType != "explorer" || plan[1].AgentType != "archivist" {
		t.Fatalf("got %+v", plan)
	}
	if plan[1].Priority != unknownRolePriority {
		t.Fatalf("unknown priority: %d", plan[1].Priority)
	}
}

func TestBuildPlanAttachesBestExpert(t *testing.T) {
	c := classify.Classification{
		Domains:             []string{"storage"},
		SuggestedAgentTypes: []string{"implementer"},
	}
	experts := []expert.Info{
		{ID: "junior", Domain: "storage", Confidence: 0.3},
		{ID: "senior", Domain: "storage", Confidence: 0.9},
		{ID: "other", Domain: "frontend", Confidence: 1.0},
	}
	plan := buildPlan(c, experts)
	if len(plan) != 1 || plan[0].ExpertID != "senior" {
		t.Fatalf("got %+v", plan)
	}
}
