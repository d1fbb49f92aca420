package orchestrator

import (
	"context"
	"time"

	"github.com/floegence/agentfleet/internal/agent"
	"github.com/floegence/agentfleet/internal/classify"
	"github.com/floegence/agentfleet/internal/expert"
)

// Collaborators are injected through Options; the orchestrator never reaches
// for package-level defaults. Default wiring lives at the composition root.

// Classifier produces the routing decision for a prompt.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (classify.Classification, error)
}

// ExpertStore lists and loads domain-expertise documents. Used only to build
// prompt enrichment prefixes.
type ExpertStore interface {
	List(ctx context.Context) ([]expert.Info, error)
	Load(ctx context.Context, id string) (*expert.Expertise, error)
}

// ExecutionTrace is what the learning sink receives after an execution
// reaches a terminal state.
type ExecutionTrace struct {
	ExecutionID string
	SessionID   string
	Prompt      string
	Status      Status
	Synthesis   string
	StartedAt   time.Time
	CompletedAt time.Time
	Results     []*agent.SpawnResult
}

// LearningSink records completed execution traces. Fire-and-forget: the
// orchestrator logs and swallows its failures.
type LearningSink interface {
	Record(ctx context.Context, trace ExecutionTrace)
}

// ExecutionMetrics summarizes one finished execution for the metrics sink.
type ExecutionMetrics struct {
	Status        Status
	AgentsPlanned int
	AgentsFailed  int
	Retries       int
	WallTime      time.Duration
}

// MetricsSink records execution metrics. Same fire-and-forget contract as
// the learning sink.
type MetricsSink interface {
	RecordExecution(m ExecutionMetrics)
	ObserveStage(stage string, status string, d time.Duration)
	SetActiveAgents(n int)
}

// SessionContextProvider yields a context prefix injected into enriched
// prompts when a prior turn exists for the session.
type SessionContextProvider interface {
	ContextForSession(ctx context.Context, sessionID string) (string, error)
}

// AgentRunner drives one agent subprocess to completion.
type AgentRunner interface {
	Run(ctx context.Context, cfg agent.RunConfig) *agent.SpawnResult
}
