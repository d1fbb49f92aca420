package orchestrator

import (
	"sync"
	"time"

	"github.com/floegence/agentfleet/internal/agent"
	"github.com/floegence/agentfleet/internal/classify"
)

// Status is the lifecycle state of one TaskExecution.
type Status string

const (
	StatusPlanning     Status = "planning"
	StatusExecuting    Status = "executing"
	StatusSynthesizing Status = "synthesizing"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// PlanEntry is one planned agent, ordered by ascending priority (lower means
// earlier, more foundational work).
type PlanEntry struct {
	AgentType string
	Priority  int
	ExpertID  string
}

// TaskExecution aggregates the state of one top-level orchestrated request.
// It is owned by the orchestrator; external callers observe it only through
// accessor methods returning copies.
type TaskExecution struct {
	mu sync.Mutex

	id        string
	sessionID string
	prompt    string
	workDir   string

	classification classify.Classification
	plan           []PlanEntry
	results        []*agent.SpawnResult
	retries        int

	status      Status
	failReason  string
	startedAt   time.Time
	completedAt time.Time
}

func newTaskExecution(id string, sessionID string, prompt string, workDir string) *TaskExecution {
	return &TaskExecution{
		id:        id,
		sessionID: sessionID,
		prompt:    prompt,
		workDir:   workDir,
		status:    StatusPlanning,
		startedAt: time.Now(),
	}
}

func (e *TaskExecution) ID() string        { return e.id }
func (e *TaskExecution) SessionID() string { return e.sessionID }
func (e *TaskExecution) Prompt() string    { return e.prompt }

func (e *TaskExecution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *TaskExecution) FailReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failReason
}

func (e *TaskExecution) StartedAt() time.Time { return e.startedAt }

func (e *TaskExecution) CompletedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completedAt
}

func (e *TaskExecution) Classification() classify.Classification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.classification
}

func (e *TaskExecution) Plan() []PlanEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PlanEntry(nil), e.plan...)
}

func (e *TaskExecution) Results() []*agent.SpawnResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*agent.SpawnResult(nil), e.results...)
}

func (e *TaskExecution) Retries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries
}

func (e *TaskExecution) setStatus(s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return
	}
	e.status = s
	if s.Terminal() {
		e.completedAt = time.Now()
	}
}

func (e *TaskExecution) fail(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return
	}
	e.status = StatusFailed
	e.failReason = reason
	e.completedAt = time.Now()
}

func (e *TaskExecution) setPlan(c classify.Classification, plan []PlanEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.classification = c
	e.plan = plan
}

func (e *TaskExecution) addResult(res *agent.SpawnResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, res)
}

func (e *TaskExecution) addRetries(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries += n
}
