// Package orchestrator plans and schedules concurrent agent subprocess runs:
// it consults the classifier and expert store to build an execution plan,
// runs planned agents under a concurrency ceiling with per-agent timeouts
// and retry, tolerates partial failure, and synthesizes a combined report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/floegence/agentfleet/internal/agent"
	"github.com/floegence/agentfleet/internal/expert"
)

const (
	defaultConcurrency   = 3
	defaultAgentTimeout  = 5 * time.Minute
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMax      = 2
	defaultRetention     = 30 * time.Minute
	defaultSweepInterval = time.Minute

	abortReason = "aborted by caller"
)

// ErrAllAgentsFailed is returned by Execute when every planned agent failed.
// The synthesis text returned alongside still names each failure.
var ErrAllAgentsFailed = errors.New("all agents failed")

// Config tunes scheduling. Zero values pick safe defaults.
type Config struct {
	AgentBin  string
	AgentArgs []string
	AgentEnv  []string

	Concurrency   int64
	AgentTimeout  time.Duration
	RetryBase     time.Duration
	RetryMax      int
	OutputCap     int
	AutoApprove   bool
	Retention     time.Duration
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = defaultConcurrency
	}
	if out.AgentTimeout <= 0 {
		out.AgentTimeout = defaultAgentTimeout
	}
	if out.RetryBase <= 0 {
		out.RetryBase = defaultRetryBase
	}
	if out.RetryMax < 0 {
		out.RetryMax = defaultRetryMax
	}
	if out.Retention <= 0 {
		out.Retention = defaultRetention
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = defaultSweepInterval
	}
	return out
}

// Options carries the injected collaborators. Runner and Classifier are
// required; the rest are optional and default to no-ops.
type Options struct {
	Log        *slog.Logger
	Config     Config
	Runner     AgentRunner
	Classifier Classifier
	Experts    ExpertStore
	Learning   LearningSink
	Metrics    MetricsSink
	Sessions   SessionContextProvider
	Rules      agent.RulesProvider
	Sampler    agent.ProcessSampler
	Questions  agent.QuestionHandler
}

type Orchestrator struct {
	log *slog.Logger
	cfg Config

	runner     AgentRunner
	classifier Classifier
	experts    ExpertStore
	learning   LearningSink
	metrics    MetricsSink
	sessions   SessionContextProvider
	rules      agent.RulesProvider
	sampler    agent.ProcessSampler
	questions  agent.QuestionHandler

	sem *semaphore.Weighted

	mu         sync.Mutex
	executions map[string]*TaskExecution
	cancels    map[string]context.CancelFunc

	closeOnce sync.Once
	sweepStop chan struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Runner == nil {
		return nil, errors.New("missing agent runner")
	}
	if opts.Classifier == nil {
		return nil, errors.New("missing classifier")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config.withDefaults()

	o := &Orchestrator{
		log:        log,
		cfg:        cfg,
		runner:     opts.Runner,
		classifier: opts.Classifier,
		experts:    opts.Experts,
		learning:   opts.Learning,
		metrics:    opts.Metrics,
		sessions:   opts.Sessions,
		rules:      opts.Rules,
		sampler:    opts.Sampler,
		questions:  opts.Questions,
		sem:        semaphore.NewWeighted(cfg.Concurrency),
		executions: map[string]*TaskExecution{},
		cancels:    map[string]context.CancelFunc{},
		sweepStop:  make(chan struct{}),
	}
	go o.sweepLoop()
	return o, nil
}

// Execute runs one orchestrated request end to end and returns the synthesis
// report. Planning failures are returned as errors; individual agent
// failures are absorbed into the report. ErrAllAgentsFailed is returned when
// no agent succeeded.
func (o *Orchestrator) Execute(ctx context.Context, prompt string, sessionID string, workDir string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("empty prompt")
	}

	execID := uuid.NewString()
	exec := newTaskExecution(execID, strings.TrimSpace(sessionID), prompt, strings.TrimSpace(workDir))
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.executions[execID] = exec
	o.cancels[execID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, execID)
		o.mu.Unlock()
	}()

	o.log.Info("fleet.execute.start", "execution_id", execID, "session_id", exec.SessionID())

	plan, prefix, err := o.planStage(execCtx, exec)
	if err != nil {
		exec.fail(err.Error())
		o.recordOutcome(exec, "")
		return "", err
	}

	exec.setStatus(StatusExecuting)
	o.runPlan(execCtx, exec, plan, prefix)

	if reason := exec.FailReason(); exec.Status() == StatusFailed && reason != "" {
		// Aborted or canceled mid-flight.
		synthesis := buildSynthesis(exec)
		o.recordOutcome(exec, synthesis)
		return synthesis, fmt.Errorf("execution failed: %s", reason)
	}

	exec.setStatus(StatusSynthesizing)
	synthesis := buildSynthesis(exec)

	allFailed := true
	for _, res := range exec.Results() {
		if res.Success {
			allFailed = false
			break
		}
	}
	if allFailed {
		exec.fail(ErrAllAgentsFailed.Error())
		o.recordOutcome(exec, synthesis)
		return synthesis, ErrAllAgentsFailed
	}

	exec.setStatus(StatusComplete)
	o.recordOutcome(exec, synthesis)
	o.log.Info("fleet.execute.end",
		"execution_id", execID,
		"status", string(exec.Status()),
		"agents", len(exec.Results()),
		"duration_ms", exec.CompletedAt().Sub(exec.StartedAt()).Milliseconds(),
	)
	return synthesis, nil
}

// planStage consults the classifier and expert store. Failures here ARE
// propagated: no agent work has started, so partial state would mislead.
func (o *Orchestrator) planStage(ctx context.Context, exec *TaskExecution) ([]PlanEntry, string, error) {
	started := time.Now()
	classification, err := o.classifier.Classify(ctx, exec.Prompt())
	if err != nil {
		o.observeStage("planning", "failed", started)
		return nil, "", fmt.Errorf("planning: classify: %w", err)
	}

	var infos []expert.Info
	if o.experts != nil {
		infos, err = o.experts.List(ctx)
		if err != nil {
			o.observeStage("planning", "failed", started)
			return nil, "", fmt.Errorf("planning: expert list: %w", err)
		}
	}

	plan := buildPlan(classification, infos)
	if len(plan) == 0 {
		o.observeStage("planning", "failed", started)
		return nil, "", errors.New("planning: empty plan")
	}
	exec.setPlan(classification, plan)

	prefix, err := o.buildEnrichment(ctx, exec, plan)
	if err != nil {
		o.observeStage("planning", "failed", started)
		return nil, "", err
	}

	o.observeStage("planning", "ok", started)
	o.log.Debug("fleet.plan.built",
		"execution_id", exec.ID(),
		"agents", len(plan),
		"complexity", classification.ComplexityScore,
		"domains", strings.Join(classification.Domains, ","),
	)
	return plan, prefix, nil
}

// buildEnrichment assembles the prompt prefix: matched expertise guidance
// plus prior-session context when available.
func (o *Orchestrator) buildEnrichment(ctx context.Context, exec *TaskExecution, plan []PlanEntry) (string, error) {
	var sb strings.Builder

	if o.sessions != nil && exec.SessionID() != "" {
		sessCtx, err := o.sessions.ContextForSession(ctx, exec.SessionID())
		if err != nil {
			// Missing prior context is not a planning failure.
			o.log.Debug("fleet.session.context_unavailable", "execution_id", exec.ID(), "error", err)
		} else if strings.TrimSpace(sessCtx) != "" {
			sb.WriteString(sessCtx)
			sb.WriteString("\n\n")
		}
	}

	if o.experts != nil {
		seen := map[string]bool{}
		for _, entry := range plan {
			if entry.ExpertID == "" || seen[entry.ExpertID] {
				continue
			}
			seen[entry.ExpertID] = true
			doc, err := o.experts.Load(ctx, entry.ExpertID)
			if err != nil {
				return "", fmt.Errorf("planning: expert load %q: %w", entry.ExpertID, err)
			}
			if strings.TrimSpace(doc.Guidance) == "" {
				continue
			}
			fmt.Fprintf(&sb, "## Domain expertise: %s\n%s\n\n", doc.Domain, doc.Guidance)
		}
	}

	return sb.String(), nil
}

// runPlan launches the planned agents in priority order under the
// concurrency ceiling and waits for all of them to settle. Acquiring the
// semaphore in the launch loop keeps start order deterministic: with a
// ceiling of 2 and three planned agents, the third starts only once a slot
// frees.
func (o *Orchestrator) runPlan(ctx context.Context, exec *TaskExecution, plan []PlanEntry, prefix string) {
	var wg sync.WaitGroup
	active := 0
	var activeMu sync.Mutex

	bumpActive := func(delta int) {
		if o.metrics == nil {
			return
		}
		activeMu.Lock()
		active += delta
		n := active
		activeMu.Unlock()
		o.metrics.SetActiveAgents(n)
	}

	for _, entry := range plan {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			// Execution canceled while waiting for a slot; the remaining
			// agents are recorded as failed without running.
			exec.addResult(&agent.SpawnResult{
				AgentType: entry.AgentType,
				StartedAt: time.Now(),
				Errors:    []string{"not started: execution canceled"},
			})
			continue
		}
		wg.Add(1)
		go func(entry PlanEntry) {
			defer wg.Done()
			defer o.sem.Release(1)
			bumpActive(1)
			defer bumpActive(-1)
			res := o.runWithRetry(ctx, exec, entry, prefix)
			exec.addResult(res)
		}(entry)
	}
	wg.Wait()

	if ctx.Err() != nil && !exec.Status().Terminal() {
		exec.fail("execution canceled")
	}
}

// runWithRetry races one agent against its timeout and the execution's
// cancellation, retrying failures (timeouts included) with exponential
// backoff up to the configured maximum.
func (o *Orchestrator) runWithRetry(ctx context.Context, exec *TaskExecution, entry PlanEntry, prefix string) *agent.SpawnResult {
	var res *agent.SpawnResult
	for attempt := 0; ; attempt++ {
		started := time.Now()
		res = o.runner.Run(ctx, agent.RunConfig{
			AgentID:      uuid.NewString(),
			AgentType:    entry.AgentType,
			SessionID:    exec.SessionID(),
			Bin:          o.cfg.AgentBin,
			Args:         append([]string(nil), o.cfg.AgentArgs...),
			Env:          o.cfg.AgentEnv,
			WorkDir:      exec.workDir,
			Prompt:       exec.Prompt(),
			PromptPrefix: prefix,
			Timeout:      o.cfg.AgentTimeout,
			OutputCap:    o.cfg.OutputCap,
			AutoApprove:  o.cfg.AutoApprove,
			Rules:        o.rules,
			Sampler:      o.sampler,
			Questions:    o.questions,
		})
		status := "ok"
		if !res.Success {
			status = "failed"
			if res.TimedOut {
				status = "timeout"
			}
		}
		o.observeStage("agent."+entry.AgentType, status, started)

		if res.Success || ctx.Err() != nil || attempt >= o.cfg.RetryMax {
			return res
		}

		exec.addRetries(1)
		backoff := o.cfg.RetryBase * (1 << attempt)
		o.log.Debug("fleet.agent.retry",
			"execution_id", exec.ID(),
			"agent_type", entry.AgentType,
			"attempt", attempt+1,
			"backoff", backoff,
			"timed_out", res.TimedOut,
		)
		select {
		case <-ctx.Done():
			return res
		case <-time.After(backoff):
		}
	}
}

func (o *Orchestrator) observeStage(stage string, status string, started time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveStage(stage, status, time.Since(started))
}

// recordOutcome feeds the learning and metrics sinks. Both are
// fire-and-forget: failures are the sink's problem, never the caller's.
func (o *Orchestrator) recordOutcome(exec *TaskExecution, synthesis string) {
	results := exec.Results()
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	if o.metrics != nil {
		o.metrics.RecordExecution(ExecutionMetrics{
			Status:        exec.Status(),
			AgentsPlanned: len(exec.Plan()),
			AgentsFailed:  failed,
			Retries:       exec.Retries(),
			WallTime:      exec.CompletedAt().Sub(exec.StartedAt()),
		})
	}
	if o.learning != nil {
		o.learning.Record(context.WithoutCancel(context.Background()), ExecutionTrace{
			ExecutionID: exec.ID(),
			SessionID:   exec.SessionID(),
			Prompt:      exec.Prompt(),
			Status:      exec.Status(),
			Synthesis:   synthesis,
			StartedAt:   exec.StartedAt(),
			CompletedAt: exec.CompletedAt(),
			Results:     results,
		})
	}
}

// Abort cancels an in-flight execution. Idempotent; returns false when the
// execution id is unknown.
func (o *Orchestrator) Abort(executionID string) bool {
	o.mu.Lock()
	exec, ok := o.executions[executionID]
	cancel := o.cancels[executionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	exec.fail(abortReason)
	if cancel != nil {
		cancel()
	}
	o.log.Info("fleet.execute.aborted", "execution_id", executionID)
	return true
}

// GetExecution returns the live execution record, or nil when unknown or
// already evicted.
func (o *Orchestrator) GetExecution(executionID string) *TaskExecution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executions[executionID]
}

// Close cancels all in-flight executions and stops the retention sweep.
// Idempotent.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.sweepStop)
		o.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(o.cancels))
		for _, cancel := range o.cancels {
			cancels = append(cancels, cancel)
		}
		o.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
	})
}

// sweepLoop evicts executions that have been terminal for longer than the
// retention window.
func (o *Orchestrator) sweepLoop() {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.sweepStop:
			return
		case <-ticker.C:
			o.sweepOnce(time.Now())
		}
	}
}

func (o *Orchestrator) sweepOnce(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, exec := range o.executions {
		if !exec.Status().Terminal() {
			continue
		}
		completed := exec.CompletedAt()
		if completed.IsZero() || now.Sub(completed) < o.cfg.Retention {
			continue
		}
		delete(o.executions, id)
		o.log.Debug("fleet.execution.evicted", "execution_id", id)
	}
}
