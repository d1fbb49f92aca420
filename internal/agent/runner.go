package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	// defaultOutputCap bounds the text kept on a SpawnResult. The full,
	// untruncated text stays available on FullOutput.
	defaultOutputCap = 16 << 10

	truncationMarker = "\n... [output truncated]"
)

// Tools whose file_path argument means the file was modified, vs. read.
var (
	mutatingFileTools = map[string]bool{
		"Write":     true,
		"Edit":      true,
		"MultiEdit": true,
	}
	readingFileTools = map[string]bool{
		"Read": true,
	}
)

// ProcessStats is a resource-usage summary for one subprocess.
type ProcessStats struct {
	CPUPeakPercent float64
	RSSPeakBytes   uint64
	Samples        int
}

// ProcessSampler watches a live subprocess and reports peak resource usage
// when stopped. Implementations must tolerate the pid exiting mid-watch.
type ProcessSampler interface {
	Watch(ctx context.Context, pid int) (stop func() ProcessStats)
}

// HistoryTurn is one prior conversational turn included in the prompt.
type HistoryTurn struct {
	Role string
	Text string
}

// QuestionHandler produces the answer for a mid-stream question event. A nil
// handler leaves the question pending until the agent deadline.
type QuestionHandler func(ctx context.Context, ev StreamEvent) (string, error)

// RunConfig describes one agent invocation.
type RunConfig struct {
	AgentID   string
	AgentType string
	SessionID string

	Bin  string
	Args []string
	Env  []string

	WorkDir string
	Prompt  string
	// PromptPrefix carries enrichment (expertise, prior-session context)
	// prepended ahead of the prompt.
	PromptPrefix string
	History      []HistoryTurn
	Images       []ImageAttachment

	Timeout     time.Duration
	OutputCap   int
	AutoApprove bool

	Rules     RulesProvider
	Sampler   ProcessSampler
	OnEvent   func(StreamEvent)
	Questions QuestionHandler
}

// SpawnResult is the immutable outcome of one agent run. It is mutated only
// by its own runner while events arrive and frozen once Run returns.
type SpawnResult struct {
	AgentID     string
	AgentType   string
	SessionID   string
	ExecutionID string
	PromptSent  string

	StartedAt   time.Time
	CompletedAt time.Time

	// Output is capped with a truncation marker; FullOutput retains the
	// untruncated text for callers that need it.
	Output     string
	FullOutput string

	ToolCalls     int
	TokensUsed    int64
	CostUSD       float64
	FilesModified []string
	FilesRead     []string

	Stats ProcessStats

	Errors   []string
	Success  bool
	TimedOut bool
}

// Runner drives single agent subprocesses to completion.
type Runner struct {
	log *slog.Logger
}

func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log}
}

// Run spawns one agent, drains its event stream until the terminal event or
// the deadline, and returns an accumulated result. Failures of any kind
// (spawn, protocol, subprocess exit, timeout) come back as a failed result,
// never as a panic or a propagated error.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) *SpawnResult {
	if ctx == nil {
		ctx = context.Background()
	}
	res := &SpawnResult{
		AgentID:   strings.TrimSpace(cfg.AgentID),
		AgentType: strings.TrimSpace(cfg.AgentType),
		SessionID: strings.TrimSpace(cfg.SessionID),
		StartedAt: time.Now(),
	}

	prompt := buildPrompt(cfg)
	res.PromptSent = prompt

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	r.log.Debug("agent.run.start",
		"agent_id", res.AgentID,
		"agent_type", res.AgentType,
		"session_id", res.SessionID,
		"work_dir", cfg.WorkDir,
		"timeout", cfg.Timeout,
		"prompt_chars", len(prompt),
	)

	proc, err := startAgentProcess(runCtx, r.log, ProcessSpec{
		Bin:  cfg.Bin,
		Args: cfg.Args,
		Dir:  cfg.WorkDir,
		Env:  cfg.Env,
	})
	if err != nil {
		return r.fail(res, fmt.Sprintf("spawn failed: %v", err))
	}
	defer proc.cancel()

	var stopSampling func() ProcessStats
	if cfg.Sampler != nil {
		stopSampling = cfg.Sampler.Watch(runCtx, proc.pid())
	}

	if err := proc.writeInitialMessage(prompt, cfg.Images); err != nil {
		proc.cancel()
		return r.fail(res, fmt.Sprintf("prompt write failed: %v", err))
	}

	disp := newDispatcher(r.log, proc, cfg.WorkDir, cfg.Rules, cfg.AutoApprove)
	go disp.run(runCtx)
	go func() {
		<-runCtx.Done()
		// Unblocks the frame reader even when the agent never emits a
		// terminal event.
		proc.cancel()
	}()

	acc := newAccumulator()
	timedOut := false

drain:
	for {
		select {
		case ev, ok := <-disp.events:
			if !ok {
				break drain
			}
			r.consume(runCtx, disp, cfg, res, acc, ev)
			if ev.Kind == EventDone {
				break drain
			}
		case <-runCtx.Done():
			if ctx.Err() == nil {
				timedOut = true
			}
			proc.cancel()
			break drain
		}
	}

	waitErr := proc.wait()
	if stopSampling != nil {
		res.Stats = stopSampling()
	}
	res.CompletedAt = time.Now()
	r.finalize(res, acc, cfg, timedOut, waitErr)

	r.log.Debug("agent.run.end",
		"agent_id", res.AgentID,
		"execution_id", res.ExecutionID,
		"success", res.Success,
		"timed_out", res.TimedOut,
		"tool_calls", res.ToolCalls,
		"tokens", res.TokensUsed,
		"duration_ms", res.CompletedAt.Sub(res.StartedAt).Milliseconds(),
	)
	return res
}

type accumulator struct {
	text          strings.Builder
	finalResponse string
	haveResult    bool
	resultIsError bool
	filesModified map[string]bool
	filesRead     map[string]bool
	errs          []string
}

func newAccumulator() *accumulator {
	return &accumulator{
		filesModified: map[string]bool{},
		filesRead:     map[string]bool{},
	}
}

func (r *Runner) consume(ctx context.Context, disp *dispatcher, cfg RunConfig, res *SpawnResult, acc *accumulator, ev StreamEvent) {
	if cfg.OnEvent != nil {
		cfg.OnEvent(ev)
	}
	if ev.ExecutionID != "" && res.ExecutionID == "" {
		res.ExecutionID = ev.ExecutionID
	}
	switch ev.Kind {
	case EventText:
		acc.text.WriteString(ev.Text)
	case EventToolUse:
		res.ToolCalls++
		classifyFilePath(acc, ev.ToolName, ev.ToolInput)
		if ev.AwaitingAnswer {
			r.answerQuestion(ctx, disp, cfg, acc, ev)
		}
	case EventResult:
		if ev.Result != nil {
			acc.haveResult = true
			acc.finalResponse = ev.Result.Response
			acc.resultIsError = ev.Result.IsError
			res.TokensUsed = ev.Result.Usage.InputTokens + ev.Result.Usage.OutputTokens
			res.CostUSD = ev.Result.CostUSD
		}
	case EventError:
		if strings.TrimSpace(ev.Text) != "" {
			acc.errs = append(acc.errs, ev.Text)
		}
	}
}

// answerQuestion runs in the drain goroutine while dispatch is suspended on
// the pending-answer channel.
func (r *Runner) answerQuestion(ctx context.Context, disp *dispatcher, cfg RunConfig, acc *accumulator, ev StreamEvent) {
	if cfg.Questions == nil {
		r.log.Warn("agent asked a question but no handler is configured; run will stall until deadline",
			"tool_id", ev.ToolCallID)
		return
	}
	answer, err := cfg.Questions(ctx, ev)
	if err != nil {
		acc.errs = append(acc.errs, fmt.Sprintf("question handler failed: %v", err))
		return
	}
	if err := disp.Answer(answer); err != nil {
		acc.errs = append(acc.errs, fmt.Sprintf("answer delivery failed: %v", err))
	}
}

func classifyFilePath(acc *accumulator, toolName string, input map[string]any) {
	raw, ok := input["file_path"]
	if !ok {
		return
	}
	path, ok := raw.(string)
	if !ok || strings.TrimSpace(path) == "" {
		return
	}
	switch {
	case mutatingFileTools[toolName]:
		acc.filesModified[path] = true
	case readingFileTools[toolName]:
		acc.filesRead[path] = true
	}
}

func (r *Runner) fail(res *SpawnResult, msg string) *SpawnResult {
	res.CompletedAt = time.Now()
	res.Errors = append(res.Errors, msg)
	res.Success = false
	r.log.Warn("agent.run.failed", "agent_id", res.AgentID, "error", msg)
	return res
}

func (r *Runner) finalize(res *SpawnResult, acc *accumulator, cfg RunConfig, timedOut bool, waitErr error) {
	// The terminal result event's payload wins over accumulated text.
	full := acc.text.String()
	if acc.haveResult && strings.TrimSpace(acc.finalResponse) != "" {
		full = acc.finalResponse
	}
	res.FullOutput = full
	outCap := cfg.OutputCap
	if outCap <= 0 {
		outCap = defaultOutputCap
	}
	if len(full) > outCap {
		res.Output = full[:outCap] + truncationMarker
	} else {
		res.Output = full
	}

	res.FilesModified = sortedKeys(acc.filesModified)
	res.FilesRead = sortedKeys(acc.filesRead)
	res.Errors = append(res.Errors, acc.errs...)

	switch {
	case timedOut:
		res.TimedOut = true
		res.Errors = append(res.Errors, fmt.Sprintf("timed out after %s", cfg.Timeout))
	case acc.resultIsError:
		res.Errors = append(res.Errors, "agent reported an error result")
	case !acc.haveResult && waitErr != nil:
		res.Errors = append(res.Errors, fmt.Sprintf("agent exited abnormally: %v", waitErr))
	}
	res.Success = len(res.Errors) == 0
}

// buildPrompt assembles the text sent as the initial user message: the
// enrichment prefix, then prior turns, then the request itself.
func buildPrompt(cfg RunConfig) string {
	var sb strings.Builder
	if p := strings.TrimSpace(cfg.PromptPrefix); p != "" {
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}
	if len(cfg.History) > 0 {
		sb.WriteString("## Conversation so far\n")
		for _, turn := range cfg.History {
			role := strings.TrimSpace(turn.Role)
			if role == "" {
				role = "user"
			}
			fmt.Fprintf(&sb, "[%s] %s\n", role, strings.TrimSpace(turn.Text))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(cfg.Prompt)
	return sb.String()
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
