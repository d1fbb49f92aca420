package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// QuestionToolName is the tool the subprocess uses to ask the caller a
	// question; dispatch suspends on it until an answer arrives.
	QuestionToolName = "AskUserQuestion"

	// DelegateToolName is the delegation primitive: a tool call that itself
	// represents a nested sub-agent run.
	DelegateToolName = "Task"

	eventQueueSize = 256
)

// RuleDoc is one project-scoped rule document surfaced as a context event
// after init.
type RuleDoc struct {
	Path    string
	Content string
}

// RulesProvider discovers rule documents for a workspace. Lookups are
// expected to be cheap (cached by the implementation).
type RulesProvider interface {
	Discover(workDir string) []RuleDoc
}

// dispatcher validates and classifies parsed frames into StreamEvents,
// enriching them with correlation state, and drives the bidirectional
// control flow (questions, permission grants) back into the subprocess.
//
// It runs as a single goroutine per subprocess; correlation state and the
// event queue are never touched from anywhere else.
type dispatcher struct {
	log  *slog.Logger
	proc *agentProcess
	corr *correlationState

	workDir     string
	rules       RulesProvider
	autoApprove bool

	events chan StreamEvent

	mu            sync.Mutex
	sessionID     string
	pendingAnswer chan string
}

func newDispatcher(log *slog.Logger, proc *agentProcess, workDir string, rules RulesProvider, autoApprove bool) *dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &dispatcher{
		log:         log,
		proc:        proc,
		corr:        newCorrelationState(),
		workDir:     strings.TrimSpace(workDir),
		rules:       rules,
		autoApprove: autoApprove,
		events:      make(chan StreamEvent, eventQueueSize),
	}
}

// Answer supplies the external answer to the currently pending question.
// The dispatch goroutine wakes, writes the answer to the subprocess input
// and resumes.
func (d *dispatcher) Answer(text string) error {
	d.mu.Lock()
	ch := d.pendingAnswer
	d.mu.Unlock()
	if ch == nil {
		return errors.New("no question pending")
	}
	select {
	case ch <- text:
		return nil
	default:
		// already answered
		return nil
	}
}

func (d *dispatcher) currentSessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// run reads frames until stream end, emitting events in arrival order. It
// always terminates the queue with a done event and closes it.
func (d *dispatcher) run(ctx context.Context) {
	defer close(d.events)
	fr := newFrameReader(d.proc.stdout, d.log)
	for {
		line, err := fr.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.log.Warn("agent stream read failed", "component", "agent_proc", "error", err)
				d.emit(ctx, StreamEvent{Kind: EventError, Text: err.Error()})
			}
			d.emit(ctx, StreamEvent{Kind: EventDone, ExecutionID: d.currentSessionID()})
			return
		}
		msg, err := parseInboundLine(line)
		if err != nil {
			d.log.Debug("agent frame skipped", "component", "agent_proc", "error", err)
			continue
		}
		d.dispatch(ctx, msg)
	}
}

func (d *dispatcher) emit(ctx context.Context, ev StreamEvent) {
	if ev.ExecutionID == "" {
		ev.ExecutionID = d.currentSessionID()
	}
	select {
	case d.events <- ev:
	case <-ctx.Done():
	}
}

func (d *dispatcher) dispatch(ctx context.Context, msg *inboundLine) {
	switch msg.Type {
	case wireTypeSystem:
		if msg.Subtype == wireSubtypeInit {
			d.handleInit(ctx, msg)
		}
	case wireTypeAssistant:
		d.handleAssistant(ctx, msg)
	case wireTypeUser:
		d.handleUser(ctx, msg)
	case wireTypeResult:
		d.handleResult(ctx, msg)
	case wireTypeControlRequest:
		d.handleControlRequest(msg)
	default:
		// Unrecognized frame types are ignored without error.
	}
}

func (d *dispatcher) handleInit(ctx context.Context, msg *inboundLine) {
	sessionID := strings.TrimSpace(msg.SessionID)
	d.mu.Lock()
	d.sessionID = sessionID
	d.mu.Unlock()
	d.log.Debug("agent session initialized", "component", "agent_proc", "session_id", sessionID)
	d.emit(ctx, StreamEvent{Kind: EventInit, ExecutionID: sessionID})

	if d.rules == nil || d.workDir == "" {
		return
	}
	for _, doc := range d.rules.Discover(d.workDir) {
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		d.emit(ctx, StreamEvent{Kind: EventContext, Text: doc.Content, ToolName: doc.Path})
	}
}

func (d *dispatcher) handleAssistant(ctx context.Context, msg *inboundLine) {
	if msg.Message == nil {
		return
	}
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		// A bad block is skipped; siblings in the same message still process.
		switch block.Type {
		case blockTypeText:
			if block.Text != "" {
				d.emit(ctx, StreamEvent{Kind: EventText, Text: block.Text})
			}
		case blockTypeThinking:
			if block.Thinking != "" {
				d.emit(ctx, StreamEvent{Kind: EventThinking, Text: block.Thinking})
			}
		case blockTypeToolUse:
			d.handleToolUse(ctx, block)
		default:
			d.log.Debug("assistant block skipped", "component", "agent_proc", "block_type", block.Type)
		}
	}
}

func (d *dispatcher) handleToolUse(ctx context.Context, block *contentBlock) {
	name := strings.TrimSpace(block.Name)
	if name == "" {
		d.log.Debug("tool_use block without name skipped", "component", "agent_proc")
		return
	}
	id := strings.TrimSpace(block.ID)

	parent := d.corr.parentFor()
	d.corr.registerTool(id, name)
	if name == DelegateToolName && id != "" {
		d.corr.beginTask(id)
	}

	ev := StreamEvent{
		Kind:             EventToolUse,
		ToolName:         name,
		ToolInput:        block.toolInput(),
		ToolCallID:       id,
		ParentToolCallID: parent,
	}

	if name != QuestionToolName {
		d.emit(ctx, ev)
		return
	}

	// The subprocess is now blocked on input. Emit the event flagged as
	// awaiting an answer, then suspend this goroutine until Answer is
	// called. The enclosing agent deadline is the only bound.
	ch := make(chan string, 1)
	d.mu.Lock()
	d.pendingAnswer = ch
	d.mu.Unlock()

	ev.AwaitingAnswer = true
	d.emit(ctx, ev)
	d.log.Debug("agent question pending", "component", "agent_proc", "tool_id", id)

	var answer string
	answered := false
	select {
	case answer = <-ch:
		answered = true
	case <-ctx.Done():
	}

	d.mu.Lock()
	d.pendingAnswer = nil
	d.mu.Unlock()

	if !answered {
		return
	}
	if err := d.proc.sendAnswer(answer); err != nil {
		d.log.Warn("agent answer write failed", "component", "agent_proc", "error", err)
		return
	}
	d.log.Debug("agent question answered", "component", "agent_proc", "tool_id", id)
}

func (d *dispatcher) handleUser(ctx context.Context, msg *inboundLine) {
	if msg.Message == nil {
		return
	}
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		if block.Type != blockTypeToolResult {
			continue
		}
		id := strings.TrimSpace(block.ToolUseID)
		name, ok := d.corr.resolveResult(id)
		if !ok {
			d.log.Debug("unmatched tool_result", "component", "agent_proc", "tool_use_id", id)
		}
		// When the result closes an open delegation span, restore the cursor
		// to that span's recorded parent.
		d.corr.endTask(id)
		d.emit(ctx, StreamEvent{
			Kind:             EventToolResult,
			ToolName:         name,
			ToolOutput:       block.toolResultText(),
			ToolCallID:       id,
			ParentToolCallID: d.corr.parentFor(),
		})
	}
}

func (d *dispatcher) handleResult(ctx context.Context, msg *inboundLine) {
	payload := &ResultPayload{
		Response:   msg.Result,
		IsError:    msg.IsError,
		CostUSD:    msg.TotalCostUSD,
		DurationMS: msg.DurationMS,
	}
	if msg.Usage != nil {
		payload.Usage = *msg.Usage
	}
	d.emit(ctx, StreamEvent{Kind: EventResult, Result: payload})
	// No further turns are coming.
	d.proc.closeStdin()
}

func (d *dispatcher) handleControlRequest(msg *inboundLine) {
	if msg.Request == nil || msg.Request.Subtype != wireSubtypeCanUseTool {
		return
	}
	requestID := strings.TrimSpace(msg.RequestID)
	if !d.autoApprove {
		d.log.Warn("tool permission requested but auto-approval is disabled; call will hang",
			"component", "agent_proc", "request_id", requestID, "tool_name", msg.Request.ToolName)
		return
	}
	if err := d.proc.sendPermissionDecision(requestID, true); err != nil {
		d.log.Warn("permission grant write failed", "component", "agent_proc", "error", err)
		return
	}
	d.log.Debug("tool permission granted", "component", "agent_proc", "request_id", requestID, "tool_name", msg.Request.ToolName)
}
