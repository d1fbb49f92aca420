package agent

// EventKind classifies a StreamEvent emitted by the subprocess pipeline.
type EventKind string

const (
	EventInit       EventKind = "init"
	EventText       EventKind = "text"
	EventThinking   EventKind = "thinking"
	EventToolUse    EventKind = "tool-use"
	EventToolResult EventKind = "tool-result"
	EventContext    EventKind = "context"
	EventResult     EventKind = "result"
	EventError      EventKind = "error"
	EventDone       EventKind = "done"
)

// TokenUsage is the subprocess-reported token accounting for one run.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ResultPayload carries the terminal result event's data.
type ResultPayload struct {
	Response   string     `json:"response"`
	IsError    bool       `json:"is_error"`
	CostUSD    float64    `json:"cost_usd"`
	DurationMS int64      `json:"duration_ms"`
	Usage      TokenUsage `json:"usage"`
}

// StreamEvent is the uniform event the protocol layer hands to its consumer.
// One event is created per parsed wire frame (or per content block within an
// assistant/user frame), is immutable once emitted and consumed exactly once
// by whatever drains the event channel.
type StreamEvent struct {
	Kind EventKind

	// Text holds the fragment for text/thinking events, the context document
	// body for context events and the error message for error events.
	Text string

	// ToolName and ToolInput are set on tool-use events; ToolOutput on
	// tool-result events.
	ToolName   string
	ToolInput  map[string]any
	ToolOutput string

	// Result is set on the terminal result event only.
	Result *ResultPayload

	// ExecutionID is the subprocess's own session identifier, once known.
	ExecutionID string

	// ToolCallID correlates tool-use and tool-result events. Empty when the
	// subprocess emitted the block without an id.
	ToolCallID string

	// ParentToolCallID is set when the event was emitted while execution was
	// nested inside a delegated sub-agent span.
	ParentToolCallID string

	// AwaitingAnswer is true when the subprocess emitted a question and is
	// now blocked until an answer is written to its input.
	AwaitingAnswer bool
}
