package agent

import (
	"strings"
	"time"
)

// taskSpan records one open delegated sub-agent invocation.
type taskSpan struct {
	parentTaskID string
	startedAt    time.Time
}

// correlationState tracks open tool invocations and delegated sub-agent
// spans for one running subprocess. It is owned exclusively by that
// subprocess's dispatch goroutine and needs no locking.
//
// Tool results are matched by id when the subprocess supplied one, otherwise
// by popping a last-in-first-out stack of tool names. The stack fallback is
// only correct while at most one untagged call is in flight per nesting
// level; the subprocess has so far honored that, so the behavior is kept as
// a documented approximation rather than guessed around.
type correlationState struct {
	toolNames map[string]string
	nameStack []string

	tasks         map[string]taskSpan
	currentTaskID string
}

func newCorrelationState() *correlationState {
	return &correlationState{
		toolNames: map[string]string{},
		tasks:     map[string]taskSpan{},
	}
}

// registerTool records an open tool invocation. Calls without an id go onto
// the fallback stack.
func (c *correlationState) registerTool(id string, name string) {
	id = strings.TrimSpace(id)
	if id == "" {
		c.nameStack = append(c.nameStack, name)
		return
	}
	c.toolNames[id] = name
}

// resolveResult consumes exactly the entry matching a tool-result: by id
// lookup when an id is present, else by stack pop. The matched entry is
// removed so it can never resolve twice.
func (c *correlationState) resolveResult(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id != "" {
		name, ok := c.toolNames[id]
		if ok {
			delete(c.toolNames, id)
			return name, true
		}
		return "", false
	}
	if n := len(c.nameStack); n > 0 {
		name := c.nameStack[n-1]
		c.nameStack = c.nameStack[:n-1]
		return name, true
	}
	return "", false
}

// beginTask opens a delegated sub-agent span: the new task becomes the
// cursor and remembers the previous cursor as its parent, supporting
// arbitrary nesting depth.
func (c *correlationState) beginTask(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	c.tasks[id] = taskSpan{parentTaskID: c.currentTaskID, startedAt: time.Now()}
	c.currentTaskID = id
}

// endTask closes the span when the task's own completion result arrives:
// the cursor is restored to the span's recorded parent and the span removed.
// Returns false when id does not name an open span.
func (c *correlationState) endTask(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	span, ok := c.tasks[id]
	if !ok {
		return false
	}
	delete(c.tasks, id)
	if c.currentTaskID == id {
		c.currentTaskID = span.parentTaskID
	}
	return true
}

// parentFor returns the ParentToolCallID to stamp on a non-delegating tool
// event: the current executing task id, if any.
func (c *correlationState) parentFor() string {
	return c.currentTaskID
}

func (c *correlationState) openTools() int {
	return len(c.toolNames) + len(c.nameStack)
}

func (c *correlationState) openTasks() int {
	return len(c.tasks)
}
