package tools

import "time"

// EventKind is a normalized tool lifecycle event type.
type EventKind string

const (
	EventKindRequested EventKind = "tool.requested"
	EventKindApproval  EventKind = "tool.approval"
	EventKindRejected  EventKind = "tool.rejected"
	EventKindEnd       EventKind = "tool.end"
	EventKindError     EventKind = "tool.error"
)

// Event is emitted by the agent loop for observers (terminal UI, logs).
type Event struct {
	Kind     EventKind `json:"kind"`
	CallID   string    `json:"call_id"`
	ToolName string    `json:"tool_name"`
	Args     string    `json:"args,omitempty"`
	Result   string    `json:"result,omitempty"`
	AtUnixMs int64     `json:"at_unix_ms"`
}

func NewEvent(kind EventKind, callID string, toolName string, args string, result string) Event {
	return Event{
		Kind:     kind,
		CallID:   callID,
		ToolName: toolName,
		Args:     args,
		Result:   result,
		AtUnixMs: time.Now().UnixMilli(),
	}
}
