package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role is the transcript role of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single capability invocation requested by a backend.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments"`
}

// Message is one transcript entry.
//
// Notes:
//   - A tool message always carries the ToolCallID it answers.
//   - An assistant message has nil Content only when it carries at least one tool call.
type Message struct {
	Role       Role       `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

func Text(s string) *string { return &s }

func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: Text(text)} }
func UserMessage(text string) Message   { return Message{Role: RoleUser, Content: Text(text)} }

func AssistantMessage(text string, calls []ToolCall) Message {
	msg := Message{Role: RoleAssistant, ToolCalls: calls}
	if text != "" || len(calls) == 0 {
		msg.Content = Text(text)
	}
	return msg
}

func ToolResultMessage(callID string, name string, result string) Message {
	return Message{Role: RoleTool, Content: Text(result), ToolCallID: callID, Name: name}
}

// ContentText returns the message content or "" when it is null.
func (m Message) ContentText() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser:
	case RoleAssistant:
		if m.Content == nil && len(m.ToolCalls) == 0 {
			return errors.New("assistant message has neither content nor tool calls")
		}
		for i, tc := range m.ToolCalls {
			if strings.TrimSpace(tc.ID) == "" {
				return fmt.Errorf("tool call %d (%s) missing id", i, tc.Name)
			}
			if strings.TrimSpace(tc.Name) == "" {
				return fmt.Errorf("tool call %d missing name", i)
			}
		}
	case RoleTool:
		if strings.TrimSpace(m.ToolCallID) == "" {
			return errors.New("tool message missing tool_call_id")
		}
	default:
		return fmt.Errorf("invalid role %q", m.Role)
	}
	return nil
}

// Tier ranks capabilities when a backend can only advertise a few of them.
type Tier string

const (
	TierCore      Tier = "core"
	TierImportant Tier = "important"
	TierExtended  Tier = "extended"
)

// Rank orders tiers from most to least important. Unknown tiers sort last.
func (t Tier) Rank() int {
	switch t {
	case TierCore:
		return 0
	case TierImportant:
		return 1
	case TierExtended:
		return 2
	default:
		return 3
	}
}

// CapabilityDescriptor describes a tool the model may invoke.
type CapabilityDescriptor struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	Schema               json.RawMessage `json:"parameters,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	Tier                 Tier            `json:"tier"`
}

// SchemaMap decodes Schema into a generic map. An empty or invalid schema yields an object schema.
func (c CapabilityDescriptor) SchemaMap() map[string]any {
	out := map[string]any{}
	if len(c.Schema) > 0 {
		_ = json.Unmarshal(c.Schema, &out)
	}
	if len(out) == 0 {
		out = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return out
}

// BackendKind drives detection priority.
type BackendKind string

const (
	KindCloud        BackendKind = "cloud"
	KindOnDevice     BackendKind = "on_device"
	KindLocalProcess BackendKind = "local_process"
	KindInProcess    BackendKind = "in_process"
)

func (k BackendKind) Priority() int {
	switch k {
	case KindCloud:
		return 0
	case KindOnDevice:
		return 1
	case KindLocalProcess:
		return 2
	case KindInProcess:
		return 3
	default:
		return 4
	}
}

type BackendCapabilities struct {
	Streaming        bool `json:"streaming"`
	ToolCalling      bool `json:"tool_calling"`
	StructuredOutput bool `json:"structured_output"`
	Embeddings       bool `json:"embeddings"`
	RunsLocally      bool `json:"runs_locally"`
	// MaxTools is the advertised tool ceiling. Zero means unlimited.
	MaxTools int `json:"max_tools,omitempty"`
}

// BackendDescriptor is immutable once an adapter is registered.
type BackendDescriptor struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Kind         BackendKind         `json:"kind"`
	Capabilities BackendCapabilities `json:"capabilities"`
	Models       []string            `json:"models,omitempty"`
}

// BackendStatus is recomputed on every probe.
type BackendStatus struct {
	Available     bool              `json:"available"`
	Reason        string            `json:"reason,omitempty"`
	SelectedModel string            `json:"selected_model,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func Unavailable(format string, args ...any) BackendStatus {
	return BackendStatus{Available: false, Reason: fmt.Sprintf(format, args...)}
}

// ConverseRequest is one backend round trip.
type ConverseRequest struct {
	Messages     []Message
	Model        string
	Capabilities []CapabilityDescriptor
	// OnDelta receives user-visible text in order. It is never called concurrently.
	OnDelta func(string)
}

func (r ConverseRequest) Emit(delta string) {
	if r.OnDelta != nil && delta != "" {
		r.OnDelta(delta)
	}
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`

	// Reported* carry provider-reported counts when the backend returns them.
	ReportedPromptTokens     int64 `json:"reported_prompt_tokens,omitempty"`
	ReportedCompletionTokens int64 `json:"reported_completion_tokens,omitempty"`
}

type ConverseResult struct {
	Message Message
	Usage   *Usage
}
