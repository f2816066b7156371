// Package backend adapts language-model runtimes (cloud APIs, local servers,
// helper processes) to one conversational contract, and selects among them.
package backend

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/floegence/redeven-cli/internal/ai/history"
	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/ai/usage"
	"github.com/google/uuid"
)

// Adapter is one conversational backend.
//
// Probe must never panic and never fail: unavailability is reported as a
// BackendStatus with Available=false and a human-readable Reason.
// Initialize must be idempotent.
type Adapter interface {
	Descriptor() model.BackendDescriptor
	Probe(ctx context.Context) model.BackendStatus
	Initialize(ctx context.Context) error
	Converse(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error)
}

// Embedder is implemented by adapters that can produce embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Shutdowner is implemented by adapters holding resources between turns.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Credentials resolves API keys for cloud backends.
type Credentials interface {
	APIKey(backendID string, backendType string) (string, bool)
}

// Deps are the shared collaborators injected into every adapter.
type Deps struct {
	Log   *slog.Logger
	Usage *usage.Counter
	Cache *ModelCache
}

func (d Deps) logger(backendID string) *slog.Logger {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", "backend", "backend_id", backendID)
}

// LimitCapabilities keeps at most limit capabilities, preferring core over
// important over extended. Declaration order is kept within a tier.
// limit <= 0 means unlimited.
func LimitCapabilities(caps []model.CapabilityDescriptor, limit int) []model.CapabilityDescriptor {
	if limit <= 0 || len(caps) <= limit {
		return caps
	}
	out := make([]model.CapabilityDescriptor, len(caps))
	copy(out, caps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tier.Rank() < out[j].Tier.Rank() })
	return out[:limit]
}

// recordUsage estimates prompt and completion cost, records it under
// backendID and returns the usage for the result.
func recordUsage(counter *usage.Counter, backendID string, prompt []model.Message, completion model.Message) *model.Usage {
	u := &model.Usage{
		PromptTokens:     history.EstimateMessages(prompt),
		CompletionTokens: history.EstimateMessage(completion),
	}
	if counter != nil {
		counter.Record(backendID, u.PromptTokens, u.CompletionTokens)
	}
	return u
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// resolveModel picks the request model, then the configured default, then fallback.
func resolveModel(requested string, models []string, fallback string) string {
	if v := strings.TrimSpace(requested); v != "" {
		return v
	}
	for _, m := range models {
		if v := strings.TrimSpace(m); v != "" {
			return v
		}
	}
	return fallback
}

// systemPrompt joins all system messages.
func systemPrompt(messages []model.Message) string {
	parts := make([]string, 0, 1)
	for _, msg := range messages {
		if msg.Role != model.RoleSystem {
			continue
		}
		if txt := strings.TrimSpace(msg.ContentText()); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n\n")
}

// isNullContent reports whether text is a degenerate empty answer.
func isNullContent(text string) bool {
	t := strings.TrimSpace(text)
	return t == "" || t == "null"
}

// sanitizeToolName maps a capability name onto the character set accepted by
// provider function-calling APIs.
func sanitizeToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
		case ch == '_' || ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

// toolAliases maps sanitized names back to capability names.
type toolAliases map[string]string

func newToolAliases(caps []model.CapabilityDescriptor) toolAliases {
	out := make(toolAliases, len(caps))
	for _, c := range caps {
		out[sanitizeToolName(c.Name)] = c.Name
	}
	return out
}

func (a toolAliases) real(alias string) string {
	alias = strings.TrimSpace(alias)
	if v, ok := a[alias]; ok {
		return v
	}
	return alias
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
