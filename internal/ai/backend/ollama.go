package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/config"
)

const defaultOllamaHost = "http://127.0.0.1:11434"

// ollamaAdapter talks to a local Ollama server. Ollama streams tool calls
// poorly, so requests carrying capabilities are sent non-streaming and the
// answer is delivered as one synthetic delta.
type ollamaAdapter struct {
	desc   model.BackendDescriptor
	cfg    config.BackendConfig
	host   string
	client *ollama.Client
	deps   Deps
	log    *slog.Logger

	// streamsToolsPoorly forces non-streaming calls when capabilities are present.
	streamsToolsPoorly bool
}

func newOllamaAdapter(cfg config.BackendConfig, deps Deps) (*ollamaAdapter, error) {
	host := strings.TrimSpace(cfg.BaseURL)
	if host == "" {
		host = strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
	}
	if host == "" {
		host = defaultOllamaHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	return &ollamaAdapter{
		desc: model.BackendDescriptor{
			ID:   cfg.ID,
			Name: cfg.DisplayName(),
			Kind: model.KindLocalProcess,
			Capabilities: model.BackendCapabilities{
				Streaming:   true,
				ToolCalling: true,
				Embeddings:  true,
				RunsLocally: true,
				MaxTools:    cfg.MaxTools,
			},
			Models: append([]string(nil), cfg.Models...),
		},
		cfg:                cfg,
		host:               u.String(),
		client:             ollama.NewClient(u, &http.Client{Timeout: 5 * time.Minute}),
		deps:               deps,
		log:                deps.logger(cfg.ID),
		streamsToolsPoorly: true,
	}, nil
}

func (a *ollamaAdapter) Descriptor() model.BackendDescriptor { return a.desc }

func (a *ollamaAdapter) Probe(ctx context.Context) model.BackendStatus {
	ctx, cancel := context.WithTimeout(ctx, localProbeTimeout)
	defer cancel()
	list, err := a.client.List(ctx)
	if err != nil {
		return model.Unavailable("ollama not reachable at %s: %v", a.host, err)
	}
	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if n := strings.TrimSpace(m.Name); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return model.Unavailable("ollama at %s has no models pulled", a.host)
	}
	return model.BackendStatus{
		Available:     true,
		SelectedModel: pickListedModel(a.cfg.Models, names),
		Metadata:      map[string]string{"host": a.host, "models": fmt.Sprint(len(names))},
	}
}

func (a *ollamaAdapter) Initialize(ctx context.Context) error { return nil }

func (a *ollamaAdapter) Converse(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	req.Capabilities = LimitCapabilities(req.Capabilities, a.desc.Capabilities.MaxTools)
	if strings.TrimSpace(req.Model) == "" {
		req.Model = resolveModel("", a.cfg.Models, "")
		if req.Model == "" {
			if st := a.Probe(ctx); st.Available {
				req.Model = st.SelectedModel
			}
		}
	}
	if req.Model == "" {
		return model.ConverseResult{}, errors.New("ollama converse: no model available")
	}

	var (
		msg model.Message
		err error
	)
	if a.streamsToolsPoorly && len(req.Capabilities) > 0 {
		msg, err = retryOnNull(ctx, a.log, req, func(ctx context.Context, req model.ConverseRequest) (model.Message, error) {
			return a.chat(ctx, req, false)
		})
		if err == nil {
			req.Emit(msg.ContentText())
		}
	} else {
		msg, err = a.chat(ctx, req, true)
	}
	if err != nil {
		return model.ConverseResult{}, fmt.Errorf("ollama converse: %w", err)
	}
	return model.ConverseResult{Message: msg, Usage: recordUsage(a.deps.Usage, a.desc.ID, req.Messages, msg)}, nil
}

func (a *ollamaAdapter) chat(ctx context.Context, req model.ConverseRequest, stream bool) (model.Message, error) {
	messages, err := buildOllamaMessages(req.Messages)
	if err != nil {
		return model.Message{}, err
	}
	tools, err := buildOllamaTools(req.Capabilities)
	if err != nil {
		return model.Message{}, err
	}
	aliases := newToolAliases(req.Capabilities)
	creq := &ollama.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Tools:    tools,
	}

	var text strings.Builder
	var calls []model.ToolCall
	err = a.client.Chat(ctx, creq, func(resp ollama.ChatResponse) error {
		if resp.Message.Content != "" {
			text.WriteString(resp.Message.Content)
			if stream {
				req.Emit(resp.Message.Content)
			}
		}
		for _, tc := range resp.Message.ToolCalls {
			args := "{}"
			if b, err := json.Marshal(tc.Function.Arguments); err == nil {
				args = normalizeArgs(string(b))
			}
			calls = append(calls, model.ToolCall{ID: newCallID(), Name: aliases.real(tc.Function.Name), ArgumentsJSON: args})
		}
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return model.AssistantMessage(text.String(), calls), nil
}

func (a *ollamaAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	m := strings.TrimSpace(a.cfg.EmbeddingModel)
	if m == "" {
		m = "nomic-embed-text"
	}
	res, err := a.client.Embed(ctx, &ollama.EmbedRequest{Model: m, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return res.Embeddings, nil
}

type ollamaWireMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaWireCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaWireCall struct {
	Function ollamaWireFunction `json:"function"`
}

type ollamaWireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// buildOllamaMessages goes through the JSON wire form so the transcript maps
// onto whatever Go shape the client version uses for tool calls.
func buildOllamaMessages(messages []model.Message) ([]ollama.Message, error) {
	wire := make([]ollamaWireMessage, 0, len(messages))
	for _, msg := range messages {
		wm := ollamaWireMessage{Role: string(msg.Role), Content: msg.ContentText()}
		if msg.Role == model.RoleTool {
			wm.ToolName = sanitizeToolName(msg.Name)
		}
		for _, call := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, ollamaWireCall{Function: ollamaWireFunction{
				Name:      sanitizeToolName(call.Name),
				Arguments: json.RawMessage(normalizeArgs(call.ArgumentsJSON)),
			}})
		}
		wire = append(wire, wm)
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var out []ollama.Message
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encode ollama messages: %w", err)
	}
	return out, nil
}

func buildOllamaTools(caps []model.CapabilityDescriptor) (ollama.Tools, error) {
	if len(caps) == 0 {
		return nil, nil
	}
	wire := make([]map[string]any, 0, len(caps))
	for _, c := range caps {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		wire = append(wire, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        sanitizeToolName(c.Name),
				"description": strings.TrimSpace(c.Description),
				"parameters":  c.SchemaMap(),
			},
		})
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var out ollama.Tools
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encode ollama tools: %w", err)
	}
	return out, nil
}
