package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/ai/normalize"
	"github.com/floegence/redeven-cli/internal/config"
)

const (
	defaultLMStudioBaseURL = "http://127.0.0.1:1234/v1"
	localProbeTimeout      = 2 * time.Second
)

// chatCompletionsAdapter speaks the chat.completions wire format. It serves
// OpenAI-compatible gateways (cloud) and LM Studio's desktop server (local).
// Content is routed through the normalizer so channel-marked output from
// open-weight models never leaks reasoning or tool syntax.
type chatCompletionsAdapter struct {
	desc    model.BackendDescriptor
	cfg     config.BackendConfig
	apiKey  string
	baseURL string
	client  *goopenai.Client
	markers normalize.Markers
	deps    Deps
	log     *slog.Logger
	retry   RetryPolicy
}

func newChatCompletionsAdapter(cfg config.BackendConfig, apiKey string, deps Deps) *chatCompletionsAdapter {
	kind := model.KindCloud
	baseURL := strings.TrimSpace(cfg.BaseURL)
	retry := DefaultRetryPolicy
	if cfg.Type == config.BackendLMStudio {
		kind = model.KindLocalProcess
		if baseURL == "" {
			baseURL = defaultLMStudioBaseURL
		}
		if strings.TrimSpace(apiKey) == "" {
			apiKey = "lm-studio"
		}
		retry = RetryPolicy{Attempts: 1}
	}
	cc := goopenai.DefaultConfig(strings.TrimSpace(apiKey))
	if baseURL != "" {
		cc.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &chatCompletionsAdapter{
		desc: model.BackendDescriptor{
			ID:   cfg.ID,
			Name: cfg.DisplayName(),
			Kind: kind,
			Capabilities: model.BackendCapabilities{
				Streaming:   true,
				ToolCalling: true,
				Embeddings:  strings.TrimSpace(cfg.EmbeddingModel) != "",
				RunsLocally: kind != model.KindCloud,
				MaxTools:    cfg.MaxTools,
			},
			Models: append([]string(nil), cfg.Models...),
		},
		cfg:     cfg,
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: cc.BaseURL,
		client:  goopenai.NewClientWithConfig(cc),
		markers: normalize.DefaultMarkers,
		deps:    deps,
		log:     deps.logger(cfg.ID),
		retry:   retry,
	}
}

func (a *chatCompletionsAdapter) Descriptor() model.BackendDescriptor { return a.desc }

// Probe checks credentials for gateways. The local desktop server is asked
// for its model list.
func (a *chatCompletionsAdapter) Probe(ctx context.Context) model.BackendStatus {
	if a.desc.Kind == model.KindCloud {
		if a.apiKey == "" {
			return model.Unavailable("missing API key")
		}
		m := resolveModel("", a.cfg.Models, "")
		if m == "" {
			return model.Unavailable("no model configured")
		}
		return model.BackendStatus{Available: true, SelectedModel: m}
	}

	ctx, cancel := context.WithTimeout(ctx, localProbeTimeout)
	defer cancel()
	list, err := a.client.ListModels(ctx)
	if err != nil {
		return model.Unavailable("server not reachable at %s: %v", a.baseURL, err)
	}
	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if id := strings.TrimSpace(m.ID); id != "" {
			names = append(names, id)
		}
	}
	if len(names) == 0 {
		return model.Unavailable("server at %s has no models loaded", a.baseURL)
	}
	selected := pickListedModel(a.cfg.Models, names)
	return model.BackendStatus{
		Available:     true,
		SelectedModel: selected,
		Metadata:      map[string]string{"base_url": a.baseURL, "models": fmt.Sprint(len(names))},
	}
}

// pickListedModel prefers the first configured model the server lists.
func pickListedModel(configured []string, listed []string) string {
	for _, c := range configured {
		for _, l := range listed {
			if strings.TrimSpace(c) == l {
				return l
			}
		}
	}
	return listed[0]
}

func (a *chatCompletionsAdapter) Initialize(ctx context.Context) error { return nil }

func (a *chatCompletionsAdapter) Converse(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
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
		return model.ConverseResult{}, errors.New("chat completions converse: no model available")
	}
	res, err := withRetry(ctx, a.retry, a.log, req, a.stream)
	if err != nil {
		return model.ConverseResult{}, fmt.Errorf("chat completions converse: %w", err)
	}
	reported := res.Usage
	res.Usage = recordUsage(a.deps.Usage, a.desc.ID, req.Messages, res.Message)
	if reported != nil {
		res.Usage.ReportedPromptTokens = reported.ReportedPromptTokens
		res.Usage.ReportedCompletionTokens = reported.ReportedCompletionTokens
	}
	return res, nil
}

func (a *chatCompletionsAdapter) stream(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	aliases := newToolAliases(req.Capabilities)
	creq := goopenai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  buildChatMessages(req.Messages),
		MaxTokens: defaultMaxOutputTokens,
		Stream:    true,
	}
	if tools := buildChatTools(req.Capabilities); len(tools) > 0 {
		creq.Tools = tools
	}
	stream, err := a.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return model.ConverseResult{}, err
	}
	defer stream.Close()

	type partialCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	partials := map[int]*partialCall{} // tool_calls index -> partial
	norm := normalize.New(a.markers)
	usage := &model.Usage{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.ConverseResult{}, err
		}
		if resp.Usage != nil {
			usage.ReportedPromptTokens = int64(resp.Usage.PromptTokens)
			usage.ReportedCompletionTokens = int64(resp.Usage.CompletionTokens)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			req.Emit(norm.Push(delta.Content))
		}
		for i, tc := range delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc := partials[idx]
			if pc == nil {
				pc = &partialCall{}
				partials[idx] = pc
			}
			if id := strings.TrimSpace(tc.ID); id != "" {
				pc.ID = id
			}
			if name := strings.TrimSpace(tc.Function.Name); name != "" && pc.Name == "" {
				pc.Name = aliases.real(name)
			}
			pc.Args.WriteString(tc.Function.Arguments)
		}
	}

	parsed := norm.Finish()
	req.Emit(parsed.Flushed)
	for _, bad := range parsed.Malformed {
		a.log.Warn("dropped malformed inline tool call", "tool", bad.Name, "raw_len", len(bad.Raw))
	}

	indices := make([]int, 0, len(partials))
	for idx := range partials {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	calls := make([]model.ToolCall, 0, len(indices)+len(parsed.Invocations))
	for _, idx := range indices {
		pc := partials[idx]
		if pc.Name == "" {
			continue
		}
		id := pc.ID
		if id == "" {
			id = newCallID()
		}
		calls = append(calls, model.ToolCall{ID: id, Name: pc.Name, ArgumentsJSON: normalizeArgs(pc.Args.String())})
	}
	for _, inv := range parsed.Invocations {
		calls = append(calls, model.ToolCall{ID: newCallID(), Name: aliases.real(inv.Name), ArgumentsJSON: inv.ArgumentsJSON})
	}
	return model.ConverseResult{Message: model.AssistantMessage(parsed.Content, calls), Usage: usage}, nil
}

func (a *chatCompletionsAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m := strings.TrimSpace(a.cfg.EmbeddingModel)
	if m == "" {
		return nil, errors.New("no embedding_model configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := a.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequestStrings{Input: texts, Model: goopenai.EmbeddingModel(m)})
	if err != nil {
		return nil, fmt.Errorf("chat completions embed: %w", err)
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

func buildChatTools(caps []model.CapabilityDescriptor) []goopenai.Tool {
	out := make([]goopenai.Tool, 0, len(caps))
	for _, c := range caps {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        sanitizeToolName(c.Name),
				Description: strings.TrimSpace(c.Description),
				Parameters:  c.SchemaMap(),
			},
		})
	}
	return out
}

func buildChatMessages(messages []model.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		cm := goopenai.ChatCompletionMessage{Content: msg.ContentText()}
		switch msg.Role {
		case model.RoleSystem:
			cm.Role = goopenai.ChatMessageRoleSystem
		case model.RoleAssistant:
			cm.Role = goopenai.ChatMessageRoleAssistant
			for _, call := range msg.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, goopenai.ToolCall{
					ID:   call.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      sanitizeToolName(call.Name),
						Arguments: normalizeArgs(call.ArgumentsJSON),
					},
				})
			}
		case model.RoleTool:
			cm.Role = goopenai.ChatMessageRoleTool
			cm.ToolCallID = msg.ToolCallID
			cm.Name = sanitizeToolName(msg.Name)
		default:
			cm.Role = goopenai.ChatMessageRoleUser
		}
		out = append(out, cm)
	}
	return out
}
