package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/config"
)

const (
	defaultGeminiModel      = "gemini-2.5-flash"
	defaultGeminiEmbedModel = "gemini-embedding-001"
)

// geminiAdapter talks to the Gemini API through the genai SDK.
type geminiAdapter struct {
	desc   model.BackendDescriptor
	cfg    config.BackendConfig
	apiKey string
	deps   Deps
	log    *slog.Logger
	retry  RetryPolicy

	mu     sync.Mutex
	client *genai.Client
}

func newGeminiAdapter(cfg config.BackendConfig, apiKey string, deps Deps) *geminiAdapter {
	return &geminiAdapter{
		desc: model.BackendDescriptor{
			ID:   cfg.ID,
			Name: cfg.DisplayName(),
			Kind: model.KindCloud,
			Capabilities: model.BackendCapabilities{
				Streaming:        true,
				ToolCalling:      true,
				StructuredOutput: true,
				Embeddings:       true,
				MaxTools:         cfg.MaxTools,
			},
			Models: append([]string(nil), cfg.Models...),
		},
		cfg:    cfg,
		apiKey: strings.TrimSpace(apiKey),
		deps:   deps,
		log:    deps.logger(cfg.ID),
		retry:  DefaultRetryPolicy,
	}
}

func (a *geminiAdapter) Descriptor() model.BackendDescriptor { return a.desc }

func (a *geminiAdapter) Probe(ctx context.Context) model.BackendStatus {
	if a.apiKey == "" {
		return model.Unavailable("missing API key")
	}
	return model.BackendStatus{Available: true, SelectedModel: resolveModel("", a.cfg.Models, defaultGeminiModel)}
}

// Initialize creates the SDK client once.
func (a *geminiAdapter) Initialize(ctx context.Context) error {
	_, err := a.ensureClient(ctx)
	return err
}

func (a *geminiAdapter) ensureClient(ctx context.Context) (*genai.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	if a.apiKey == "" {
		return nil, errors.New("missing API key")
	}
	cc := &genai.ClientConfig{APIKey: a.apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL := strings.TrimSpace(a.cfg.BaseURL); baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	a.client = client
	return client, nil
}

func (a *geminiAdapter) Converse(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	client, err := a.ensureClient(ctx)
	if err != nil {
		return model.ConverseResult{}, err
	}
	req.Capabilities = LimitCapabilities(req.Capabilities, a.desc.Capabilities.MaxTools)
	res, err := withRetry(ctx, a.retry, a.log, req, func(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
		return a.stream(ctx, client, req)
	})
	if err != nil {
		return model.ConverseResult{}, fmt.Errorf("gemini converse: %w", err)
	}
	reported := res.Usage
	res.Usage = recordUsage(a.deps.Usage, a.desc.ID, req.Messages, res.Message)
	if reported != nil {
		res.Usage.ReportedPromptTokens = reported.ReportedPromptTokens
		res.Usage.ReportedCompletionTokens = reported.ReportedCompletionTokens
	}
	return res, nil
}

func (a *geminiAdapter) stream(ctx context.Context, client *genai.Client, req model.ConverseRequest) (model.ConverseResult, error) {
	aliases := newToolAliases(req.Capabilities)
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: defaultMaxOutputTokens}
	if system := systemPrompt(req.Messages); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if decls := buildGeminiFunctions(req.Capabilities); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var textBuf strings.Builder
	var calls []model.ToolCall
	usage := &model.Usage{}
	modelName := resolveModel(req.Model, a.cfg.Models, defaultGeminiModel)
	for resp, err := range client.Models.GenerateContentStream(ctx, modelName, buildGeminiContents(req.Messages), cfg) {
		if err != nil {
			return model.ConverseResult{}, err
		}
		if resp == nil {
			continue
		}
		if txt := resp.Text(); txt != "" {
			textBuf.WriteString(txt)
			req.Emit(txt)
		}
		for _, fc := range resp.FunctionCalls() {
			if fc == nil || strings.TrimSpace(fc.Name) == "" {
				continue
			}
			args := "{}"
			if len(fc.Args) > 0 {
				if b, err := json.Marshal(fc.Args); err == nil {
					args = string(b)
				}
			}
			callID := strings.TrimSpace(fc.ID)
			if callID == "" {
				callID = newCallID()
			}
			calls = append(calls, model.ToolCall{ID: callID, Name: aliases.real(fc.Name), ArgumentsJSON: args})
		}
		if md := resp.UsageMetadata; md != nil {
			usage.ReportedPromptTokens = int64(md.PromptTokenCount)
			usage.ReportedCompletionTokens = int64(md.CandidatesTokenCount)
		}
	}
	return model.ConverseResult{Message: model.AssistantMessage(textBuf.String(), calls), Usage: usage}, nil
}

func (a *geminiAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := a.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	m := strings.TrimSpace(a.cfg.EmbeddingModel)
	if m == "" {
		m = defaultGeminiEmbedModel
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := client.Models.EmbedContent(ctx, m, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func buildGeminiFunctions(caps []model.CapabilityDescriptor) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(caps))
	for _, c := range caps {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:                 sanitizeToolName(c.Name),
			Description:          strings.TrimSpace(c.Description),
			ParametersJsonSchema: c.SchemaMap(),
		})
	}
	return out
}

// buildGeminiContents maps the transcript onto user/model contents. Tool
// results become function responses; consecutive ones share one content.
func buildGeminiContents(messages []model.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	var pending []*genai.Part
	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, &genai.Content{Role: genai.RoleUser, Parts: pending})
		pending = nil
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			continue
		case model.RoleTool:
			part := genai.NewPartFromFunctionResponse(sanitizeToolName(msg.Name), map[string]any{"output": msg.ContentText()})
			if part.FunctionResponse != nil {
				part.FunctionResponse.ID = msg.ToolCallID
			}
			pending = append(pending, part)
			continue
		}
		flush()
		if msg.Role == model.RoleAssistant {
			parts := make([]*genai.Part, 0, len(msg.ToolCalls)+1)
			if txt := strings.TrimSpace(msg.ContentText()); txt != "" {
				parts = append(parts, genai.NewPartFromText(txt))
			}
			for _, call := range msg.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal([]byte(normalizeArgs(call.ArgumentsJSON)), &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: sanitizeToolName(call.Name), Args: args}})
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
			continue
		}
		if txt := strings.TrimSpace(msg.ContentText()); txt != "" {
			out = append(out, genai.NewContentFromText(txt, genai.RoleUser))
		}
	}
	flush()
	if len(out) == 0 {
		out = append(out, genai.NewContentFromText("Continue.", genai.RoleUser))
	}
	return out
}
