package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/config"
)

const (
	defaultMaxOutputTokens    = 4096
	defaultOpenAIModel        = "gpt-5-mini"
	defaultOpenAIEmbedModel   = "text-embedding-3-small"
	openAIFunctionCallItem    = "function_call"
	openAIOutputTextDelta     = "response.output_text.delta"
	openAIOutputItemAdded     = "response.output_item.added"
	openAIOutputItemDone      = "response.output_item.done"
	openAIFunctionArgsDelta   = "response.function_call_arguments.delta"
	openAIFunctionArgsDone    = "response.function_call_arguments.done"
	openAIResponseCompleted   = "response.completed"
	openAIMissingCompletedMsg = "missing response.completed event"
)

// openAIAdapter talks to the OpenAI Responses API with streaming.
type openAIAdapter struct {
	desc   model.BackendDescriptor
	cfg    config.BackendConfig
	apiKey string
	strict bool
	client openai.Client
	deps   Deps
	log    *slog.Logger
	retry  RetryPolicy
}

func newOpenAIAdapter(cfg config.BackendConfig, apiKey string, deps Deps) *openAIAdapter {
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(strings.TrimSpace(apiKey)),
		ooption.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	}
	return &openAIAdapter{
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
		strict: useStrictToolSchema(cfg.BaseURL),
		client: openai.NewClient(opts...),
		deps:   deps,
		log:    deps.logger(cfg.ID),
		retry:  DefaultRetryPolicy,
	}
}

// useStrictToolSchema enables strict function schemas only for the official endpoint.
func useStrictToolSchema(baseURL string) bool {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return true
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), "api.openai.com")
}

func (a *openAIAdapter) Descriptor() model.BackendDescriptor { return a.desc }

func (a *openAIAdapter) Probe(ctx context.Context) model.BackendStatus {
	if a.apiKey == "" {
		return model.Unavailable("missing API key")
	}
	return model.BackendStatus{Available: true, SelectedModel: resolveModel("", a.cfg.Models, defaultOpenAIModel)}
}

func (a *openAIAdapter) Initialize(ctx context.Context) error { return nil }

func (a *openAIAdapter) Converse(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	req.Capabilities = LimitCapabilities(req.Capabilities, a.desc.Capabilities.MaxTools)
	res, err := withRetry(ctx, a.retry, a.log, req, a.stream)
	if err != nil {
		return model.ConverseResult{}, fmt.Errorf("openai converse: %w", err)
	}
	reported := res.Usage
	res.Usage = recordUsage(a.deps.Usage, a.desc.ID, req.Messages, res.Message)
	if reported != nil {
		res.Usage.ReportedPromptTokens = reported.ReportedPromptTokens
		res.Usage.ReportedCompletionTokens = reported.ReportedCompletionTokens
	}
	return res, nil
}

func (a *openAIAdapter) stream(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(resolveModel(req.Model, a.cfg.Models, defaultOpenAIModel)),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	inputItems, instructions := buildOpenAIInput(req.Messages)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	aliases := newToolAliases(req.Capabilities)
	if tools := buildOpenAITools(req.Capabilities, a.strict); len(tools) > 0 {
		params.Tools = tools
	}

	stream := a.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var textBuf strings.Builder
	var completed oresponses.Response
	gotCompleted := false

	type partialCall struct {
		CallID      string
		Name        string
		OutputIndex int64
		Ended       bool
		ArgsRaw     strings.Builder
	}
	partials := map[string]*partialCall{} // item_id -> partial
	getPartial := func(itemID string) *partialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &partialCall{CallID: itemID, OutputIndex: -1}
		partials[itemID] = pc
		return pc
	}

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case openAIOutputTextDelta:
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			req.Emit(delta)

		case openAIOutputItemAdded, openAIOutputItemDone:
			item := event.Item
			if strings.TrimSpace(item.Type) != openAIFunctionCallItem {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			if pc.OutputIndex < 0 {
				pc.OutputIndex = event.OutputIndex
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.CallID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.Name = aliases.real(name)
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" && strings.TrimSpace(pc.ArgsRaw.String()) == "" {
				pc.ArgsRaw.WriteString(raw)
			}
			if event.Type == openAIOutputItemDone {
				pc.Ended = true
			}

		case openAIFunctionArgsDelta:
			if pc := getPartial(event.ItemID); pc != nil {
				pc.ArgsRaw.WriteString(event.Delta.OfString)
			}

		case openAIFunctionArgsDone:
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			if raw := strings.TrimSpace(event.Arguments); raw != "" {
				pc.ArgsRaw.Reset()
				pc.ArgsRaw.WriteString(raw)
			}
			pc.Ended = true

		case openAIResponseCompleted:
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return model.ConverseResult{}, err
	}
	if !gotCompleted {
		return model.ConverseResult{}, errors.New(openAIMissingCompletedMsg)
	}

	type orderedCall struct {
		OutputIndex int64
		Call        model.ToolCall
	}
	seen := map[string]struct{}{}
	ordered := make([]orderedCall, 0, len(partials))
	for _, pc := range partials {
		if !pc.Ended || strings.TrimSpace(pc.Name) == "" {
			continue
		}
		seen[pc.CallID] = struct{}{}
		ordered = append(ordered, orderedCall{
			OutputIndex: pc.OutputIndex,
			Call:        model.ToolCall{ID: pc.CallID, Name: pc.Name, ArgumentsJSON: normalizeArgs(pc.ArgsRaw.String())},
		})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OutputIndex == ordered[j].OutputIndex {
			return ordered[i].Call.ID < ordered[j].Call.ID
		}
		return ordered[i].OutputIndex < ordered[j].OutputIndex
	})
	calls := make([]model.ToolCall, 0, len(ordered))
	for _, it := range ordered {
		calls = append(calls, it.Call)
	}

	// Recover tool calls the stream events missed from completed.output.
	for _, item := range completed.Output {
		if strings.TrimSpace(item.Type) != openAIFunctionCallItem {
			continue
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = strings.TrimSpace(item.ID)
		}
		if callID == "" {
			callID = newCallID()
		}
		if _, ok := seen[callID]; ok {
			continue
		}
		calls = append(calls, model.ToolCall{ID: callID, Name: aliases.real(item.Name), ArgumentsJSON: normalizeArgs(item.Arguments)})
	}

	text := textBuf.String()
	if strings.TrimSpace(text) == "" {
		if recovered := extractOpenAIResponseText(completed); recovered != "" {
			text = recovered
			req.Emit(recovered)
		}
	}
	return model.ConverseResult{
		Message: model.AssistantMessage(text, calls),
		Usage: &model.Usage{
			ReportedPromptTokens:     completed.Usage.InputTokens,
			ReportedCompletionTokens: completed.Usage.OutputTokens,
		},
	}, nil
}

// Embed uses the embeddings endpoint with the configured embedding model.
func (a *openAIAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	m := strings.TrimSpace(a.cfg.EmbeddingModel)
	if m == "" {
		m = defaultOpenAIEmbedModel
	}
	resp, err := a.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(m),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func buildOpenAITools(caps []model.CapabilityDescriptor, strict bool) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(caps))
	for _, c := range caps {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		tool := oresponses.ToolParamOfFunction(sanitizeToolName(c.Name), c.SchemaMap(), strict)
		if desc := strings.TrimSpace(c.Description); desc != "" && tool.OfFunction != nil {
			tool.OfFunction.Description = openai.String(desc)
		}
		out = append(out, tool)
	}
	return out
}

func buildOpenAIInput(messages []model.Message) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			// Carried as instructions.
		case model.RoleTool:
			if callID := strings.TrimSpace(msg.ToolCallID); callID != "" {
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, msg.ContentText()))
			}
		case model.RoleAssistant:
			if txt := strings.TrimSpace(msg.ContentText()); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
			for _, call := range msg.ToolCalls {
				if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Name) == "" {
					continue
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(normalizeArgs(call.ArgumentsJSON), call.ID, sanitizeToolName(call.Name)))
			}
		default:
			if txt := strings.TrimSpace(msg.ContentText()); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items, systemPrompt(messages)
}

func extractOpenAIResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}

// normalizeArgs returns valid JSON object text, "{}" for empty or invalid input.
func normalizeArgs(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !json.Valid([]byte(raw)) {
		return "{}"
	}
	return raw
}
