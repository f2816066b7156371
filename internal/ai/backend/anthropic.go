package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/config"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// anthropicAdapter talks to the Messages API with streaming content blocks.
type anthropicAdapter struct {
	desc   model.BackendDescriptor
	cfg    config.BackendConfig
	apiKey string
	client anthropic.Client
	deps   Deps
	log    *slog.Logger
	retry  RetryPolicy
}

func newAnthropicAdapter(cfg config.BackendConfig, apiKey string, deps Deps) *anthropicAdapter {
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(strings.TrimSpace(apiKey)),
		aoption.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, aoption.WithBaseURL(baseURL))
	}
	return &anthropicAdapter{
		desc: model.BackendDescriptor{
			ID:   cfg.ID,
			Name: cfg.DisplayName(),
			Kind: model.KindCloud,
			Capabilities: model.BackendCapabilities{
				Streaming:        true,
				ToolCalling:      true,
				StructuredOutput: true,
				MaxTools:         cfg.MaxTools,
			},
			Models: append([]string(nil), cfg.Models...),
		},
		cfg:    cfg,
		apiKey: strings.TrimSpace(apiKey),
		client: anthropic.NewClient(opts...),
		deps:   deps,
		log:    deps.logger(cfg.ID),
		retry:  DefaultRetryPolicy,
	}
}

func (a *anthropicAdapter) Descriptor() model.BackendDescriptor { return a.desc }

func (a *anthropicAdapter) Probe(ctx context.Context) model.BackendStatus {
	if a.apiKey == "" {
		return model.Unavailable("missing API key")
	}
	return model.BackendStatus{Available: true, SelectedModel: resolveModel("", a.cfg.Models, defaultAnthropicModel)}
}

func (a *anthropicAdapter) Initialize(ctx context.Context) error { return nil }

func (a *anthropicAdapter) Converse(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	req.Capabilities = LimitCapabilities(req.Capabilities, a.desc.Capabilities.MaxTools)
	res, err := withRetry(ctx, a.retry, a.log, req, a.stream)
	if err != nil {
		return model.ConverseResult{}, fmt.Errorf("anthropic converse: %w", err)
	}
	reported := res.Usage
	res.Usage = recordUsage(a.deps.Usage, a.desc.ID, req.Messages, res.Message)
	if reported != nil {
		res.Usage.ReportedPromptTokens = reported.ReportedPromptTokens
		res.Usage.ReportedCompletionTokens = reported.ReportedCompletionTokens
	}
	return res, nil
}

func (a *anthropicAdapter) stream(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	aliases := newToolAliases(req.Capabilities)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(resolveModel(req.Model, a.cfg.Models, defaultAnthropicModel)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if tools := buildAnthropicTools(req.Capabilities); len(tools) > 0 {
		params.Tools = tools
	}
	if system := systemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	var textBuf strings.Builder

	type partialCall struct {
		ID      string
		Name    string
		Ended   bool
		ArgsRaw strings.Builder
	}
	partials := map[int64]*partialCall{} // content_block index -> partial

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return model.ConverseResult{}, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			callID := strings.TrimSpace(variant.ContentBlock.ID)
			if callID == "" {
				callID = newCallID()
			}
			partials[variant.Index] = &partialCall{ID: callID, Name: aliases.real(variant.ContentBlock.Name)}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				textBuf.WriteString(delta.Text)
				req.Emit(delta.Text)
			case anthropic.InputJSONDelta:
				if pc := partials[variant.Index]; pc != nil {
					pc.ArgsRaw.WriteString(delta.PartialJSON)
				}
			}

		case anthropic.ContentBlockStopEvent:
			pc := partials[variant.Index]
			if pc == nil || pc.Ended {
				continue
			}
			pc.Ended = true
			if strings.TrimSpace(pc.ArgsRaw.String()) == "" {
				idx := int(variant.Index)
				if idx >= 0 && idx < len(msg.Content) {
					if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
						pc.ArgsRaw.WriteString(string(tu.Input))
					}
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return model.ConverseResult{}, err
	}

	indices := make([]int64, 0, len(partials))
	for idx, pc := range partials {
		if pc.Ended {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	seen := map[string]struct{}{}
	calls := make([]model.ToolCall, 0, len(indices))
	for _, idx := range indices {
		pc := partials[idx]
		seen[pc.ID] = struct{}{}
		calls = append(calls, model.ToolCall{ID: pc.ID, Name: pc.Name, ArgumentsJSON: normalizeArgs(pc.ArgsRaw.String())})
	}
	for _, block := range msg.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		if _, dup := seen[tu.ID]; dup {
			continue
		}
		callID := strings.TrimSpace(tu.ID)
		if callID == "" {
			callID = newCallID()
		}
		calls = append(calls, model.ToolCall{ID: callID, Name: aliases.real(tu.Name), ArgumentsJSON: normalizeArgs(string(tu.Input))})
	}

	return model.ConverseResult{
		Message: model.AssistantMessage(textBuf.String(), calls),
		Usage: &model.Usage{
			ReportedPromptTokens:     msg.Usage.InputTokens,
			ReportedCompletionTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

func buildAnthropicTools(caps []model.CapabilityDescriptor) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(caps))
	for _, c := range caps {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		schema := c.SchemaMap()
		param := anthropic.ToolParam{
			Name:        sanitizeToolName(name),
			Description: anthropic.String(strings.TrimSpace(c.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: schema["properties"],
				Required:   stringSlice(schema["required"]),
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// buildAnthropicMessages maps the transcript onto alternating user/assistant
// turns. Consecutive tool results are merged into one user turn.
func buildAnthropicMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	var pendingResults []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		out = append(out, anthropic.NewUserMessage(pendingResults...))
		pendingResults = nil
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			continue
		case model.RoleTool:
			if callID := strings.TrimSpace(msg.ToolCallID); callID != "" {
				pendingResults = append(pendingResults, anthropic.NewToolResultBlock(callID, msg.ContentText(), false))
			}
			continue
		}
		flushResults()

		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
		if txt := strings.TrimSpace(msg.ContentText()); txt != "" {
			blocks = append(blocks, anthropic.NewTextBlock(txt))
		}
		if msg.Role == model.RoleAssistant {
			for _, call := range msg.ToolCalls {
				var input any = map[string]any{}
				_ = json.Unmarshal([]byte(normalizeArgs(call.ArgumentsJSON)), &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, sanitizeToolName(call.Name)))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	flushResults()
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}
