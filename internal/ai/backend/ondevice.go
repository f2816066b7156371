package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/ai/sidecar"
	"github.com/floegence/redeven-cli/internal/config"
)

const (
	onDeviceHelperName = "redeven-ondevice"
	onDeviceHelperEnv  = "REDEVEN_ONDEVICE_BIN"
	onDeviceMaxTools   = 5
	onDeviceMaxChars   = 4000
)

// onDeviceAdapter bridges to the operating system's on-device assistant model
// through a helper process. The model has a tiny context window, accepts at
// most five tools and answers "null" when it fails to produce anything.
type onDeviceAdapter struct {
	desc model.BackendDescriptor
	cfg  config.BackendConfig
	deps Deps
	log  *slog.Logger
	goos string

	mu   sync.Mutex
	proc *sidecar.Process
}

func newOnDeviceAdapter(cfg config.BackendConfig, deps Deps) *onDeviceAdapter {
	maxTools := onDeviceMaxTools
	if cfg.MaxTools > 0 && cfg.MaxTools < maxTools {
		maxTools = cfg.MaxTools
	}
	return &onDeviceAdapter{
		desc: model.BackendDescriptor{
			ID:   cfg.ID,
			Name: cfg.DisplayName(),
			Kind: model.KindOnDevice,
			Capabilities: model.BackendCapabilities{
				ToolCalling: true,
				RunsLocally: true,
				MaxTools:    maxTools,
			},
		},
		cfg:  cfg,
		deps: deps,
		log:  deps.logger(cfg.ID),
		goos: runtime.GOOS,
	}
}

func (a *onDeviceAdapter) Descriptor() model.BackendDescriptor { return a.desc }

type onDeviceStatus struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason"`
	Model     string `json:"model"`
}

func (a *onDeviceAdapter) Probe(ctx context.Context) model.BackendStatus {
	if a.goos != "darwin" {
		return model.Unavailable("on-device assistant requires macOS (running on %s)", a.goos)
	}
	bin, err := sidecar.ResolveBinary(a.cfg.HelperBin, onDeviceHelperEnv, onDeviceHelperName)
	if err != nil {
		return model.Unavailable("%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, localProbeTimeout)
	defer cancel()
	proc, transient, err := a.process(ctx, bin)
	if err != nil {
		return model.Unavailable("start helper: %v", err)
	}
	if transient {
		defer proc.Close()
	}
	var st onDeviceStatus
	if err := proc.Call(ctx, "status", nil, &st, nil); err != nil {
		return model.Unavailable("helper status: %v", err)
	}
	if !st.Available {
		reason := strings.TrimSpace(st.Reason)
		if reason == "" {
			reason = "on-device model not ready"
		}
		return model.Unavailable("%s", reason)
	}
	return model.BackendStatus{Available: true, SelectedModel: st.Model, Metadata: map[string]string{"helper": bin}}
}

// process returns the running helper, or a transient one the caller must close.
func (a *onDeviceAdapter) process(ctx context.Context, bin string) (*sidecar.Process, bool, error) {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc != nil {
		return proc, false, nil
	}
	p, err := sidecar.Start(ctx, a.log, sidecar.Options{Bin: bin, Component: "ondevice"})
	return p, true, err
}

// Initialize starts the long-lived helper once.
func (a *onDeviceAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proc != nil {
		return nil
	}
	if a.goos != "darwin" {
		return errors.New("on-device assistant requires macOS")
	}
	bin, err := sidecar.ResolveBinary(a.cfg.HelperBin, onDeviceHelperEnv, onDeviceHelperName)
	if err != nil {
		return err
	}
	// The helper outlives this call, so it must not be bound to ctx.
	proc, err := sidecar.Start(context.WithoutCancel(ctx), a.log, sidecar.Options{Bin: bin, Component: "ondevice"})
	if err != nil {
		return fmt.Errorf("start on-device helper: %w", err)
	}
	a.proc = proc
	return nil
}

func (a *onDeviceAdapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	a.proc = nil
	a.mu.Unlock()
	if proc != nil {
		proc.Close()
	}
	return nil
}

type onDeviceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type onDeviceTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type onDeviceRespondParams struct {
	Messages []onDeviceMessage `json:"messages"`
	Tools    []onDeviceTool    `json:"tools,omitempty"`
}

type onDeviceRespondResult struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"tool_calls"`
}

func (a *onDeviceAdapter) Converse(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	if err := a.Initialize(ctx); err != nil {
		return model.ConverseResult{}, err
	}
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return model.ConverseResult{}, errors.New("on-device helper is not running")
	}

	req.Capabilities = LimitCapabilities(req.Capabilities, a.desc.Capabilities.MaxTools)
	msg, err := retryOnNull(ctx, a.log, req, func(ctx context.Context, req model.ConverseRequest) (model.Message, error) {
		return a.respond(ctx, proc, req)
	})
	if err != nil {
		return model.ConverseResult{}, fmt.Errorf("on-device converse: %w", err)
	}
	req.Emit(msg.ContentText())
	return model.ConverseResult{Message: msg, Usage: recordUsage(a.deps.Usage, a.desc.ID, req.Messages, msg)}, nil
}

func (a *onDeviceAdapter) respond(ctx context.Context, proc *sidecar.Process, req model.ConverseRequest) (model.Message, error) {
	aliases := newToolAliases(req.Capabilities)
	params := onDeviceRespondParams{Messages: flattenTranscript(req.Messages, onDeviceMaxChars)}
	for _, c := range req.Capabilities {
		params.Tools = append(params.Tools, onDeviceTool{Name: sanitizeToolName(c.Name), Description: c.Description, Parameters: c.SchemaMap()})
	}
	var out onDeviceRespondResult
	if err := proc.Call(ctx, "respond", params, &out, nil); err != nil {
		return model.Message{}, err
	}
	calls := make([]model.ToolCall, 0, len(out.ToolCalls))
	for _, tc := range out.ToolCalls {
		if strings.TrimSpace(tc.Name) == "" {
			continue
		}
		calls = append(calls, model.ToolCall{ID: newCallID(), Name: aliases.real(tc.Name), ArgumentsJSON: normalizeArgs(tc.Arguments)})
	}
	return model.AssistantMessage(out.Content, calls), nil
}

// flattenTranscript renders the transcript as plain role/content pairs and
// keeps the system message plus as many of the newest entries as fit maxChars.
// The oldest kept entry is tail-truncated when it only partly fits.
func flattenTranscript(messages []model.Message, maxChars int) []onDeviceMessage {
	var system *onDeviceMessage
	rest := make([]onDeviceMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if system == nil {
				system = &onDeviceMessage{Role: "system", Content: msg.ContentText()}
			} else {
				system.Content += "\n\n" + msg.ContentText()
			}
		case model.RoleTool:
			rest = append(rest, onDeviceMessage{Role: "user", Content: fmt.Sprintf("[result of %s] %s", msg.Name, msg.ContentText())})
		case model.RoleAssistant:
			var sb strings.Builder
			sb.WriteString(msg.ContentText())
			for _, call := range msg.ToolCalls {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				fmt.Fprintf(&sb, "[called %s with %s]", call.Name, normalizeArgs(call.ArgumentsJSON))
			}
			rest = append(rest, onDeviceMessage{Role: "assistant", Content: sb.String()})
		default:
			rest = append(rest, onDeviceMessage{Role: "user", Content: msg.ContentText()})
		}
	}

	budget := maxChars
	out := make([]onDeviceMessage, 0, len(rest)+1)
	if system != nil {
		sys := *system
		if r := []rune(sys.Content); len(r) > maxChars/2 {
			sys.Content = string(r[:maxChars/2])
		}
		budget -= len([]rune(sys.Content))
		out = append(out, sys)
	}
	start := len(rest)
	for start > 0 {
		n := len([]rune(rest[start-1].Content))
		if n > budget {
			break
		}
		budget -= n
		start--
	}
	kept := rest[start:]
	if start > 0 && budget > 0 {
		// Keep the tail of the entry that did not fit.
		partial := rest[start-1]
		r := []rune(partial.Content)
		partial.Content = string(r[len(r)-budget:])
		kept = append([]onDeviceMessage{partial}, kept...)
	}
	return append(out, kept...)
}
