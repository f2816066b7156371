package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/ai/normalize"
	"github.com/floegence/redeven-cli/internal/ai/sidecar"
	"github.com/floegence/redeven-cli/internal/config"
)

const (
	llmHostHelperName = "redeven-llm-host"
	llmHostHelperEnv  = "REDEVEN_LLM_HOST_BIN"
)

// Engine hosts model weights and opens prompt sessions on them.
type Engine interface {
	Load(ctx context.Context, path string) (LoadedModel, error)
	NewSession(ctx context.Context, m LoadedModel) (Session, error)
}

// ToolHandler is invoked by a session when the model calls a registered tool.
// Its return value is what the model sees as the tool output.
type ToolHandler func(argsJSON string) string

// Session is one stateless prompt round on a loaded model.
type Session interface {
	RegisterTool(name string, description string, schema map[string]any, handler ToolHandler)
	// Prompt runs the model on the transcript, streaming raw output to onDelta.
	Prompt(ctx context.Context, transcript []SessionTurn, onDelta func(string)) (string, error)
	Close() error
}

// SessionTurn is a flattened transcript entry.
type SessionTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// memoryStat is swapped in tests.
type memoryStat func() (available uint64, err error)

func hostAvailableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// localAdapter runs an open-weight model in-process through an Engine. Tools
// are registered on the session as functions that only record the call; the
// agent loop executes them. Raw output may also carry channel-marked inline
// tool syntax, which the normalizer extracts.
type localAdapter struct {
	desc      model.BackendDescriptor
	cfg       config.BackendConfig
	engine    Engine
	cache     *ModelCache
	deps      Deps
	log       *slog.Logger
	markers   normalize.Markers
	available memoryStat

	mu     sync.Mutex
	loaded LoadedModel
}

func newLocalAdapter(cfg config.BackendConfig, engine Engine, deps Deps) *localAdapter {
	cache := deps.Cache
	if cache == nil {
		cache = NewModelCache(deps.Log)
	}
	return &localAdapter{
		desc: model.BackendDescriptor{
			ID:   cfg.ID,
			Name: cfg.DisplayName(),
			Kind: model.KindInProcess,
			Capabilities: model.BackendCapabilities{
				Streaming:   true,
				ToolCalling: true,
				RunsLocally: true,
				MaxTools:    cfg.MaxTools,
			},
			Models: []string{strings.TrimSpace(cfg.ModelPath)},
		},
		cfg:       cfg,
		engine:    engine,
		cache:     cache,
		deps:      deps,
		log:       deps.logger(cfg.ID),
		markers:   normalize.DefaultMarkers,
		available: hostAvailableMemory,
	}
}

func (a *localAdapter) Descriptor() model.BackendDescriptor { return a.desc }

func (a *localAdapter) Probe(ctx context.Context) model.BackendStatus {
	path := strings.TrimSpace(a.cfg.ModelPath)
	if path == "" {
		return model.Unavailable("no model_path configured")
	}
	st, err := os.Stat(path)
	if err != nil {
		return model.Unavailable("model file: %v", err)
	}
	if st.IsDir() {
		return model.Unavailable("model_path %s is a directory", path)
	}
	if a.engine == nil {
		return model.Unavailable("no inference engine available")
	}
	if r, ok := a.engine.(interface{ Ready() error }); ok {
		if err := r.Ready(); err != nil {
			return model.Unavailable("%v", err)
		}
	}
	if a.cache.Refs(path) == 0 && a.available != nil {
		free, err := a.available()
		if err != nil {
			return model.Unavailable("read host memory: %v", err)
		}
		if uint64(st.Size()) > free {
			return model.Unavailable("model needs %d MiB, only %d MiB available", st.Size()>>20, free>>20)
		}
	}
	return model.BackendStatus{Available: true, SelectedModel: path}
}

// Initialize acquires the model from the shared cache once.
func (a *localAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded != nil {
		return nil
	}
	if a.engine == nil {
		return errors.New("no inference engine available")
	}
	m, err := a.cache.Acquire(ctx, a.cfg.ModelPath, a.engine.Load)
	if err != nil {
		return err
	}
	a.loaded = m
	return nil
}

func (a *localAdapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	held := a.loaded != nil
	a.loaded = nil
	a.mu.Unlock()
	if !held {
		return nil
	}
	return a.cache.Release(ctx, a.cfg.ModelPath)
}

func (a *localAdapter) Converse(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error) {
	if err := a.Initialize(ctx); err != nil {
		return model.ConverseResult{}, err
	}
	a.mu.Lock()
	loaded := a.loaded
	a.mu.Unlock()

	req.Capabilities = LimitCapabilities(req.Capabilities, a.desc.Capabilities.MaxTools)
	sess, err := a.engine.NewSession(ctx, loaded)
	if err != nil {
		return model.ConverseResult{}, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			a.log.Debug("close session failed", "error", err)
		}
	}()

	var recorded []model.ToolCall
	aliases := newToolAliases(req.Capabilities)
	for _, c := range req.Capabilities {
		name := c.Name
		sess.RegisterTool(sanitizeToolName(name), c.Description, c.SchemaMap(), func(argsJSON string) string {
			recorded = append(recorded, model.ToolCall{ID: newCallID(), Name: name, ArgumentsJSON: normalizeArgs(argsJSON)})
			return `{"status":"deferred"}`
		})
	}

	norm := normalize.New(a.markers)
	if _, err := sess.Prompt(ctx, sessionTranscript(req.Messages), func(delta string) {
		req.Emit(norm.Push(delta))
	}); err != nil {
		return model.ConverseResult{}, fmt.Errorf("local converse: %w", err)
	}
	parsed := norm.Finish()
	req.Emit(parsed.Flushed)
	for _, bad := range parsed.Malformed {
		a.log.Warn("dropped malformed inline tool call", "tool", bad.Name, "raw_len", len(bad.Raw))
	}
	for _, inv := range parsed.Invocations {
		recorded = append(recorded, model.ToolCall{ID: newCallID(), Name: aliases.real(inv.Name), ArgumentsJSON: inv.ArgumentsJSON})
	}
	msg := model.AssistantMessage(parsed.Content, recorded)
	return model.ConverseResult{Message: msg, Usage: recordUsage(a.deps.Usage, a.desc.ID, req.Messages, msg)}, nil
}

func sessionTranscript(messages []model.Message) []SessionTurn {
	out := make([]SessionTurn, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleTool:
			out = append(out, SessionTurn{Role: "tool", Content: fmt.Sprintf("%s: %s", msg.Name, msg.ContentText())})
		case model.RoleAssistant:
			var sb strings.Builder
			sb.WriteString(msg.ContentText())
			for _, call := range msg.ToolCalls {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				fmt.Fprintf(&sb, "[called %s with %s]", call.Name, normalizeArgs(call.ArgumentsJSON))
			}
			out = append(out, SessionTurn{Role: "assistant", Content: sb.String()})
		default:
			out = append(out, SessionTurn{Role: string(msg.Role), Content: msg.ContentText()})
		}
	}
	return out
}

// sidecarEngine hosts weights in the redeven-llm-host helper. Each loaded
// model owns one helper process.
type sidecarEngine struct {
	helperBin string
	log       *slog.Logger

	// args and env are passed to the helper as is. Empty means none and the
	// parent environment.
	args []string
	env  []string
}

func newSidecarEngine(helperBin string, log *slog.Logger) *sidecarEngine {
	return &sidecarEngine{helperBin: helperBin, log: log}
}

// Ready reports whether the helper is installed.
func (e *sidecarEngine) Ready() error {
	_, err := sidecar.ResolveBinary(e.helperBin, llmHostHelperEnv, llmHostHelperName)
	return err
}

type sidecarModel struct {
	proc *sidecar.Process
	path string
}

func (m *sidecarModel) Unload(ctx context.Context) error {
	err := m.proc.Call(ctx, "unload", map[string]any{"path": m.path}, nil, nil)
	m.proc.Close()
	if errors.Is(err, sidecar.ErrClosed) {
		return nil
	}
	return err
}

func (e *sidecarEngine) Load(ctx context.Context, path string) (LoadedModel, error) {
	bin, err := sidecar.ResolveBinary(e.helperBin, llmHostHelperEnv, llmHostHelperName)
	if err != nil {
		return nil, err
	}
	proc, err := sidecar.Start(context.WithoutCancel(ctx), e.log, sidecar.Options{Bin: bin, Args: e.args, Env: e.env, Component: "llm_host"})
	if err != nil {
		return nil, err
	}
	if err := proc.Call(ctx, "load", map[string]any{"path": path}, nil, nil); err != nil {
		proc.Close()
		return nil, err
	}
	return &sidecarModel{proc: proc, path: path}, nil
}

func (e *sidecarEngine) NewSession(ctx context.Context, m LoadedModel) (Session, error) {
	sm, ok := m.(*sidecarModel)
	if !ok || sm == nil {
		return nil, errors.New("model was not loaded by the helper engine")
	}
	return &sidecarSession{proc: sm.proc, handlers: map[string]ToolHandler{}}, nil
}

type sidecarTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type sidecarSession struct {
	proc     *sidecar.Process
	tools    []sidecarTool
	handlers map[string]ToolHandler
}

func (s *sidecarSession) RegisterTool(name string, description string, schema map[string]any, handler ToolHandler) {
	s.tools = append(s.tools, sidecarTool{Name: name, Description: description, Parameters: schema})
	s.handlers[name] = handler
}

// Prompt runs "generate". The helper streams "delta" notifications and
// "tool_call" notifications for each function the model invokes. Output of
// an abandoned generate never reaches a later Prompt; the process drops it.
func (s *sidecarSession) Prompt(ctx context.Context, transcript []SessionTurn, onDelta func(string)) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := s.proc.Call(ctx, "generate", map[string]any{"messages": transcript, "tools": s.tools}, &out, func(method string, params json.RawMessage) {
		switch method {
		case "delta":
			var d struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(params, &d) == nil && onDelta != nil {
				onDelta(d.Text)
			}
		case "tool_call":
			var tc struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			if json.Unmarshal(params, &tc) != nil {
				return
			}
			if h := s.handlers[tc.Name]; h != nil {
				h(string(tc.Arguments))
			}
		}
	})
	return out.Text, err
}

func (s *sidecarSession) Close() error { return nil }
