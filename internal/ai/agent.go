package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/floegence/redeven-cli/internal/ai/backend"
	"github.com/floegence/redeven-cli/internal/ai/history"
	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/ai/tools"
)

const (
	defaultMaxIterations = 10

	// DefaultInstructions is the static part of the system message.
	DefaultInstructions = "You are redeven, a concise assistant running in a terminal. " +
		"Call one of the available tools when it helps answer the request; otherwise answer directly. " +
		"Never invent tool results."
)

// Backends resolves the adapter a turn runs against. *backend.Registry
// satisfies it.
type Backends interface {
	Active(ctx context.Context) (backend.Adapter, error)
}

// Observer receives streamed text and tool lifecycle events. Callbacks run on
// the goroutine that called Run, in order.
type Observer interface {
	OnDelta(text string)
	OnToolCall(ev tools.Event)
	OnToolResult(ev tools.Event)
}

// Hooks is an Observer built from optional funcs.
type Hooks struct {
	Delta      func(text string)
	ToolCall   func(ev tools.Event)
	ToolResult func(ev tools.Event)
}

func (h Hooks) OnDelta(text string) {
	if h.Delta != nil {
		h.Delta(text)
	}
}

func (h Hooks) OnToolCall(ev tools.Event) {
	if h.ToolCall != nil {
		h.ToolCall(ev)
	}
}

func (h Hooks) OnToolResult(ev tools.Event) {
	if h.ToolResult != nil {
		h.ToolResult(ev)
	}
}

type Options struct {
	Backends Backends
	Tools    tools.Registry
	Budget   history.TokenBudget

	MaxIterations int
	AutoApprove   bool
	// Instructions overrides DefaultInstructions when non-empty.
	Instructions string
	// Model is passed to the adapter; empty selects the adapter's default.
	Model string

	Memory    MemorySource
	Confirmer Confirmer
	Observer  Observer
	Log       *slog.Logger
}

// Agent runs reasoning-acting turns over one conversation transcript.
type Agent struct {
	backends     Backends
	tools        tools.Registry
	history      *history.Manager
	maxIter      int
	autoApprove  bool
	instructions string
	model        string
	memory       MemorySource
	confirmer    Confirmer
	observer     Observer
	log          *slog.Logger

	turn sync.Mutex

	mu         sync.Mutex
	transcript []model.Message
}

func New(opts Options) (*Agent, error) {
	if opts.Backends == nil {
		return nil, errors.New("missing backends")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "agent")

	budget := opts.Budget
	if budget.Total <= 0 {
		budget = history.DefaultBudget()
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	instructions := strings.TrimSpace(opts.Instructions)
	if instructions == "" {
		instructions = DefaultInstructions
	}
	observer := opts.Observer
	if observer == nil {
		observer = Hooks{}
	}
	return &Agent{
		backends:     opts.Backends,
		tools:        opts.Tools,
		history:      history.NewManager(budget, log),
		maxIter:      maxIter,
		autoApprove:  opts.AutoApprove,
		instructions: instructions,
		model:        strings.TrimSpace(opts.Model),
		memory:       opts.Memory,
		confirmer:    opts.Confirmer,
		observer:     observer,
		log:          log,
	}, nil
}

// Transcript returns a copy of the conversation so far.
func (a *Agent) Transcript() []model.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Message(nil), a.transcript...)
}

// Reset clears the conversation. It waits for any running turn.
func (a *Agent) Reset() {
	a.turn.Lock()
	defer a.turn.Unlock()
	a.setTranscript(nil)
}

func (a *Agent) setTranscript(msgs []model.Message) {
	a.mu.Lock()
	a.transcript = msgs
	a.mu.Unlock()
}

// Run executes one user turn and returns the final answer.
//
// On cancellation the transcript is restored to its state before the turn and
// ctx.Err() is returned. Backend failures restore it as well so the turn can
// be retried. Hitting the iteration ceiling keeps the partial transcript.
func (a *Agent) Run(ctx context.Context, input string) (string, error) {
	if !a.turn.TryLock() {
		return "", ErrTurnInProgress
	}
	defer a.turn.Unlock()

	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrEmptyInput
	}

	adapter, err := a.backends.Active(ctx)
	if err != nil {
		return "", err
	}
	desc := adapter.Descriptor()
	log := a.log.With("backend", desc.ID)

	var caps []model.CapabilityDescriptor
	if a.tools != nil {
		caps = a.tools.List()
	}
	system, err := a.composeSystem(ctx, caps)
	if err != nil {
		return "", err
	}

	saved := a.Transcript()
	rollback := func() { a.setTranscript(saved) }

	transcript := upsertSystem(append([]model.Message(nil), saved...), system)
	transcript = append(transcript, model.UserMessage(input))
	a.setTranscript(transcript)

	for iter := 1; iter <= a.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			rollback()
			return "", err
		}
		transcript = a.history.Trim(transcript)
		a.setTranscript(transcript)

		log.Debug("agent iteration", "iteration", iter, "messages", len(transcript), "capabilities", len(caps))
		res, err := a.converse(ctx, adapter, transcript, caps)
		if err != nil {
			rollback()
			if ctxErr := ctx.Err(); ctxErr != nil {
				log.Info("turn canceled", "iteration", iter)
				return "", ctxErr
			}
			return "", fmt.Errorf("%s: %w", desc.ID, err)
		}

		msg := res.Message
		msg.Role = model.RoleAssistant
		if msg.Content == nil && len(msg.ToolCalls) == 0 {
			msg.Content = model.Text("")
		}
		if err := msg.Validate(); err != nil {
			rollback()
			log.Warn("backend reply rejected", "iteration", iter, "error", err)
			return "", fmt.Errorf("%s: %w: %w", desc.ID, ErrInvalidMessage, err)
		}
		transcript = append(transcript, msg)
		a.setTranscript(transcript)

		if len(msg.ToolCalls) == 0 {
			return msg.ContentText(), nil
		}

		for _, call := range msg.ToolCalls {
			result, err := a.invoke(ctx, call, log)
			if err != nil {
				rollback()
				return "", err
			}
			reply := model.ToolResultMessage(call.ID, call.Name, result)
			if err := reply.Validate(); err != nil {
				rollback()
				return "", fmt.Errorf("%s: %w: %w", desc.ID, ErrInvalidMessage, err)
			}
			transcript = append(transcript, reply)
			a.setTranscript(transcript)
		}
	}

	log.Warn("iteration limit reached", "iterations", a.maxIter)
	return "", &IterationLimitError{Iterations: a.maxIter}
}

type converseOutcome struct {
	res model.ConverseResult
	err error
}

// converse runs the adapter on a producer goroutine and relays its deltas to
// the observer through an unbuffered channel. It returns only after the
// producer has exited.
func (a *Agent) converse(ctx context.Context, adapter backend.Adapter, transcript []model.Message, caps []model.CapabilityDescriptor) (model.ConverseResult, error) {
	deltas := make(chan string)
	stop := make(chan struct{})
	done := make(chan converseOutcome, 1)

	req := model.ConverseRequest{
		Messages:     append([]model.Message(nil), transcript...),
		Model:        a.model,
		Capabilities: caps,
		OnDelta: func(text string) {
			select {
			case deltas <- text:
			case <-stop:
			}
		},
	}
	go func() {
		res, err := adapter.Converse(ctx, req)
		done <- converseOutcome{res: res, err: err}
	}()

	for {
		select {
		case text := <-deltas:
			a.observer.OnDelta(text)
		case out := <-done:
			close(stop)
			return out.res, out.err
		case <-ctx.Done():
			close(stop)
			<-done
			return model.ConverseResult{}, ctx.Err()
		}
	}
}

// invoke runs one capability call and returns the text for its tool message.
// A non-nil error means the turn was canceled.
func (a *Agent) invoke(ctx context.Context, call model.ToolCall, log *slog.Logger) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.observer.OnToolCall(tools.NewEvent(tools.EventKindRequested, call.ID, call.Name, call.ArgumentsJSON, ""))

	if a.tools == nil {
		payload := tools.ErrorPayload(&tools.ToolError{Code: tools.ErrorCodeUnknownTool, Message: "no capabilities are registered"})
		a.observer.OnToolResult(tools.NewEvent(tools.EventKindError, call.ID, call.Name, call.ArgumentsJSON, payload))
		return payload, nil
	}

	if a.tools.RequiresConfirmation(call.Name) && !a.autoApprove {
		a.observer.OnToolCall(tools.NewEvent(tools.EventKindApproval, call.ID, call.Name, call.ArgumentsJSON, ""))
		approved, err := a.confirm(ctx, call)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			log.Warn("confirmation failed", "tool_name", call.Name, "call_id", call.ID, "error", err)
		}
		if !approved {
			log.Info("tool rejected", "tool_name", call.Name, "call_id", call.ID)
			payload := tools.RejectionPayload(call.Name)
			a.observer.OnToolResult(tools.NewEvent(tools.EventKindRejected, call.ID, call.Name, call.ArgumentsJSON, payload))
			return payload, nil
		}
	}

	result, err := a.tools.Execute(ctx, call.Name, call.ArgumentsJSON)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		toolErr := tools.ClassifyError(tools.Invocation{ToolName: call.Name, ArgsJSON: call.ArgumentsJSON}, err)
		log.Debug("tool failed", "tool_name", call.Name, "call_id", call.ID, "code", toolErr.Code, "error", err)
		payload := tools.ErrorPayload(toolErr)
		a.observer.OnToolResult(tools.NewEvent(tools.EventKindError, call.ID, call.Name, call.ArgumentsJSON, payload))
		return payload, nil
	}
	a.observer.OnToolResult(tools.NewEvent(tools.EventKindEnd, call.ID, call.Name, call.ArgumentsJSON, result))
	return result, nil
}

func (a *Agent) confirm(ctx context.Context, call model.ToolCall) (bool, error) {
	if a.confirmer == nil {
		return false, nil
	}
	return a.confirmer.Confirm(ctx, ApprovalRequest{
		CallID:   call.ID,
		ToolName: call.Name,
		ArgsJSON: call.ArgumentsJSON,
	})
}

func (a *Agent) composeSystem(ctx context.Context, caps []model.CapabilityDescriptor) (string, error) {
	var b strings.Builder
	b.WriteString(a.instructions)

	if a.memory != nil {
		mem, err := a.memory.LongTermMemory(ctx)
		if err != nil {
			return "", fmt.Errorf("load memory: %w", err)
		}
		if mem != "" {
			b.WriteString("\n\n# Long-term memory\n")
			b.WriteString(mem)
		}
	}

	if len(caps) > 0 {
		b.WriteString("\n\n# Available tools\n")
		for _, c := range caps {
			b.WriteString("- ")
			b.WriteString(c.Name)
			if d := strings.TrimSpace(c.Description); d != "" {
				b.WriteString(": ")
				b.WriteString(d)
			}
			if c.RequiresConfirmation {
				b.WriteString(" (asks the user first)")
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func upsertSystem(transcript []model.Message, system string) []model.Message {
	msg := model.SystemMessage(system)
	if len(transcript) > 0 && transcript[0].Role == model.RoleSystem {
		transcript[0] = msg
		return transcript
	}
	return append([]model.Message{msg}, transcript...)
}
