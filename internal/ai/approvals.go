package ai

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownApproval = errors.New("unknown approval request")
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// ApprovalRequest is one pending confirmation for a capability invocation.
type ApprovalRequest struct {
	ID          string `json:"id"`
	CallID      string `json:"call_id"`
	ToolName    string `json:"tool_name"`
	ArgsJSON    string `json:"args,omitempty"`
	CreatedAtMs int64  `json:"created_at_unix_ms"`
}

// Confirmer decides whether a confirmation-required capability may run.
// An error is treated as a rejection unless the context is done.
type Confirmer interface {
	Confirm(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

type pendingApproval struct {
	req      ApprovalRequest
	ch       chan bool
	resolved bool
}

// ApprovalBroker holds single-resolution approval futures keyed by request id.
// Request registers a future, Resolve settles it at most once and Await
// blocks until it is settled or ctx is done.
type ApprovalBroker struct {
	log    *slog.Logger
	notify func(context.Context, ApprovalRequest)

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewApprovalBroker returns a broker. notify, when set, is called from Confirm
// after the request is registered and before waiting, with the caller's ctx.
// It may resolve the request synchronously; if it returns without resolving
// once ctx is done, Confirm reports ctx.Err().
func NewApprovalBroker(log *slog.Logger, notify func(context.Context, ApprovalRequest)) *ApprovalBroker {
	if log == nil {
		log = slog.Default()
	}
	return &ApprovalBroker{
		log:     log.With("component", "approvals"),
		notify:  notify,
		pending: make(map[string]*pendingApproval),
	}
}

func (b *ApprovalBroker) Request(callID string, toolName string, argsJSON string) ApprovalRequest {
	req := ApprovalRequest{
		ID:          uuid.NewString(),
		CallID:      strings.TrimSpace(callID),
		ToolName:    strings.TrimSpace(toolName),
		ArgsJSON:    argsJSON,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	b.mu.Lock()
	b.pending[req.ID] = &pendingApproval{req: req, ch: make(chan bool, 1)}
	b.mu.Unlock()
	b.log.Debug("approval requested", "approval_id", req.ID, "tool_name", req.ToolName, "call_id", req.CallID)
	return req
}

func (b *ApprovalBroker) Resolve(id string, approved bool) error {
	id = strings.TrimSpace(id)
	b.mu.Lock()
	p := b.pending[id]
	if p == nil {
		b.mu.Unlock()
		return ErrUnknownApproval
	}
	if p.resolved {
		b.mu.Unlock()
		return ErrAlreadyResolved
	}
	p.resolved = true
	b.mu.Unlock()

	// Buffered with capacity one and written once, so this never blocks.
	p.ch <- approved
	b.log.Debug("approval resolved", "approval_id", id, "approved", approved)
	return nil
}

// Await waits for the decision on id. The request is forgotten once Await
// returns, whether it was resolved or ctx ended first.
func (b *ApprovalBroker) Await(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	b.mu.Lock()
	p := b.pending[id]
	b.mu.Unlock()
	if p == nil {
		return false, ErrUnknownApproval
	}
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	select {
	case ok := <-p.ch:
		return ok, nil
	case <-ctx.Done():
		b.log.Debug("approval canceled", "approval_id", id, "error", ctx.Err())
		return false, ctx.Err()
	}
}

// Confirm implements Confirmer: register, notify, then wait.
func (b *ApprovalBroker) Confirm(ctx context.Context, req ApprovalRequest) (bool, error) {
	registered := b.Request(req.CallID, req.ToolName, req.ArgsJSON)
	if b.notify != nil {
		b.notify(ctx, registered)
	}
	return b.Await(ctx, registered.ID)
}

// Pending lists unresolved requests, oldest first.
func (b *ApprovalBroker) Pending() []ApprovalRequest {
	b.mu.Lock()
	out := make([]ApprovalRequest, 0, len(b.pending))
	for _, p := range b.pending {
		if !p.resolved {
			out = append(out, p.req)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs == out[j].CreatedAtMs {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAtMs < out[j].CreatedAtMs
	})
	return out
}
