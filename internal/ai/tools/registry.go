package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/floegence/redeven-cli/internal/ai/model"
)

// Registry is the boundary to the capabilities the agent may invoke.
// Arguments and results are opaque JSON text; schema validation belongs here.
type Registry interface {
	List() []model.CapabilityDescriptor
	RequiresConfirmation(name string) bool
	Execute(ctx context.Context, name string, argsJSON string) (string, error)
}

// Handler executes one capability.
type Handler func(ctx context.Context, argsJSON string) (string, error)

type Capability struct {
	Descriptor model.CapabilityDescriptor
	Handler    Handler
}

// ErrUnknownTool is returned by Execute for an unregistered name.
var ErrUnknownTool = errors.New("unknown tool")

// StaticRegistry is an in-memory Registry that keeps registration order.
type StaticRegistry struct {
	mu    sync.RWMutex
	order []string
	caps  map[string]Capability
}

func NewStaticRegistry(caps ...Capability) (*StaticRegistry, error) {
	r := &StaticRegistry{caps: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *StaticRegistry) Register(c Capability) error {
	name := strings.TrimSpace(c.Descriptor.Name)
	if name == "" {
		return errors.New("missing capability name")
	}
	if c.Handler == nil {
		return fmt.Errorf("capability %q: missing handler", name)
	}
	if len(c.Descriptor.Schema) > 0 && !json.Valid(c.Descriptor.Schema) {
		return fmt.Errorf("capability %q: invalid parameter schema", name)
	}
	if c.Descriptor.Tier == "" {
		c.Descriptor.Tier = model.TierExtended
	}
	c.Descriptor.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[name]; ok {
		return fmt.Errorf("duplicate capability %q", name)
	}
	r.caps[name] = c
	r.order = append(r.order, name)
	return nil
}

func (r *StaticRegistry) List() []model.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.CapabilityDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.caps[name].Descriptor)
	}
	return out
}

func (r *StaticRegistry) RequiresConfirmation(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[strings.TrimSpace(name)]
	return ok && c.Descriptor.RequiresConfirmation
}

func (r *StaticRegistry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	r.mu.RLock()
	c, ok := r.caps[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	argsJSON = strings.TrimSpace(argsJSON)
	if argsJSON == "" {
		argsJSON = "{}"
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &obj); err != nil {
		return "", &ToolError{Code: ErrorCodeInvalidArguments, Message: "arguments must be a JSON object: " + err.Error(), Retryable: true}
	}
	return c.Handler(ctx, argsJSON)
}
