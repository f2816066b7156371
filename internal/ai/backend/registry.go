package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/ai/usage"
	"github.com/floegence/redeven-cli/internal/config"
)

// Selection is the outcome of detection.
type Selection struct {
	Adapter Adapter
	Status  model.BackendStatus
}

// Entry is one row of List.
type Entry struct {
	Descriptor model.BackendDescriptor
	Status     model.BackendStatus
	Active     bool
}

// Registry owns the configured adapters and the single active one.
//
// Transitions (Configure, first resolution in Active, SetActive, Close) are
// serialized, so the previous adapter is always shut down before the next one
// becomes reachable.
type Registry struct {
	log     *slog.Logger
	usage   *usage.Counter
	cache   *ModelCache
	engines EngineFactory

	switchMu sync.Mutex
	resolve  singleflight.Group

	mu        sync.Mutex
	adapters  []Adapter
	preferred string
	active    Adapter
}

type RegistryOptions struct {
	Log *slog.Logger
	// Engines overrides the in-process engine. Nil uses the helper-hosted engine.
	Engines EngineFactory
}

func NewRegistry(opts RegistryOptions) *Registry {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "backend_registry"),
		usage:   usage.NewCounter(),
		cache:   NewModelCache(log),
		engines: opts.Engines,
	}
}

// Usage returns the per-backend token counter shared by every adapter.
func (r *Registry) Usage() *usage.Counter { return r.usage }

// Cache returns the shared model cache.
func (r *Registry) Cache() *ModelCache { return r.cache }

func (r *Registry) deps() Deps {
	return Deps{Log: r.log, Usage: r.usage, Cache: r.cache}
}

// Configure rebuilds the adapter set. Cloud backends without credentials are
// omitted; local backends are always kept and report availability via Probe.
func (r *Registry) Configure(ctx context.Context, cfg *config.Config, creds Credentials) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	adapters := make([]Adapter, 0, len(cfg.Backends)+3)
	for _, bc := range cfg.EffectiveBackends() {
		a, err := NewAdapter(bc, creds, r.deps(), r.engines)
		if errors.Is(err, errNoCredentials) {
			r.log.Info("backend skipped", "backend_id", bc.ID, "reason", err.Error())
			continue
		}
		if err != nil {
			return fmt.Errorf("backend %s: %w", bc.ID, err)
		}
		adapters = append(adapters, a)
	}
	r.replace(ctx, adapters, strings.TrimSpace(cfg.PreferredBackend))
	return nil
}

// Register replaces the adapter set with the given adapters.
func (r *Registry) Register(ctx context.Context, preferred string, adapters ...Adapter) {
	r.replace(ctx, append([]Adapter(nil), adapters...), strings.TrimSpace(preferred))
}

func (r *Registry) replace(ctx context.Context, adapters []Adapter, preferred string) {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	prev := r.active
	r.active = nil
	r.adapters = adapters
	r.preferred = preferred
	r.mu.Unlock()

	r.shutdown(ctx, prev)
}

func (r *Registry) shutdown(ctx context.Context, a Adapter) {
	if a == nil {
		return
	}
	s, ok := a.(Shutdowner)
	if !ok {
		return
	}
	if err := s.Shutdown(ctx); err != nil {
		r.log.Warn("backend shutdown failed", "backend_id", a.Descriptor().ID, "error", err)
	}
}

func (r *Registry) snapshot() ([]Adapter, string, Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Adapter(nil), r.adapters...), r.preferred, r.active
}

// Adapter looks up a configured adapter by id.
func (r *Registry) Adapter(id string) (Adapter, bool) {
	adapters, _, _ := r.snapshot()
	id = strings.TrimSpace(id)
	for _, a := range adapters {
		if a.Descriptor().ID == id {
			return a, true
		}
	}
	return nil, false
}

// Detect returns the preferred backend when it is available, else the first
// available backend by kind priority (cloud, on-device, local process,
// in-process) and declaration order. It returns nil, nil when none is available.
func (r *Registry) Detect(ctx context.Context) (*Selection, error) {
	sel, _, err := r.detect(ctx)
	return sel, err
}

func (r *Registry) detect(ctx context.Context) (*Selection, []ProbeFailure, error) {
	adapters, preferred, _ := r.snapshot()

	var failures []ProbeFailure
	if preferred != "" {
		for _, a := range adapters {
			if a.Descriptor().ID != preferred {
				continue
			}
			st := a.Probe(ctx)
			if st.Available {
				return &Selection{Adapter: a, Status: st}, nil, nil
			}
			r.log.Info("preferred backend unavailable", "backend_id", preferred, "reason", st.Reason)
		}
	}

	statuses := r.probeAll(ctx, adapters)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	order := make([]int, len(adapters))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return adapters[order[i]].Descriptor().Kind.Priority() < adapters[order[j]].Descriptor().Kind.Priority()
	})
	for _, i := range order {
		if statuses[i].Available {
			return &Selection{Adapter: adapters[i], Status: statuses[i]}, nil, nil
		}
	}
	for i, a := range adapters {
		failures = append(failures, ProbeFailure{ID: a.Descriptor().ID, Reason: statuses[i].Reason})
	}
	return nil, failures, nil
}

// probeAll probes every adapter concurrently; results follow adapter order.
func (r *Registry) probeAll(ctx context.Context, adapters []Adapter) []model.BackendStatus {
	statuses := make([]model.BackendStatus, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			statuses[i] = a.Probe(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

// Active returns the active adapter, detecting and initializing one on first
// use. Concurrent first callers share a single resolution.
func (r *Registry) Active(ctx context.Context) (Adapter, error) {
	if _, _, active := r.snapshot(); active != nil {
		return active, nil
	}
	v, err, _ := r.resolve.Do("active", func() (any, error) {
		r.switchMu.Lock()
		defer r.switchMu.Unlock()
		if _, _, active := r.snapshot(); active != nil {
			return active, nil
		}
		sel, failures, err := r.detect(ctx)
		if err != nil {
			return nil, err
		}
		if sel == nil {
			return nil, &NoBackendError{Failures: failures}
		}
		if err := sel.Adapter.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", sel.Adapter.Descriptor().ID, err)
		}
		r.mu.Lock()
		r.active = sel.Adapter
		r.mu.Unlock()
		r.log.Info("backend selected", "backend_id", sel.Adapter.Descriptor().ID, "model", sel.Status.SelectedModel)
		return sel.Adapter, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Adapter), nil
}

// SetActive switches to id. An unavailable target leaves the active adapter
// unchanged. On success the previous adapter is shut down before the new one
// is initialized.
func (r *Registry) SetActive(ctx context.Context, id string) error {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	target, ok := r.Adapter(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	st := target.Probe(ctx)
	if !st.Available {
		return &UnavailableError{ID: target.Descriptor().ID, Reason: st.Reason}
	}
	_, _, prev := r.snapshot()
	if prev == target {
		return nil
	}

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()
	r.shutdown(ctx, prev)

	if err := target.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", target.Descriptor().ID, err)
	}
	r.mu.Lock()
	r.active = target
	r.mu.Unlock()
	r.log.Info("backend switched", "backend_id", target.Descriptor().ID, "model", st.SelectedModel)
	return nil
}

// List probes every adapter and reports its status in declaration order.
func (r *Registry) List(ctx context.Context) []Entry {
	adapters, _, active := r.snapshot()
	statuses := r.probeAll(ctx, adapters)
	out := make([]Entry, len(adapters))
	for i, a := range adapters {
		out[i] = Entry{Descriptor: a.Descriptor(), Status: statuses[i], Active: a == active}
	}
	return out
}

// Close shuts down the active adapter and unloads every cached model.
func (r *Registry) Close(ctx context.Context) error {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()
	r.mu.Lock()
	prev := r.active
	r.active = nil
	r.mu.Unlock()
	r.shutdown(ctx, prev)
	return r.cache.Close(ctx)
}
