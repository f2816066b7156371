package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// LoadedModel is a model held in memory by a loader.
type LoadedModel interface {
	Unload(ctx context.Context) error
}

// ModelLoader loads weights from a path.
type ModelLoader func(ctx context.Context, path string) (LoadedModel, error)

// ModelCache shares loaded models by path with reference counting. A model is
// loaded on the first Acquire and unloaded when the last reference is released.
type ModelCache struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	model LoadedModel
	refs  int
}

func NewModelCache(log *slog.Logger) *ModelCache {
	if log == nil {
		log = slog.Default()
	}
	return &ModelCache{log: log.With("component", "model_cache"), entries: make(map[string]*cacheEntry)}
}

// Acquire returns the model for path, loading it when no reference is held.
// Loading happens under the cache lock so concurrent acquirers never load twice.
func (c *ModelCache) Acquire(ctx context.Context, path string, load ModelLoader) (LoadedModel, error) {
	if c == nil {
		return nil, errors.New("nil model cache")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("missing model path")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[path]; e != nil {
		e.refs++
		return e.model, nil
	}
	if load == nil {
		return nil, errors.New("missing model loader")
	}
	m, err := load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	c.entries[path] = &cacheEntry{model: m, refs: 1}
	c.log.Info("model loaded", "path", path)
	return m, nil
}

// Release drops one reference and unloads the model at zero.
func (c *ModelCache) Release(ctx context.Context, path string) error {
	if c == nil {
		return nil
	}
	path = strings.TrimSpace(path)
	c.mu.Lock()
	e := c.entries[path]
	if e == nil {
		c.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.entries, path)
	c.mu.Unlock()

	c.log.Info("model unloaded", "path", path)
	return e.model.Unload(ctx)
}

// Refs returns the current reference count for path.
func (c *ModelCache) Refs(path string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[strings.TrimSpace(path)]; e != nil {
		return e.refs
	}
	return 0
}

// Close unloads every model regardless of references.
func (c *ModelCache) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	var errs []error
	for path, e := range entries {
		if err := e.model.Unload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}
