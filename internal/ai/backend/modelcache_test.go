package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type countingModel struct {
	mu      sync.Mutex
	unloads int
}

func (m *countingModel) Unload(ctx context.Context) error {
	m.mu.Lock()
	m.unloads++
	m.mu.Unlock()
	return nil
}

func (m *countingModel) unloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloads
}

func TestModelCache_RefCounting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := NewModelCache(testLogger())
	m := &countingModel{}
	loads := 0
	load := func(ctx context.Context, path string) (LoadedModel, error) {
		loads++
		return m, nil
	}

	a, err := cache.Acquire(ctx, "/models/a.gguf", load)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := cache.Acquire(ctx, " /models/a.gguf ", load)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a != b || loads != 1 {
		t.Fatalf("loads=%d same=%v, want one shared load", loads, a == b)
	}
	if got := cache.Refs("/models/a.gguf"); got != 2 {
		t.Fatalf("refs=%d, want 2", got)
	}

	if err := cache.Release(ctx, "/models/a.gguf"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if m.unloadCount() != 0 {
		t.Fatalf("unloaded with a reference held")
	}
	if err := cache.Release(ctx, "/models/a.gguf"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if m.unloadCount() != 1 || cache.Refs("/models/a.gguf") != 0 {
		t.Fatalf("unloads=%d refs=%d, want 1 and 0", m.unloadCount(), cache.Refs("/models/a.gguf"))
	}

	// Releasing an unknown path is a no-op.
	if err := cache.Release(ctx, "/models/a.gguf"); err != nil {
		t.Fatalf("Release unknown: %v", err)
	}
}

func TestModelCache_LoadErrorIsNotCached(t *testing.T) {
	t.Parallel()

	cache := NewModelCache(nil)
	boom := errors.New("boom")
	_, err := cache.Acquire(context.Background(), "/m", func(ctx context.Context, path string) (LoadedModel, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if cache.Refs("/m") != 0 {
		t.Fatalf("failed load left a reference")
	}
	if _, err := cache.Acquire(context.Background(), "", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestModelCache_CloseUnloadsEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := NewModelCache(nil)
	m1, m2 := &countingModel{}, &countingModel{}
	_, _ = cache.Acquire(ctx, "/m1", func(context.Context, string) (LoadedModel, error) { return m1, nil })
	_, _ = cache.Acquire(ctx, "/m1", nil)
	_, _ = cache.Acquire(ctx, "/m2", func(context.Context, string) (LoadedModel, error) { return m2, nil })

	if err := cache.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m1.unloadCount() != 1 || m2.unloadCount() != 1 {
		t.Fatalf("unloads m1=%d m2=%d, want 1 each", m1.unloadCount(), m2.unloadCount())
	}
	if cache.Refs("/m1") != 0 {
		t.Fatalf("refs survived Close")
	}
}
