package ai

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
)

// MemorySource supplies long-term memory injected into the system message.
type MemorySource interface {
	LongTermMemory(ctx context.Context) (string, error)
}

// StaticMemory is a fixed memory text.
type StaticMemory string

func (m StaticMemory) LongTermMemory(ctx context.Context) (string, error) {
	return strings.TrimSpace(string(m)), nil
}

// MemoryFile reads memory from a file on every turn so edits apply without
// a restart. A missing file means no memory.
type MemoryFile struct {
	Path     string
	MaxBytes int
}

const defaultMemoryMaxBytes = 16 << 10

func (m MemoryFile) LongTermMemory(ctx context.Context) (string, error) {
	path := strings.TrimSpace(m.Path)
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	limit := m.MaxBytes
	if limit <= 0 {
		limit = defaultMemoryMaxBytes
	}
	if len(b) > limit {
		b = b[:limit]
	}
	return strings.TrimSpace(string(b)), nil
}
