// Package auditlog keeps a rotating JSONL trail of capability activity:
// which tools a backend asked for, what the user approved and how each
// invocation ended. Arguments and results are never stored, only their sizes.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/floegence/redeven-cli/internal/ai/tools"
)

const (
	defaultMaxBytes   = int64(2 << 20) // 2 MiB
	defaultMaxBackups = 3

	activeName    = "tools.jsonl"
	rotatedPrefix = "tools-"
	rotatedSuffix = ".jsonl"
)

// Status values.
const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusRejected = "rejected"
	StatusPending  = "pending"
)

type Entry struct {
	CreatedAt string `json:"created_at"`

	// Action is the tool event kind, e.g. "tool.requested" or "tool.end".
	Action string `json:"action"`
	Status string `json:"status"`

	BackendID string `json:"backend_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`

	ArgsBytes   int `json:"args_bytes,omitempty"`
	ResultBytes int `json:"result_bytes,omitempty"`

	// Error is the error code from a failed invocation's envelope.
	Error string `json:"error,omitempty"`
}

// FromToolEvent maps an agent tool event to an entry.
func FromToolEvent(ev tools.Event) Entry {
	e := Entry{
		Action:      string(ev.Kind),
		CallID:      ev.CallID,
		ToolName:    ev.ToolName,
		ArgsBytes:   len(ev.Args),
		ResultBytes: len(ev.Result),
	}
	if ev.AtUnixMs > 0 {
		e.CreatedAt = time.UnixMilli(ev.AtUnixMs).UTC().Format(time.RFC3339Nano)
	}
	switch ev.Kind {
	case tools.EventKindRequested, tools.EventKindApproval:
		e.Status = StatusPending
	case tools.EventKindRejected:
		e.Status = StatusRejected
	case tools.EventKindError:
		e.Status = StatusFailure
		var env tools.ResultEnvelope
		if json.Unmarshal([]byte(ev.Result), &env) == nil && env.Error != nil {
			e.Error = string(env.Error.Code)
		}
	default:
		e.Status = StatusSuccess
	}
	return e
}

type Options struct {
	Logger *slog.Logger
	// Dir holds the active file and its rotations (e.g. ~/.redeven-cli/audit).
	Dir string

	// MaxBytes is the rotation threshold of the active file.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files besides the active one.
	MaxBackups int
}

type Store struct {
	log *slog.Logger

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing Dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, activeName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger.With("component", "auditlog"),
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append writes one entry. Failures are logged, never returned: the audit
// trail must not break a conversation.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = StatusSuccess
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("audit append failed", "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&e); err != nil {
		s.log.Warn("audit encode failed", "error", err)
		return
	}

	s.maybeRotateLocked()
}

// List returns up to limit entries, newest first, across rotations.
func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	s.mu.Lock()
	files := append([]string{s.activePath}, s.rotatedLocked(true)...)
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, limit-len(out))
		if err != nil {
			s.log.Warn("audit read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// rotatedLocked lists rotated files. Names embed UnixNano so lexical order
// is chronological.
func (s *Store) rotatedLocked(newestFirst bool) []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, rotatedPrefix) || !strings.HasSuffix(name, rotatedSuffix) {
			continue
		}
		out = append(out, filepath.Join(s.dir, name))
	}
	sort.Strings(out)
	if newestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (s *Store) maybeRotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	dst := filepath.Join(s.dir, fmt.Sprintf("%s%d%s", rotatedPrefix, time.Now().UnixNano(), rotatedSuffix))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("audit rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	rotated := s.rotatedLocked(false)
	if len(rotated) <= s.maxBackups {
		return
	}
	for _, path := range rotated[:len(rotated)-s.maxBackups] {
		_ = os.Remove(path)
	}
}

func readNewestFirst(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
