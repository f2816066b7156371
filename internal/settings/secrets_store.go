package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/floegence/redeven-cli/internal/lockfile"
)

const (
	secretsSchemaVersion = 1
	secretsLockTimeout   = 5 * time.Second
)

// SecretsStore keeps backend API keys in secrets.json, next to config.yaml
// but apart from it so the config stays shareable. Keys are never printed
// back; callers surface KeyInfo instead.
type SecretsStore struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path)), now: time.Now}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

type secretsFile struct {
	SchemaVersion int                  `json:"schema_version"`
	APIKeys       map[string]storedKey `json:"api_keys,omitempty"`
}

type storedKey struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KeyInfo describes a stored key without revealing it.
type KeyInfo struct {
	BackendID string
	// Hint is the last four characters, or empty for short keys.
	Hint      string
	UpdatedAt time.Time
}

// APIKey returns the stored key for backendID.
func (s *SecretsStore) APIKey(backendID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	backendID = strings.TrimSpace(backendID)
	if backendID == "" {
		return "", false, errors.New("missing backend id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return "", false, err
	}
	k, ok := sf.APIKeys[backendID]
	if !ok || k.Key == "" {
		return "", false, nil
	}
	return k.Key, true, nil
}

func (s *SecretsStore) SetAPIKey(backendID string, apiKey string) error {
	backendID = strings.TrimSpace(backendID)
	apiKey = strings.TrimSpace(apiKey)
	if backendID == "" {
		return errors.New("missing backend id")
	}
	if apiKey == "" {
		return errors.New("missing api key")
	}
	return s.update(func(sf *secretsFile) error {
		sf.APIKeys[backendID] = storedKey{Key: apiKey, UpdatedAt: s.now().UTC()}
		return nil
	})
}

// ClearAPIKey removes the key and reports whether one was stored.
func (s *SecretsStore) ClearAPIKey(backendID string) (bool, error) {
	backendID = strings.TrimSpace(backendID)
	if backendID == "" {
		return false, errors.New("missing backend id")
	}
	var removed bool
	err := s.update(func(sf *secretsFile) error {
		_, removed = sf.APIKeys[backendID]
		delete(sf.APIKeys, backendID)
		return nil
	})
	return removed, err
}

// List returns every stored key, sorted by backend id.
func (s *SecretsStore) List() ([]KeyInfo, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]KeyInfo, 0, len(sf.APIKeys))
	for id, k := range sf.APIKeys {
		info := KeyInfo{BackendID: id, UpdatedAt: k.UpdatedAt}
		if len(k.Key) >= 12 {
			info.Hint = k.Key[len(k.Key)-4:]
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out, nil
}

// update runs fn on the current file and saves the result. Other CLI
// processes may write concurrently, so the read-modify-write holds an
// advisory lock next to the file.
func (s *SecretsStore) update(fn func(*secretsFile) error) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), secretsLockTimeout)
	defer cancel()
	lock, err := lockfile.Acquire(ctx, s.path+".lock")
	if err != nil {
		return fmt.Errorf("lock secrets: %w", err)
	}
	defer func() { _ = lock.Release() }()

	sf, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(sf); err != nil {
		return err
	}
	return s.write(sf)
}

// read never returns a nil file or a nil key map.
func (s *SecretsStore) read() (*secretsFile, error) {
	if s.path == "" || s.path == "." {
		return nil, errors.New("missing secrets path")
	}
	sf := &secretsFile{}
	b, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, sf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	if sf.SchemaVersion > secretsSchemaVersion {
		return nil, fmt.Errorf("%s: unsupported schema_version %d", s.path, sf.SchemaVersion)
	}
	sf.SchemaVersion = secretsSchemaVersion
	if sf.APIKeys == nil {
		sf.APIKeys = make(map[string]storedKey)
	}
	return sf, nil
}

func (s *SecretsStore) write(sf *secretsFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
