package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for redeven-cli.
//
// Secrets are never stored here; see internal/settings.
type Config struct {
	// PreferredBackend is tried first during detection when it is available.
	PreferredBackend string `yaml:"preferred_backend,omitempty"`

	Backends []BackendConfig `yaml:"backends,omitempty"`

	Agent *AgentConfig `yaml:"agent,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := validateBackends(c.Backends); err != nil {
		return err
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("invalid agent: %w", err)
	}
	if p := strings.TrimSpace(c.PreferredBackend); p != "" {
		found := false
		for _, b := range c.EffectiveBackends() {
			if strings.TrimSpace(b.ID) == p {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("preferred_backend %q is not configured", p)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// EffectiveBackends returns the configured backends plus the always-present
// local backends (ollama, ondevice, local) when no backend of that type is
// configured. A synthesized local backend has no model_path and probes unavailable.
func (c *Config) EffectiveBackends() []BackendConfig {
	var in []BackendConfig
	if c != nil {
		in = c.Backends
	}
	out := make([]BackendConfig, 0, len(in)+3)
	out = append(out, in...)
	has := func(t string) bool {
		for _, b := range in {
			if strings.TrimSpace(b.Type) == t {
				return true
			}
		}
		return false
	}
	if !has(BackendOllama) {
		out = append(out, BackendConfig{ID: BackendOllama, Name: "Ollama", Type: BackendOllama})
	}
	if !has(BackendOnDevice) {
		out = append(out, BackendConfig{ID: BackendOnDevice, Name: "On-device", Type: BackendOnDevice})
	}
	if !has(BackendLocal) {
		out = append(out, BackendConfig{ID: BackendLocal, Name: "Local model", Type: BackendLocal})
	}
	return out
}

// Backend looks up a backend by id among the effective backends.
func (c *Config) Backend(id string) (BackendConfig, bool) {
	id = strings.TrimSpace(id)
	for _, b := range c.EffectiveBackends() {
		if strings.TrimSpace(b.ID) == id {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// DefaultConfigPath returns the default config path:
//
//	~/.redeven-cli/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-cli.config.yaml"
	}
	return filepath.Join(home, ".redeven-cli", "config.yaml")
}

// DefaultSecretsPath sits next to the config file.
func DefaultSecretsPath(configPath string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(configPath)), "secrets.json")
}

// DefaultAuditDir holds the tool activity trail, next to the config file.
func DefaultAuditDir(configPath string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(configPath)), "audit")
}

// Load reads and validates the config. A missing file yields the zero config.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
