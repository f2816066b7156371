package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Backend types.
const (
	BackendOpenAI           = "openai"
	BackendAnthropic        = "anthropic"
	BackendGemini           = "gemini"
	BackendOpenAICompatible = "openai_compatible"
	BackendLMStudio         = "lmstudio"
	BackendOllama           = "ollama"
	BackendOnDevice         = "ondevice"
	BackendLocal            = "local"
)

// BackendConfig configures one language-model backend.
//
// Notes:
//   - Secrets (api keys) must never be stored here. Keys live in secrets.json or env vars.
//   - Models is an optional custom list; the first entry is the default model.
type BackendConfig struct {
	// ID is a stable key for secrets and for preferred_backend. It must not contain "/".
	ID string `yaml:"id"`

	// Name is a human-friendly display name.
	Name string `yaml:"name,omitempty"`

	Type string `yaml:"type"`

	// BaseURL overrides the endpoint. Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	Models []string `yaml:"models,omitempty"`

	EmbeddingModel string `yaml:"embedding_model,omitempty"`

	// ModelPath is the weights file for the in-process backend.
	ModelPath string `yaml:"model_path,omitempty"`

	// HelperBin overrides the helper executable for ondevice/local.
	HelperBin string `yaml:"helper_bin,omitempty"`

	// MaxTools overrides the backend's default tool ceiling. Zero keeps the default.
	MaxTools int `yaml:"max_tools,omitempty"`
}

// IsCloud reports whether the backend type talks to a remote API that needs credentials.
func IsCloud(backendType string) bool {
	switch strings.TrimSpace(backendType) {
	case BackendOpenAI, BackendAnthropic, BackendGemini, BackendOpenAICompatible:
		return true
	default:
		return false
	}
}

// AgentConfig configures the reasoning loop and its context budget.
type AgentConfig struct {
	// MaxIterations bounds backend round trips per user turn. Defaults to 10.
	MaxIterations *int `yaml:"max_iterations,omitempty"`

	// ContextWindow is the total token window assumed for history trimming. Defaults to 8192.
	ContextWindow *int `yaml:"context_window,omitempty"`

	SystemReserve   *int `yaml:"system_reserve,omitempty"`
	ResponseReserve *int `yaml:"response_reserve,omitempty"`

	// AutoApprove skips the confirmation gate for capabilities that require it.
	AutoApprove bool `yaml:"auto_approve,omitempty"`

	// Instructions replaces the built-in static system prompt.
	Instructions string `yaml:"instructions,omitempty"`

	// MemoryFile is injected into the system prompt as long-term memory.
	MemoryFile string `yaml:"memory_file,omitempty"`
}

const (
	defaultMaxIterations   = 10
	maxMaxIterations       = 100
	defaultContextWindow   = 8192
	defaultSystemReserve   = 1024
	defaultResponseReserve = 1024
)

func (c *AgentConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.MaxIterations != nil && (*c.MaxIterations < 1 || *c.MaxIterations > maxMaxIterations) {
		return fmt.Errorf("invalid max_iterations %d (must be in [1,%d])", *c.MaxIterations, maxMaxIterations)
	}
	if c.ContextWindow != nil && *c.ContextWindow < 256 {
		return fmt.Errorf("invalid context_window %d (must be >= 256)", *c.ContextWindow)
	}
	if c.SystemReserve != nil && *c.SystemReserve < 0 {
		return fmt.Errorf("invalid system_reserve %d", *c.SystemReserve)
	}
	if c.ResponseReserve != nil && *c.ResponseReserve < 0 {
		return fmt.Errorf("invalid response_reserve %d", *c.ResponseReserve)
	}
	if c.EffectiveSystemReserve()+c.EffectiveResponseReserve() >= c.EffectiveContextWindow() {
		return errors.New("system_reserve + response_reserve must be smaller than context_window")
	}
	return nil
}

func (c *AgentConfig) EffectiveMaxIterations() int {
	if c == nil || c.MaxIterations == nil || *c.MaxIterations < 1 {
		return defaultMaxIterations
	}
	if *c.MaxIterations > maxMaxIterations {
		return maxMaxIterations
	}
	return *c.MaxIterations
}

func (c *AgentConfig) EffectiveContextWindow() int {
	if c == nil || c.ContextWindow == nil || *c.ContextWindow <= 0 {
		return defaultContextWindow
	}
	return *c.ContextWindow
}

func (c *AgentConfig) EffectiveSystemReserve() int {
	if c == nil || c.SystemReserve == nil || *c.SystemReserve < 0 {
		return defaultSystemReserve
	}
	return *c.SystemReserve
}

func (c *AgentConfig) EffectiveResponseReserve() int {
	if c == nil || c.ResponseReserve == nil || *c.ResponseReserve < 0 {
		return defaultResponseReserve
	}
	return *c.ResponseReserve
}

func (c *AgentConfig) EffectiveAutoApprove() bool {
	return c != nil && c.AutoApprove
}

func validateBackends(backends []BackendConfig) error {
	seen := make(map[string]struct{}, len(backends))
	for i := range backends {
		b := backends[i]
		id := strings.TrimSpace(b.ID)
		if id == "" {
			return fmt.Errorf("backends[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("backends[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("backends[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(b.Type)
		switch t {
		case BackendOpenAI, BackendAnthropic, BackendGemini, BackendOpenAICompatible,
			BackendLMStudio, BackendOllama, BackendOnDevice, BackendLocal:
		default:
			return fmt.Errorf("backends[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(b.BaseURL)
		if t == BackendOpenAICompatible && baseURL == "" {
			return fmt.Errorf("backends[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("backends[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("backends[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("backends[%d]: invalid base_url host", i)
			}
		}
		if t == BackendLocal && strings.TrimSpace(b.ModelPath) == "" {
			return fmt.Errorf("backends[%d]: model_path is required for local", i)
		}
		if b.MaxTools < 0 {
			return fmt.Errorf("backends[%d]: invalid max_tools %d", i, b.MaxTools)
		}

		models := make(map[string]struct{}, len(b.Models))
		for j, m := range b.Models {
			name := strings.TrimSpace(m)
			if name == "" {
				return fmt.Errorf("backends[%d].models[%d]: empty model name", i, j)
			}
			if _, ok := models[name]; ok {
				return fmt.Errorf("backends[%d].models[%d]: duplicate model %q", i, j, name)
			}
			models[name] = struct{}{}
		}
	}
	return nil
}

// DefaultModel returns the first configured model or "".
func (b BackendConfig) DefaultModel() string {
	for _, m := range b.Models {
		if v := strings.TrimSpace(m); v != "" {
			return v
		}
	}
	return ""
}

func (b BackendConfig) DisplayName() string {
	if v := strings.TrimSpace(b.Name); v != "" {
		return v
	}
	return strings.TrimSpace(b.ID)
}
