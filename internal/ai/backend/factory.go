package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/redeven-cli/internal/config"
)

// errNoCredentials marks a cloud backend that is omitted for lack of a key.
var errNoCredentials = errors.New("no API key configured")

// EngineFactory builds the inference engine for an in-process backend.
type EngineFactory func(cfg config.BackendConfig, deps Deps) Engine

func defaultEngineFactory(cfg config.BackendConfig, deps Deps) Engine {
	return newSidecarEngine(cfg.HelperBin, deps.Log)
}

// NewAdapter builds the adapter for one configured backend.
func NewAdapter(cfg config.BackendConfig, creds Credentials, deps Deps, engines EngineFactory) (Adapter, error) {
	typ := strings.TrimSpace(cfg.Type)
	apiKey := ""
	if creds != nil {
		apiKey, _ = creds.APIKey(cfg.ID, typ)
	}
	if config.IsCloud(typ) && strings.TrimSpace(apiKey) == "" {
		return nil, errNoCredentials
	}
	switch typ {
	case config.BackendOpenAI:
		return newOpenAIAdapter(cfg, apiKey, deps), nil
	case config.BackendAnthropic:
		return newAnthropicAdapter(cfg, apiKey, deps), nil
	case config.BackendGemini:
		return newGeminiAdapter(cfg, apiKey, deps), nil
	case config.BackendOpenAICompatible, config.BackendLMStudio:
		return newChatCompletionsAdapter(cfg, apiKey, deps), nil
	case config.BackendOllama:
		return newOllamaAdapter(cfg, deps)
	case config.BackendOnDevice:
		return newOnDeviceAdapter(cfg, deps), nil
	case config.BackendLocal:
		if engines == nil {
			engines = defaultEngineFactory
		}
		return newLocalAdapter(cfg, engines(cfg, deps), deps), nil
	default:
		return nil, fmt.Errorf("unsupported backend type %q", typ)
	}
}
