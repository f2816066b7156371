package settings

import (
	"log/slog"
	"os"
	"strings"
)

// envKeys lists the environment variables consulted per backend type, in order.
var envKeys = map[string][]string{
	"openai":            {"OPENAI_API_KEY"},
	"anthropic":         {"ANTHROPIC_API_KEY"},
	"gemini":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai_compatible": {"OPENAI_COMPATIBLE_API_KEY"},
}

// Credentials resolves backend API keys from the secrets store, falling back
// to well-known environment variables. A nil store only consults the env.
type Credentials struct {
	Store *SecretsStore
	Log   *slog.Logger

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// APIKey returns the key for backendID. Stored keys win over env vars.
func (c *Credentials) APIKey(backendID string, backendType string) (string, bool) {
	if c == nil {
		return "", false
	}
	if c.Store != nil {
		key, ok, err := c.Store.APIKey(backendID)
		if err != nil && c.Log != nil {
			c.Log.Warn("read backend api key failed", "backend_id", backendID, "error", err)
		}
		if ok {
			return key, true
		}
	}
	getenv := c.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, name := range envKeys[strings.TrimSpace(backendType)] {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v, true
		}
	}
	return "", false
}

// EnvVars returns the env var names consulted for backendType.
func EnvVars(backendType string) []string {
	return append([]string(nil), envKeys[strings.TrimSpace(backendType)]...)
}
