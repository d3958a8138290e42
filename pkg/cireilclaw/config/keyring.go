package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring
	// (Linux: Secret Service, macOS: Keychain, Windows: Credential
	// Manager).
	keyringService = "cireilclaw"

	// APIKeyEnvVar is the environment fallback for provider keys.
	APIKeyEnvVar = "CIREILCLAW_API_KEY"
)

func keyringUser(slug string) string { return slug + "/api_key" }

// StoreAgentKey saves an agent's provider API key in the OS keyring.
func StoreAgentKey(slug, value string) error {
	if err := keyring.Set(keyringService, keyringUser(slug), value); err != nil {
		return fmt.Errorf("storing key in keyring: %w", err)
	}
	return nil
}

// DeleteAgentKey removes an agent's provider API key from the keyring.
func DeleteAgentKey(slug string) error {
	return keyring.Delete(keyringService, keyringUser(slug))
}

// KeyringAvailable checks whether the OS keyring is usable by doing a
// write+delete cycle with a probe key.
func KeyringAvailable() bool {
	const probe = "__cireilclaw_probe__"
	if err := keyring.Set(keyringService, probe, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

// ResolveAPIKey fills cfg.APIKey using the resolution chain:
// engine.toml value, then OS keyring, then CIREILCLAW_API_KEY.
// A still-empty key is logged as a warning rather than failing, since
// local endpoints (ollama) accept keyless requests.
func ResolveAPIKey(slug string, cfg *EngineConfig, logger *slog.Logger) {
	if cfg.APIKey != "" {
		return
	}
	if val, err := keyring.Get(keyringService, keyringUser(slug)); err == nil && val != "" {
		cfg.APIKey = val
		logger.Debug("api key loaded from OS keyring", "agent", slug)
		return
	}
	if val := os.Getenv(APIKeyEnvVar); val != "" {
		cfg.APIKey = val
		logger.Debug("api key loaded from environment", "agent", slug)
		return
	}
	logger.Warn("no api key configured; provider calls will be unauthenticated",
		"agent", slug, "hint", "set apiKey in engine.toml or store one with: cireilclaw init")
}
