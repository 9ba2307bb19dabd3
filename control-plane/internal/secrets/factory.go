package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Config holds configuration for the peer token backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "local",
	// "static" or "auto". "auto" (default) uses 1Password if configured,
	// then the local file, then Static, otherwise no tokens at all
	Backend string

	// 1Password Connect configuration
	OnePassword OnePasswordConfig

	// Local token file
	TokensFile string

	// Static tokens keyed by instance id or peer API URL
	Static map[string]string
}

// ConfigFromEnv creates a Config from environment variables. backend,
// tokensFile and static come from the control plane settings.
func ConfigFromEnv(backend, tokensFile string, static map[string]string) Config {
	return Config{
		Backend: backend,
		OnePassword: OnePasswordConfig{
			Host:    os.Getenv("OP_CONNECT_HOST"),
			Token:   os.Getenv("OP_CONNECT_TOKEN"),
			VaultID: os.Getenv("OP_VAULT_ID"),
		},
		TokensFile: getEnv("SVCMON_PEER_TOKENS_FILE", tokensFile),
		Static:     static,
	}
}

// NewTokenSource creates a TokenSource based on configuration. It returns a
// nil TokenSource when "auto" finds nothing configured.
func NewTokenSource(cfg Config, logger *slog.Logger) (TokenSource, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordTokenSource(cfg.OnePassword, logger)

	case "local":
		if cfg.TokensFile == "" {
			return nil, fmt.Errorf("local secrets backend requested but no tokens file configured")
		}
		return NewLocalTokenSource(cfg.TokensFile, logger)

	case "static":
		if len(cfg.Static) == 0 {
			return nil, fmt.Errorf("static secrets backend requested but no peer tokens configured")
		}
		return NewStaticTokens(cfg.Static)

	case "auto":
		if cfg.OnePassword.Host != "" && cfg.OnePassword.Token != "" {
			ts, err := NewOnePasswordTokenSource(cfg.OnePassword, logger)
			if err == nil {
				return ts, nil
			}
			logger.Warn("failed to initialize 1Password, falling back to local tokens", "error", err)
		}
		if cfg.TokensFile != "" {
			return NewLocalTokenSource(cfg.TokensFile, logger)
		}
		if len(cfg.Static) > 0 {
			logger.Info("using peer tokens from settings", "count", len(cfg.Static))
			return NewStaticTokens(cfg.Static)
		}
		logger.Info("no peer token backend configured, remote calls are unauthenticated")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
