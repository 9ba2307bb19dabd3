package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// LocalTokenSource reads peer tokens from a JSON file mapping peers to
// tokens. Keys may be instance ids or peer API URLs:
//
//	{
//	  "https://eu.svcmon.internal/api": "token-a",
//	  "aHR0cHM6Ly91cy5zdmNtb24uaW50ZXJuYWwvYXBp": "token-b"
//	}
type LocalTokenSource struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	tokens map[string]string
}

// NewLocalTokenSource loads the token file at path.
func NewLocalTokenSource(path string, logger *slog.Logger) (*LocalTokenSource, error) {
	s := &LocalTokenSource{
		path:   path,
		logger: logger.With("component", "secrets", "backend", "local"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the token file.
func (s *LocalTokenSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading token file: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing token file %s: %w", s.path, err)
	}

	tokens, err := normalizeTokens(raw)
	if err != nil {
		return fmt.Errorf("token file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()

	s.logger.Info("loaded peer tokens", "path", s.path, "count", len(tokens))
	return nil
}

// Token implements TokenSource.
func (s *LocalTokenSource) Token(ctx context.Context, instanceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[instanceID], nil
}
