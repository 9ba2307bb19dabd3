package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"

	"github.com/pilot-net/svcmon/control-plane/internal/federation"
)

// itemReader is the part of connect.Client used to read credentials.
type itemReader interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordTokenSource reads peer tokens from 1Password using the
// Connect API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding peer credentials
type OnePasswordTokenSource struct {
	client  itemReader
	vaultID string
	ttl     time.Duration
	logger  *slog.Logger

	// Cache to avoid an API round trip per federated request
	mu    sync.RWMutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID

	// CacheTTL bounds how long a token is reused before it is read again.
	CacheTTL time.Duration
}

// DefaultTokenCacheTTL is used when OnePasswordConfig.CacheTTL is unset.
const DefaultTokenCacheTTL = 5 * time.Minute

// NewOnePasswordTokenSource creates a 1Password-backed token source.
func NewOnePasswordTokenSource(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordTokenSource, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "svcmon-control-plane")
	return newOnePasswordTokenSource(client, cfg.VaultID, cfg.CacheTTL, logger), nil
}

func newOnePasswordTokenSource(client itemReader, vaultID string, ttl time.Duration, logger *slog.Logger) *OnePasswordTokenSource {
	if ttl <= 0 {
		ttl = DefaultTokenCacheTTL
	}
	return &OnePasswordTokenSource{
		client:  client,
		vaultID: vaultID,
		ttl:     ttl,
		logger:  logger.With("component", "secrets", "backend", "1password"),
		cache:   make(map[string]cachedToken),
	}
}

// Token returns the peer token stored in the item titled
// ItemTitle(instanceID). A missing item yields "" so the request is sent
// unauthenticated. Missing items are cached too.
func (s *OnePasswordTokenSource) Token(ctx context.Context, instanceID string) (string, error) {
	now := time.Now()

	s.mu.RLock()
	cached, ok := s.cache[instanceID]
	s.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.token, nil
	}

	token, err := s.readToken(instanceID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[instanceID] = cachedToken{token: token, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

var _ federation.TokenInvalidator = (*OnePasswordTokenSource)(nil)

// Invalidate drops a cached token. The federation client calls it when a
// peer answers 401 or 403.
func (s *OnePasswordTokenSource) Invalidate(instanceID string) {
	s.mu.Lock()
	delete(s.cache, instanceID)
	s.mu.Unlock()
}

func (s *OnePasswordTokenSource) readToken(instanceID string) (string, error) {
	title := ItemTitle(instanceID)

	items, err := s.client.GetItemsByTitle(title, s.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		s.logger.Debug("no credential for peer", "instance_id", instanceID)
		return "", nil
	}

	// Get the full item (including fields)
	item, err := s.client.GetItem(items[0].ID, s.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item %s: %w", title, err)
	}

	for _, field := range item.Fields {
		if field == nil || !strings.EqualFold(field.Label, CredentialField) {
			continue
		}
		if err := validateToken(instanceID, field.Value); err != nil {
			return "", err
		}
		return field.Value, nil
	}
	return "", fmt.Errorf("item %s has no %q field", title, CredentialField)
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *onepassword.Error
	if errors.As(err, &opErr) {
		return opErr.StatusCode == 404
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
