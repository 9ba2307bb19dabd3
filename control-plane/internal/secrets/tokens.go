// Package secrets resolves the bearer tokens used to call peer instances.
//
// Tokens are looked up per peer instance id. Production deployments keep
// them in 1Password and read them through a Connect server; development
// setups can use a local JSON file instead.
package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/pilot-net/svcmon/control-plane/internal/federation"
)

// TokenSource returns the bearer token for a peer instance, or "" when no
// token is configured for it.
type TokenSource interface {
	Token(ctx context.Context, instanceID string) (string, error)
}

// ItemPrefix prefixes the 1Password item title of a peer credential.
const ItemPrefix = "svcmon-peer-"

// CredentialField is the 1Password field holding the token.
const CredentialField = "credential"

// ItemTitle returns the 1Password item title for a peer instance.
func ItemTitle(instanceID string) string {
	return ItemPrefix + instanceID
}

// StaticTokens is a fixed instance id to token map.
type StaticTokens map[string]string

// NewStaticTokens builds StaticTokens from a map keyed by instance id or
// peer API URL.
func NewStaticTokens(raw map[string]string) (StaticTokens, error) {
	tokens, err := normalizeTokens(raw)
	if err != nil {
		return nil, err
	}
	return StaticTokens(tokens), nil
}

// Token implements TokenSource.
func (s StaticTokens) Token(ctx context.Context, instanceID string) (string, error) {
	return s[instanceID], nil
}

// normalizeTokens rekeys peer API URLs to instance ids and rejects tokens
// that cannot be sent in a header.
func normalizeTokens(raw map[string]string) (map[string]string, error) {
	tokens := make(map[string]string, len(raw))
	for key, token := range raw {
		id := key
		if strings.Contains(key, "://") {
			id = federation.InstanceIDFromURL(key)
		}
		if err := validateToken(id, token); err != nil {
			return nil, err
		}
		tokens[id] = token
	}
	return tokens, nil
}

func validateToken(instanceID, token string) error {
	if strings.ContainsAny(token, "\r\n") {
		return fmt.Errorf("token for instance %s contains line breaks", instanceID)
	}
	return nil
}
