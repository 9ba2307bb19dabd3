package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/svcmon/control-plane/internal/config"
)

// TokenSource provides bearer tokens for calls to peer instances.
type TokenSource interface {
	// Token returns the token for the instance, or "" if none is configured.
	Token(ctx context.Context, instanceID string) (string, error)
}

// TokenInvalidator is implemented by token sources that cache tokens. The
// client drops a peer's cached token when the peer rejects it.
type TokenInvalidator interface {
	Invalidate(instanceID string)
}

// ClientConfig holds configuration for the peer client.
type ClientConfig struct {
	// Timeout bounds each call to a peer.
	Timeout time.Duration

	// RateLimit caps requests per second to each peer. Zero is unlimited.
	RateLimit float64

	// HTTPClient overrides the underlying HTTP client.
	HTTPClient *http.Client
}

// Client queries peer instances.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	rateLimit  float64
	tokens     TokenSource
	logger     *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a peer client. tokens may be nil.
func NewClient(cfg ClientConfig, tokens TokenSource, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = config.DefaultRemoteTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient: httpClient,
		timeout:    timeout,
		rateLimit:  cfg.RateLimit,
		tokens:     tokens,
		logger:     logger.With("component", "remote_instance_client"),
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiter(instanceID string) *rate.Limiter {
	if c.rateLimit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[instanceID]
	if !ok {
		burst := int(c.rateLimit)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.rateLimit), burst)
		c.limiters[instanceID] = l
	}
	return l
}

// get calls GET {peer}{requestURI} and returns the body and stats. found is
// false for 404 responses.
func (c *Client) get(ctx context.Context, peer Instance, requestURI string) (body []byte, stats QueryStats, found bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if l := c.limiter(peer.ID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, QueryStats{}, false, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.APIURL+requestURI, nil)
	if err != nil {
		return nil, QueryStats{}, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(config.QueryScopeHeader, config.QueryScopeLocal)

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx, peer.ID)
		if err != nil {
			return nil, QueryStats{}, false, fmt.Errorf("resolve peer token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, QueryStats{}, false, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, QueryStats{}, false, nil
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, QueryStats{}, false, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if inv, ok := c.tokens.(TokenInvalidator); ok {
			inv.Invalidate(peer.ID)
			c.logger.Info("peer rejected token, dropped cached token", "instance", peer.ID, "status", resp.StatusCode)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, QueryStats{}, false, fmt.Errorf("peer error: status %d, body: %s", resp.StatusCode, truncate(body, 256))
	}

	return body, ReadHeaders(resp.Header, time.Now()), true, nil
}

// Fetch runs a query against a peer. A 404 yields an empty result; network
// failures, timeouts and other non-2xx responses are returned as errors.
func Fetch[T any](ctx context.Context, c *Client, peer Instance, requestURI string) (QueryResult[T], error) {
	start := time.Now()
	body, stats, found, err := c.get(ctx, peer, requestURI)
	if err != nil {
		return Empty[T](peer.ID), fmt.Errorf("querying %s: %w", peer.APIURL, err)
	}
	if !found {
		c.logger.Debug("peer returned not found", "instance", peer.ID, "uri", requestURI)
		return Empty[T](peer.ID), nil
	}

	var results T
	if len(body) > 0 {
		if err := json.Unmarshal(body, &results); err != nil {
			return Empty[T](peer.ID), fmt.Errorf("decoding response from %s: %w", peer.APIURL, err)
		}
	}

	c.logger.Debug("peer query complete",
		"instance", peer.ID,
		"uri", requestURI,
		"total_count", stats.TotalCount,
		"duration", time.Since(start),
	)
	return QueryResult[T]{Results: results, InstanceID: peer.ID, Stats: stats}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
