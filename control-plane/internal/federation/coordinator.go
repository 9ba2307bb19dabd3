package federation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/svcmon/control-plane/internal/config"
)

// InstanceIDParam selects single-instance routing on a federated query.
const InstanceIDParam = "instance_id"

// LocalQuery answers a query from this instance's own data.
type LocalQuery[T any] func(ctx context.Context, r *http.Request) (QueryResult[T], error)

// Combiner folds per-instance results into one payload.
type Combiner[T any] func(results []QueryResult[T]) T

// Coordinator runs a query across the local instance and its peers.
type Coordinator[T any] struct {
	name    string
	peers   *Peers
	client  *Client
	local   LocalQuery[T]
	combine Combiner[T]
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator for one query type.
func NewCoordinator[T any](name string, peers *Peers, client *Client, local LocalQuery[T], combine Combiner[T], logger *slog.Logger) *Coordinator[T] {
	return &Coordinator[T]{
		name:    name,
		peers:   peers,
		client:  client,
		local:   local,
		combine: combine,
		logger:  logger.With("component", "scatter_gather", "query", name),
	}
}

// Execute answers the request. Peer failures never fail the request; only a
// failing local query does.
func (c *Coordinator[T]) Execute(r *http.Request) (QueryResult[T], error) {
	ctx := r.Context()
	self := c.peers.Self()

	if r.Header.Get(config.QueryScopeHeader) == config.QueryScopeLocal {
		res, err := c.local(ctx, r)
		if err != nil {
			return QueryResult[T]{}, err
		}
		return c.single(res), nil
	}

	if id := r.URL.Query().Get(InstanceIDParam); id != "" {
		return c.executeSingle(ctx, r, id)
	}

	remotes := c.peers.Remotes()
	results := make([]QueryResult[T], len(remotes)+1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := c.local(gctx, r)
		if err != nil {
			return err
		}
		res.InstanceID = self.ID
		results[0] = res
		return nil
	})
	for i, peer := range remotes {
		g.Go(func() error {
			results[i+1] = c.fetchPeer(gctx, peer, r.URL.RequestURI())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return QueryResult[T]{}, err
	}

	return c.merge(self.ID, results), nil
}

func (c *Coordinator[T]) executeSingle(ctx context.Context, r *http.Request, id string) (QueryResult[T], error) {
	self := c.peers.Self()

	inst, isSelf, err := c.peers.Resolve(id)
	if errors.Is(err, ErrUnknownInstance) {
		c.logger.Debug("unknown instance id", "instance_id", id)
		return c.merge(self.ID, nil), nil
	}
	if isSelf {
		res, err := c.local(ctx, r)
		if err != nil {
			return QueryResult[T]{}, err
		}
		res.InstanceID = self.ID
		return c.single(res), nil
	}

	res := c.fetchPeer(ctx, inst, r.URL.RequestURI())
	merged := c.merge(self.ID, []QueryResult[T]{res})
	return merged, nil
}

// fetchPeer queries one peer, degrading any failure to an empty result.
func (c *Coordinator[T]) fetchPeer(ctx context.Context, peer Instance, requestURI string) QueryResult[T] {
	res, err := Fetch[T](ctx, c.client, peer, requestURI)
	if err != nil {
		c.logger.Warn("peer query failed, continuing without it",
			"instance", peer.ID,
			"api_url", peer.APIURL,
			"error", err,
		)
		return Empty[T](peer.ID)
	}
	return res
}

func (c *Coordinator[T]) merge(selfID string, results []QueryResult[T]) QueryResult[T] {
	stats := make([]QueryStats, 0, len(results))
	for _, r := range results {
		stats = append(stats, r.Stats)
	}
	return QueryResult[T]{
		Results:    c.combine(results),
		InstanceID: selfID,
		Stats:      MergeStats(stats...),
	}
}

// single runs one instance's result through the combiner so single-instance
// answers have the same shape as merged ones.
func (c *Coordinator[T]) single(res QueryResult[T]) QueryResult[T] {
	res.Results = c.combine([]QueryResult[T]{res})
	return res
}
