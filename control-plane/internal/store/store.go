// Package store provides database access for the backend.
//
// # Design
//
// The store uses raw SQL with pgx. Every write the ingestion pipeline makes
// is a single idempotent statement, so a redelivered message can be imported
// again without duplicating data.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/svcmon/control-plane/internal/config"
	"github.com/pilot-net/svcmon/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// GetPoolStats returns the current connection pool statistics.
func (s *Store) GetPoolStats() types.PoolStats {
	stat := s.pool.Stat()
	return types.PoolStats{
		TotalConnections:    stat.TotalConns(),
		IdleConnections:     stat.IdleConns(),
		AcquiredConnections: stat.AcquiredConns(),
		MaxConnections:      stat.MaxConns(),
	}
}

// =============================================================================
// PAGING
// =============================================================================

// Page is one page of a query together with the totals the API reports.
type Page[T any] struct {
	Items        []T
	TotalCount   int
	LastModified time.Time
}

// Paging selects a page and an ordering.
type Paging struct {
	Page      int
	PerPage   int
	Sort      string
	Direction string
}

// normalize clamps the page size and fills defaults.
func (p Paging) normalize(defaultSort string) Paging {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = config.DefaultPageSize
	}
	if p.PerPage > config.MaxPageSize {
		p.PerPage = config.MaxPageSize
	}
	if p.Sort == "" {
		p.Sort = defaultSort
	}
	if !strings.EqualFold(p.Direction, "asc") {
		p.Direction = "desc"
	} else {
		p.Direction = "asc"
	}
	return p
}

func (p Paging) offset() int {
	return (p.Page - 1) * p.PerPage
}

// orderBy renders an ORDER BY clause. Only columns in allowed can be used;
// anything else falls back to the default sort. The id column is appended
// as a tie breaker so paging is stable.
func orderBy(p Paging, allowed map[string]string, defaultSort string) string {
	column, ok := allowed[p.Sort]
	if !ok {
		column = allowed[defaultSort]
	}
	dir := "DESC"
	if p.Direction == "asc" {
		dir = "ASC"
	}
	return fmt.Sprintf("ORDER BY %s %s NULLS LAST, id %s", column, dir, dir)
}

// whereClause joins conditions with AND.
func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return "1=1"
	}
	return strings.Join(conditions, " AND ")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
