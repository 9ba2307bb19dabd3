// Package migrate applies the embedded database schema migrations.
//
// Migrations are SQL files embedded at compile time, named NNN_name.sql, and
// applied in version order, each in its own transaction. Applied versions are
// tracked in schema_migrations together with a checksum of the file, so an
// edited migration is reported instead of silently diverging.
//
// Several backend instances may start against the same database. Run takes a
// PostgreSQL advisory lock for the duration of the migration so only one of
// them applies pending files; the others wait and then find nothing to do.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockID is the advisory lock key held while migrating.
const lockID int64 = 0x73766d6f6e // "svmon"

// Record represents a completed migration in the database.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status contains information about the current migration state.
type Status struct {
	Applied  []Record `json:"applied"`
	Pending  []string `json:"pending"`
	Modified []string `json:"modified,omitempty"`
}

type migration struct {
	version  int
	name     string
	sql      string
	checksum string
}

func (m migration) String() string {
	return fmt.Sprintf("%03d_%s", m.version, m.name)
}

// Run applies all pending migrations.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")
	logger.Info("checking database migrations")

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockID)

	if err := ensureMigrationsTable(ctx, conn.Conn()); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := getAppliedMigrations(ctx, conn.Conn())
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	available, err := getAvailableMigrations()
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}

	pending, modified := diff(applied, available)
	for _, name := range modified {
		logger.Warn("applied migration has changed since it was run", "migration", name)
	}

	for _, mig := range pending {
		logger.Info("applying migration", "version", mig.version, "name", mig.name)
		if err := applyMigration(ctx, conn.Conn(), mig); err != nil {
			return fmt.Errorf("applying migration %s: %w", mig, err)
		}
	}

	if len(pending) == 0 {
		logger.Info("database schema is up to date", "version", len(applied))
	} else {
		logger.Info("migrations complete", "applied", len(pending), "total", len(applied)+len(pending))
	}
	return nil
}

// GetStatus returns the current migration state for diagnostics.
func GetStatus(ctx context.Context, pool *pgxpool.Pool) (*Status, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT to_regclass('public.schema_migrations') IS NOT NULL`).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}

	status := &Status{}
	if exists {
		if status.Applied, err = getAppliedMigrations(ctx, conn.Conn()); err != nil {
			return nil, err
		}
	}

	available, err := getAvailableMigrations()
	if err != nil {
		return nil, err
	}
	pending, modified := diff(status.Applied, available)
	for _, m := range pending {
		status.Pending = append(status.Pending, m.String())
	}
	status.Modified = modified
	return status, nil
}

// diff returns the migrations not yet applied and the names of applied
// migrations whose file checksum no longer matches.
func diff(applied []Record, available []migration) (pending []migration, modified []string) {
	byVersion := make(map[int]Record, len(applied))
	for _, r := range applied {
		byVersion[r.Version] = r
	}
	for _, m := range available {
		r, ok := byVersion[m.version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if r.Checksum != "" && r.Checksum != m.checksum {
			modified = append(modified, m.String())
		}
	}
	return pending, modified
}

func ensureMigrationsTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func getAppliedMigrations(ctx context.Context, conn *pgx.Conn) ([]Record, error) {
	rows, err := conn.Query(ctx, `
		SELECT version, name, checksum, applied_at
		FROM schema_migrations
		ORDER BY version
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Version, &r.Name, &r.Checksum, &r.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// getAvailableMigrations reads all migration files from the embedded filesystem.
func getAvailableMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parsing migration filename %s: %w", entry.Name(), err)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %03d: %s and %s", version, other, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, migration{
			version:  version,
			name:     name,
			sql:      string(content),
			checksum: checksum(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

func checksum(content []byte) string {
	return strconv.FormatUint(xxhash.Sum64(content), 16)
}

// parseMigrationFilename extracts version and name from a migration filename.
// Expected format: NNN_name.sql (e.g., "001_initial_schema.sql")
func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")

	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid version number in %s: %w", filename, err)
	}
	if version <= 0 {
		return 0, "", errors.New("migration version must be positive")
	}
	return version, parts[1], nil
}

func applyMigration(ctx context.Context, conn *pgx.Conn, mig migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mig.sql); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)
	`, mig.version, mig.name, mig.checksum); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
