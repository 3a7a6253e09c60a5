// Package postgres provides the Postgres-backed work store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// WorkStore persists work items in the work_items table.
type WorkStore struct {
	pool querier
}

// WorkStoreConfig controls the Postgres connection pool.
type WorkStoreConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewWorkStore connects a pool and returns the store.
func NewWorkStore(ctx context.Context, cfg WorkStoreConfig) (*WorkStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &WorkStore{pool: pool}, nil
}

// NewWorkStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewWorkStoreWithPool(pool querier) (*WorkStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &WorkStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *WorkStore) Close() {
	s.pool.Close()
}

// NextPending returns the oldest pending item, or nil when none exist.
func (s *WorkStore) NextPending(ctx context.Context) (*scrape.WorkItem, error) {
	query := `
		SELECT id, key, status, updated_at
		FROM work_items
		WHERE status = 'pending'
		ORDER BY id
		LIMIT 1;
	`
	var item scrape.WorkItem
	err := s.pool.QueryRow(ctx, query).Scan(&item.ID, &item.Key, &item.Status, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next pending item: %w", err)
	}
	return &item, nil
}

// Save upserts the item's status by key.
func (s *WorkStore) Save(ctx context.Context, item *scrape.WorkItem) error {
	query := `
		INSERT INTO work_items (key, status, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = now();
	`
	if _, err := s.pool.Exec(ctx, query, item.Key, item.Status); err != nil {
		return fmt.Errorf("save work item %q: %w", item.Key, err)
	}
	return nil
}

// SweepStuck resets Processing items back to Pending and reports how
// many rows changed.
func (s *WorkStore) SweepStuck(ctx context.Context) (int, error) {
	query := `
		UPDATE work_items
		SET status = 'pending', updated_at = now()
		WHERE status = 'processing';
	`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("sweep stuck items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ResetFailed returns Failed and Skipped items to Pending for a retry
// pass.
func (s *WorkStore) ResetFailed(ctx context.Context) (int, error) {
	query := `
		UPDATE work_items
		SET status = 'pending', updated_at = now()
		WHERE status IN ('failed', 'skipped');
	`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reset failed items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Import bulk-inserts pending items, ignoring keys that already exist.
func (s *WorkStore) Import(ctx context.Context, keys []string) (int, error) {
	query := `
		INSERT INTO work_items (key, status, updated_at)
		VALUES ($1, 'pending', now())
		ON CONFLICT (key) DO NOTHING;
	`
	added := 0
	for _, key := range keys {
		if key == "" {
			continue
		}
		tag, err := s.pool.Exec(ctx, query, key)
		if err != nil {
			return added, fmt.Errorf("import work item %q: %w", key, err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// Counts returns item totals per status.
func (s *WorkStore) Counts(ctx context.Context) (map[scrape.ItemStatus]int, error) {
	query := `
		SELECT status, count(*)
		FROM work_items
		GROUP BY status;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count work items: %w", err)
	}
	defer rows.Close()

	counts := make(map[scrape.ItemStatus]int)
	for rows.Next() {
		var (
			status scrape.ItemStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

var _ scrape.WorkStore = (*WorkStore)(nil)
