package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachai/coach/pkg/store"
)

// Compile-time interface checks.
var (
	_ store.Sink          = (*Store)(nil)
	_ store.MessageLister = (*Store)(nil)
	_ store.ProfileStore  = (*Store)(nil)
)

// Store persists conversation turns and profiles in PostgreSQL.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore opens a connection pool to dsn, verifies connectivity and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Insert implements [store.Sink].
func (s *Store) Insert(ctx context.Context, rec store.Record) error {
	rec, err := store.Prepare(rec, s.now())
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO messages (id, user_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, rec.ID, rec.UserID, rec.Role, rec.Content, rec.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: insert message: %w", err)
	}
	return nil
}

// ListMessages implements [store.MessageLister]. It returns the newest limit
// messages of userID in chronological order.
func (s *Store) ListMessages(ctx context.Context, userID string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	const q = `
		SELECT id, user_id, role, content, created_at
		FROM (
		    SELECT id, user_id, role, content, created_at
		    FROM   messages
		    WHERE  user_id = $1
		    ORDER  BY created_at DESC
		    LIMIT  $2
		) recent
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Record, error) {
		var r store.Record
		err := row.Scan(&r.ID, &r.UserID, &r.Role, &r.Content, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	return recs, nil
}

// UpsertProfile implements [store.ProfileStore].
func (s *Store) UpsertProfile(ctx context.Context, p store.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("postgres store: upsert profile: empty id")
	}

	const q = `
		INSERT INTO profiles (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email`

	if _, err := s.pool.Exec(ctx, q, p.ID, p.Email); err != nil {
		return fmt.Errorf("postgres store: upsert profile: %w", err)
	}
	return nil
}

// ListProfiles implements [store.ProfileStore].
func (s *Store) ListProfiles(ctx context.Context) ([]store.Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, email, created_at FROM profiles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list profiles: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, pgx.RowToStructByPos[store.Profile])
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan profiles: %w", err)
	}
	return profiles, nil
}

// Ping verifies that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
