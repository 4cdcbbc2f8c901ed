// Package postgres provides a PostgreSQL-backed persistence sink for
// conversation turns.
//
// All operations share a single [pgxpool.Pool]. [Migrate] creates the profiles
// and messages tables and is safe to run on every start.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.Insert(ctx, store.Record{UserID: "u-1", Role: "user", Content: "hi"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    id          TEXT         PRIMARY KEY,
    email       TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id          UUID         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL CHECK (role IN ('user', 'assistant')),
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_user_created
    ON messages (user_id, created_at);
`

// Migrate ensures the profiles and messages tables exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlProfiles, ddlMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
