package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateSchema creates the poll and transition tables.
// Safe to call multiple times - uses IF NOT EXISTS.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS poll (
    id BIGSERIAL PRIMARY KEY,
    question TEXT NOT NULL,
    start_date TIMESTAMPTZ NOT NULL,
    end_date TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL DEFAULT 'NOT_STARTED'
        CHECK (status IN ('NOT_STARTED', 'STARTED', 'FINISHED')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (start_date < end_date)
);

CREATE INDEX IF NOT EXISTS idx_poll_status ON poll(status);

-- One row per scheduled status change; processed_at stays NULL until applied.
CREATE TABLE IF NOT EXISTS status_to_update (
    id BIGSERIAL PRIMARY KEY,
    poll_id BIGINT NOT NULL REFERENCES poll(id) ON DELETE CASCADE,
    current_status TEXT NOT NULL,
    next_status TEXT NOT NULL,
    scheduled_date TIMESTAMPTZ NOT NULL,
    processed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_status_to_update_poll_id ON status_to_update(poll_id);
CREATE INDEX IF NOT EXISTS idx_status_to_update_pending
    ON status_to_update(scheduled_date, id) WHERE processed_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uq_status_to_update_pending
    ON status_to_update(poll_id, current_status, next_status) WHERE processed_at IS NULL;
`
