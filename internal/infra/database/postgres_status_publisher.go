package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"realtime_polls/internal/domain/poll"
)

// PostgresStatusPublisher republishes committed status changes as JSON on a
// NOTIFY channel, for whatever pushes them on to clients.
type PostgresStatusPublisher struct {
	db      *sql.DB
	channel string
}

func NewPostgresStatusPublisher(db *sql.DB, channel string) *PostgresStatusPublisher {
	return &PostgresStatusPublisher{db: db, channel: channel}
}

func (p *PostgresStatusPublisher) PublishStatusChange(ctx context.Context, change poll.StatusChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode status change: %w", err)
	}
	if err := notify(ctx, p.db, p.channel, string(payload)); err != nil {
		return storeErr("error publishing status change", err)
	}
	return nil
}
