package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realtime_polls/internal/domain/poll"
)

const transitionColumns = `id, poll_id, current_status, next_status, scheduled_date, processed_at`

type PostgresTransitionRepository struct {
	db  *sql.DB
	loc *time.Location
}

func NewPostgresTransitionRepository(db *sql.DB, loc *time.Location) *PostgresTransitionRepository {
	if loc == nil {
		loc = time.Local
	}
	return &PostgresTransitionRepository{db: db, loc: loc}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresTransitionRepository) scan(row rowScanner) (*poll.Transition, error) {
	t := &poll.Transition{}
	if err := row.Scan(&t.ID, &t.PollID, &t.CurrentStatus, &t.NextStatus, &t.ScheduledAt, &t.ProcessedAt); err != nil {
		return nil, err
	}
	t.ScheduledAt = t.ScheduledAt.In(r.loc)
	if t.ProcessedAt.Valid {
		t.ProcessedAt.Time = t.ProcessedAt.Time.In(r.loc)
	}
	return t, nil
}

func (r *PostgresTransitionRepository) list(ctx context.Context, op, query string, args ...any) ([]*poll.Transition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	transitions := make([]*poll.Transition, 0)
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, storeErr("error scanning transition", err)
		}
		transitions = append(transitions, t)
	}
	if err = rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return transitions, nil
}

func (r *PostgresTransitionRepository) FindPendingBefore(ctx context.Context, now time.Time) ([]*poll.Transition, error) {
	query := `SELECT ` + transitionColumns + `
               FROM status_to_update
               WHERE processed_at IS NULL AND scheduled_date <= $1
               ORDER BY scheduled_date, id`
	return r.list(ctx, "error listing due transitions", query, now)
}

func (r *PostgresTransitionRepository) FindEarliestPending(ctx context.Context) (*poll.Transition, error) {
	query := `SELECT ` + transitionColumns + `
               FROM status_to_update
               WHERE processed_at IS NULL
               ORDER BY scheduled_date, id
               LIMIT 1`
	t, err := r.scan(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, poll.ErrTransitionNotFound
		}
		return nil, storeErr("error finding earliest pending transition", err)
	}
	return t, nil
}

func (r *PostgresTransitionRepository) FindByID(ctx context.Context, id int64) (*poll.Transition, error) {
	query := `SELECT ` + transitionColumns + ` FROM status_to_update WHERE id = $1`
	t, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, poll.ErrTransitionNotFound
		}
		return nil, storeErr(fmt.Sprintf("error getting transition %d", id), err)
	}
	return t, nil
}

func (r *PostgresTransitionRepository) FindAllForPoll(ctx context.Context, pollID int64) ([]*poll.Transition, error) {
	query := `SELECT ` + transitionColumns + `
               FROM status_to_update
               WHERE poll_id = $1
               ORDER BY scheduled_date, id`
	return r.list(ctx, "error listing transitions of poll", query, pollID)
}

// MarkProcessedAndApplyStatus locks the poll row first, the same order the
// poll writers use, then stamps the transition and moves the status forward.
func (r *PostgresTransitionRepository) MarkProcessedAndApplyStatus(ctx context.Context, t *poll.Transition) (*poll.StatusChange, error) {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("failed to begin transaction", err)
	}
	defer txn.Rollback() // Rollback if not committed

	var current poll.Status
	err = txn.QueryRowContext(ctx, `SELECT status FROM poll WHERE id = $1 FOR UPDATE`, t.PollID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, poll.ErrTransitionNotFound
		}
		return nil, storeErr("error locking poll", err)
	}

	var processedAt time.Time
	err = txn.QueryRowContext(ctx,
		`UPDATE status_to_update SET processed_at = NOW()
               WHERE id = $1 AND processed_at IS NULL
               RETURNING processed_at`, t.ID).Scan(&processedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, storeErr("error marking transition processed", err)
		}
		var exists bool
		if err := txn.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM status_to_update WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return nil, storeErr("error checking transition", err)
		}
		if exists {
			return nil, poll.ErrTransitionProcessed
		}
		return nil, poll.ErrTransitionNotFound
	}

	var change *poll.StatusChange
	if !t.NextStatus.Before(current) {
		if _, err := txn.ExecContext(ctx,
			`UPDATE poll SET status = $1, updated_at = NOW() WHERE id = $2`, t.NextStatus, t.PollID); err != nil {
			return nil, storeErr("error applying poll status", err)
		}
		change = &poll.StatusChange{
			PollID:     t.PollID,
			FromStatus: current,
			ToStatus:   t.NextStatus,
			Timestamp:  processedAt.In(r.loc),
		}
	}

	if err := txn.Commit(); err != nil {
		return nil, storeErr("failed to commit transition", err)
	}
	return change, nil
}
