package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realtime_polls/internal/domain/poll"
)

const pollColumns = `id, question, start_date, end_date, status, created_at, updated_at`

// PostgresPollRepository writes polls together with their pending
// transitions and announces each new transition on the update channel.
type PostgresPollRepository struct {
	db      *sql.DB
	channel string
	loc     *time.Location
	now     func() time.Time
}

func NewPostgresPollRepository(db *sql.DB, announceChannel string, loc *time.Location) *PostgresPollRepository {
	if loc == nil {
		loc = time.Local
	}
	return &PostgresPollRepository{db: db, channel: announceChannel, loc: loc, now: time.Now}
}

func (r *PostgresPollRepository) scan(row rowScanner) (*poll.Poll, error) {
	p := &poll.Poll{}
	if err := row.Scan(&p.ID, &p.Question, &p.StartDate, &p.EndDate, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.StartDate = p.StartDate.In(r.loc)
	p.EndDate = p.EndDate.In(r.loc)
	return p, nil
}

func (r *PostgresPollRepository) Create(ctx context.Context, p *poll.Poll) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("failed to begin transaction", err)
	}
	defer txn.Rollback() // Rollback if not committed

	query := `INSERT INTO poll (question, start_date, end_date, status)
               VALUES ($1, $2, $3, $4)
               RETURNING id, created_at, updated_at`
	err = txn.QueryRowContext(ctx, query, p.Question, p.StartDate, p.EndDate, p.Status).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return storeErr("error creating poll", err)
	}

	if err := r.scheduleTransitions(ctx, txn, p); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return storeErr("failed to commit poll", err)
	}
	return nil
}

// Update stores question and dates, then replaces the pending transitions.
// Already processed transitions are history and stay.
func (r *PostgresPollRepository) Update(ctx context.Context, p *poll.Poll) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("failed to begin transaction", err)
	}
	defer txn.Rollback()

	query := `UPDATE poll
               SET question = $1, start_date = $2, end_date = $3, status = $4, updated_at = NOW()
               WHERE id = $5
               RETURNING updated_at`
	err = txn.QueryRowContext(ctx, query, p.Question, p.StartDate, p.EndDate, p.Status, p.ID).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return poll.ErrPollNotFound
		}
		return storeErr("error updating poll", err)
	}

	if _, err := txn.ExecContext(ctx,
		`DELETE FROM status_to_update WHERE poll_id = $1 AND processed_at IS NULL`, p.ID); err != nil {
		return storeErr("error dropping pending transitions", err)
	}
	if err := r.scheduleTransitions(ctx, txn, p); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return storeErr("failed to commit poll update", err)
	}
	return nil
}

func (r *PostgresPollRepository) scheduleTransitions(ctx context.Context, txn *sql.Tx, p *poll.Poll) error {
	query := `INSERT INTO status_to_update (poll_id, current_status, next_status, scheduled_date)
               VALUES ($1, $2, $3, $4)
               RETURNING id`
	for _, t := range p.PlanTransitions(r.now()) {
		if err := txn.QueryRowContext(ctx, query, t.PollID, t.CurrentStatus, t.NextStatus, t.ScheduledAt).Scan(&t.ID); err != nil {
			return storeErr("error scheduling transition", err)
		}
		if err := notify(ctx, txn, r.channel, poll.NewAnnouncement(t).Encode(r.loc)); err != nil {
			return storeErr("error announcing transition", err)
		}
	}
	return nil
}

// Delete removes the poll. Its transitions cascade; an armed timer for one of
// them finds nothing when it fires.
func (r *PostgresPollRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM poll WHERE id = $1`, id)
	if err != nil {
		return storeErr("error deleting poll", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("error deleting poll", err)
	}
	if n == 0 {
		return poll.ErrPollNotFound
	}
	return nil
}

func (r *PostgresPollRepository) GetByID(ctx context.Context, id int64) (*poll.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM poll WHERE id = $1`
	p, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, poll.ErrPollNotFound
		}
		return nil, storeErr(fmt.Sprintf("error getting poll %d", id), err)
	}
	return p, nil
}

func (r *PostgresPollRepository) ListByStatus(ctx context.Context, status poll.Status) ([]*poll.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM poll WHERE status = $1 ORDER BY start_date, id`
	return r.list(ctx, "error listing polls by status", query, status)
}

func (r *PostgresPollRepository) ListAll(ctx context.Context) ([]*poll.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM poll ORDER BY id`
	return r.list(ctx, "error listing polls", query)
}

func (r *PostgresPollRepository) list(ctx context.Context, op, query string, args ...any) ([]*poll.Poll, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	polls := make([]*poll.Poll, 0)
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, storeErr("error scanning poll", err)
		}
		polls = append(polls, p)
	}
	if err = rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return polls, nil
}

// RecalculateStatus derives the status from the dates at database time.
func (r *PostgresPollRepository) RecalculateStatus(ctx context.Context, id int64) error {
	query := `UPDATE poll
               SET status = CASE
                   WHEN NOW() < start_date THEN 'NOT_STARTED'
                   WHEN NOW() < end_date THEN 'STARTED'
                   ELSE 'FINISHED'
               END
               WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return storeErr("error recalculating poll status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("error recalculating poll status", err)
	}
	if n == 0 {
		return poll.ErrPollNotFound
	}
	return nil
}
