// internal/domain/poll/repository.go
package poll

import (
	"context"
	"time"
)

// TransitionStore is what the status scheduler needs from persistence.
// All methods are transactionally consistent; failures wrap ErrStore.
type TransitionStore interface {
	// FindPendingBefore lists unprocessed transitions due at or before now, oldest first.
	FindPendingBefore(ctx context.Context, now time.Time) ([]*Transition, error)
	// FindEarliestPending returns ErrTransitionNotFound when nothing is pending.
	FindEarliestPending(ctx context.Context) (*Transition, error)
	FindByID(ctx context.Context, id int64) (*Transition, error)
	// MarkProcessedAndApplyStatus sets the poll status and stamps processed_at in
	// one transaction. It returns ErrTransitionProcessed if someone else won,
	// and a nil change when the poll had already moved past NextStatus.
	// A poll that already sits in NextStatus still yields a change.
	MarkProcessedAndApplyStatus(ctx context.Context, t *Transition) (*StatusChange, error)
	FindAllForPoll(ctx context.Context, pollID int64) ([]*Transition, error)
}

// Repository persists polls. Writers keep the poll's pending transitions in
// line with its dates and announce every fresh transition.
type Repository interface {
	Create(ctx context.Context, p *Poll) error
	GetByID(ctx context.Context, id int64) (*Poll, error)
	ListByStatus(ctx context.Context, status Status) ([]*Poll, error)
	ListAll(ctx context.Context) ([]*Poll, error)
	// Update stores the question and date range and rewrites pending transitions.
	Update(ctx context.Context, p *Poll) error
	Delete(ctx context.Context, id int64) error
	// RecalculateStatus recomputes the stored status from the dates.
	RecalculateStatus(ctx context.Context, id int64) error
}

// StatusPublisher receives committed status changes.
type StatusPublisher interface {
	PublishStatusChange(ctx context.Context, change StatusChange) error
}
