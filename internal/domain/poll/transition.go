// internal/domain/poll/transition.go
package poll

import (
	"database/sql"
	"fmt"
	"time"
)

// Transition is a scheduled status change of one poll.
// Corresponds to the 'status_to_update' table.
type Transition struct {
	ID            int64
	PollID        int64 // Foreign Key to poll.id, cascades on delete
	CurrentStatus Status
	NextStatus    Status
	ScheduledAt   time.Time
	ProcessedAt   sql.NullTime // NULL while pending
}

// Pending reports whether the transition has not been applied yet.
func (t *Transition) Pending() bool {
	return !t.ProcessedAt.Valid
}

// Due reports whether the transition should already have been applied at now.
func (t *Transition) Due(now time.Time) bool {
	return !t.ScheduledAt.After(now)
}

func (t *Transition) String() string {
	if t == nil {
		return "<none>"
	}
	return fmt.Sprintf("transition %d (poll %d, %s -> %s at %s)",
		t.ID, t.PollID, t.CurrentStatus, t.NextStatus, t.ScheduledAt.Format(time.RFC3339))
}

// StatusChange is emitted once a transition has been committed.
type StatusChange struct {
	PollID     int64     `json:"pollId"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Timestamp  time.Time `json:"timestamp"`
}
