// internal/domain/poll/poll.go
package poll

import "time"

// Poll is a time-bounded question whose Status follows its date range.
// Corresponds to the 'poll' table.
type Poll struct {
	ID        int64
	Question  string
	StartDate time.Time // inclusive
	EndDate   time.Time // exclusive
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlanTransitions returns the pending transitions the poll needs at instant now.
// A poll that has not started yet gets both edges, a running poll only the
// finishing one, a finished poll none.
func (p *Poll) PlanTransitions(now time.Time) []*Transition {
	var planned []*Transition
	if now.Before(p.StartDate) {
		planned = append(planned, &Transition{
			PollID:        p.ID,
			CurrentStatus: StatusNotStarted,
			NextStatus:    StatusStarted,
			ScheduledAt:   p.StartDate,
		})
	}
	if now.Before(p.EndDate) {
		planned = append(planned, &Transition{
			PollID:        p.ID,
			CurrentStatus: StatusStarted,
			NextStatus:    StatusFinished,
			ScheduledAt:   p.EndDate,
		})
	}
	return planned
}
