// internal/domain/poll/status.go
package poll

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a poll.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusStarted    Status = "STARTED"
	StatusFinished   Status = "FINISHED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusStarted, StatusFinished:
		return true
	default:
		return false
	}
}

// Before reports whether s comes earlier than o in the poll lifecycle.
func (s Status) Before(o Status) bool {
	return s.rank() < o.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusStarted:
		return 1
	case StatusFinished:
		return 2
	default:
		return -1
	}
}

// ParseStatus accepts any casing ("started", "STARTED").
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// StatusAt returns the status a poll with the given date range has at instant now.
// start is inclusive, end is exclusive.
func StatusAt(now, start, end time.Time) Status {
	switch {
	case now.Before(start):
		return StatusNotStarted
	case now.Before(end):
		return StatusStarted
	default:
		return StatusFinished
	}
}
