// internal/domain/poll/announcement.go
package poll

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AnnouncementLayout is the wire format of the deadline: a local date-time
// with second precision.
const AnnouncementLayout = "2006-01-02T15:04:05"

// Accepted deadline shapes. Fractional seconds are accepted by every layout
// when parsing; the zone-carrying ones come first so an offset is never dropped.
var announcementLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z07",
	AnnouncementLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// Announcement says "transition TransitionID is due at ScheduledAt".
// Writers publish it whenever a pending transition is created or replaced.
type Announcement struct {
	TransitionID int64
	ScheduledAt  time.Time
}

// NewAnnouncement builds the announcement for t.
func NewAnnouncement(t *Transition) Announcement {
	return Announcement{TransitionID: t.ID, ScheduledAt: t.ScheduledAt.Truncate(time.Second)}
}

// Encode renders "<id>|<local date-time>" using loc for the local clock.
func (a Announcement) Encode(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return fmt.Sprintf("%d|%s", a.TransitionID, a.ScheduledAt.In(loc).Format(AnnouncementLayout))
}

// ParseAnnouncement decodes "<id>|<date-time>". Date-times without a zone are
// read in loc; the result is truncated to whole seconds.
func ParseAnnouncement(payload string, loc *time.Location) (Announcement, error) {
	if loc == nil {
		loc = time.Local
	}
	rawID, rawAt, ok := strings.Cut(strings.TrimSpace(payload), "|")
	if !ok {
		return Announcement{}, fmt.Errorf("%w: missing '|' separator in %q", ErrMalformedPayload, payload)
	}

	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil {
		return Announcement{}, fmt.Errorf("%w: invalid transition id %q: %w", ErrMalformedPayload, rawID, err)
	}

	at, err := parseDeadline(strings.TrimSpace(rawAt), loc)
	if err != nil {
		return Announcement{}, fmt.Errorf("%w: invalid deadline %q: %w", ErrMalformedPayload, rawAt, err)
	}

	return Announcement{TransitionID: id, ScheduledAt: at}, nil
}

func parseDeadline(raw string, loc *time.Location) (time.Time, error) {
	var firstErr error
	for _, layout := range announcementLayouts {
		at, err := time.ParseInLocation(layout, raw, loc)
		if err == nil {
			return at.In(loc).Truncate(time.Second), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
