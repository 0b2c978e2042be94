package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/telebot.v3"

	"realtime_polls/internal/domain/poll"
)

// Client sends chat messages. It keeps application code off the bot library.
type Client interface {
	SendMessage(chatID int64, text string, options *telebot.SendOptions) error
}

const (
	// RefreshCallbackPrefix starts the callback data of the refresh button.
	RefreshCallbackPrefix = "poll_refresh_"
	dateLayout            = "2006-01-02 15:04:05 MST"
)

// RefreshButton returns an inline keyboard that re-reads the poll's status.
func RefreshButton(pollID int64) *telebot.ReplyMarkup {
	btn := telebot.InlineButton{
		Text: "🔄 Refresh",
		Data: RefreshCallbackPrefix + strconv.FormatInt(pollID, 10),
	}
	return &telebot.ReplyMarkup{InlineKeyboard: [][]telebot.InlineButton{{btn}}}
}

// ParseRefreshCallback extracts the poll id from refresh button data.
func ParseRefreshCallback(data string) (int64, bool) {
	raw, ok := strings.CutPrefix(data, RefreshCallbackPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func FormatStatusChange(c poll.StatusChange, loc *time.Location) string {
	return fmt.Sprintf("Poll #%d: %s → %s\nat %s",
		c.PollID, c.FromStatus, c.ToStatus, c.Timestamp.In(loc).Format(dateLayout))
}

func FormatPoll(p *poll.Poll, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Poll #%d [%s]\n%s\n", p.ID, p.Status, p.Question)
	fmt.Fprintf(&b, "Starts: %s\n", p.StartDate.In(loc).Format(dateLayout))
	fmt.Fprintf(&b, "Ends:   %s", p.EndDate.In(loc).Format(dateLayout))
	return b.String()
}

func FormatTransition(t *poll.Transition, loc *time.Location) string {
	state := "pending"
	if !t.Pending() {
		state = "done " + t.ProcessedAt.Time.In(loc).Format(dateLayout)
	}
	return fmt.Sprintf("#%d %s → %s at %s (%s)",
		t.ID, t.CurrentStatus, t.NextStatus, t.ScheduledAt.In(loc).Format(dateLayout), state)
}
