package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"

	"realtime_polls/internal/app"
	"realtime_polls/internal/domain/poll"
	domainTelegram "realtime_polls/internal/domain/telegram"
)

const maxListedPolls = 30

var inputLayouts = []string{"2006-01-02T15:04", "2006-01-02T15:04:05", "2006-01-02"}

// PollAdmin is the poll management surface of app.PollService.
type PollAdmin interface {
	Create(ctx context.Context, question string, start, end time.Time) (*poll.Poll, error)
	Edit(ctx context.Context, id int64, edit app.PollEdit) (*poll.Poll, error)
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*poll.Poll, error)
	ListByStatus(ctx context.Context, status poll.Status) ([]*poll.Poll, error)
}

// SchedulerAdmin exposes the scheduler state to operators.
type SchedulerAdmin interface {
	CurrentlyArmed() (*poll.Transition, bool)
	CatchUpAndArm(ctx context.Context) error
}

type TransitionLister interface {
	FindAllForPoll(ctx context.Context, pollID int64) ([]*poll.Transition, error)
}

type commandFunc func(ctx context.Context, c telebot.Context, log *logrus.Entry) error

// AdminHandlers serves the operator commands. Only the configured admin may
// use them.
type AdminHandlers struct {
	polls       PollAdmin
	scheduler   SchedulerAdmin
	transitions TransitionLister
	adminID     int64
	loc         *time.Location
	logger      *logrus.Entry
}

func NewAdminHandlers(
	polls PollAdmin,
	scheduler SchedulerAdmin,
	transitions TransitionLister,
	adminTelegramID int64,
	loc *time.Location,
	baseLogger *logrus.Entry,
) *AdminHandlers {
	if loc == nil {
		loc = time.Local
	}
	return &AdminHandlers{
		polls:       polls,
		scheduler:   scheduler,
		transitions: transitions,
		adminID:     adminTelegramID,
		loc:         loc,
		logger:      baseLogger.WithField("handler_group", "admin"),
	}
}

func (h *AdminHandlers) commands() map[string]commandFunc {
	return map[string]commandFunc{
		"/armed":           h.armed,
		"/catchup":         h.catchUp,
		"/poll":            h.showPoll,
		"/polls":           h.listPolls,
		"/new_poll":        h.newPoll,
		"/reschedule_poll": h.reschedulePoll,
		"/delete_poll":     h.deletePoll,
	}
}

// Register binds every admin command and the refresh callback to the bot.
func (h *AdminHandlers) Register(ctx context.Context, b *telebot.Bot) {
	for command, fn := range h.commands() {
		b.Handle(command, func(c telebot.Context) error {
			return h.run(ctx, command, fn, c)
		})
	}
	b.Handle(telebot.OnCallback, func(c telebot.Context) error {
		return h.refresh(ctx, c)
	})
}

func (h *AdminHandlers) run(ctx context.Context, command string, fn commandFunc, c telebot.Context) error {
	handlerLogger := h.logger.WithFields(logrus.Fields{
		"handler":   command,
		"sender_id": c.Sender().ID,
	})
	handlerLogger.Info("Command received")

	if c.Sender().ID != h.adminID {
		handlerLogger.Warn("Unauthorized access attempt")
		return c.Send("Error: you are not allowed to use this command.")
	}
	return fn(ctx, c, handlerLogger)
}

func (h *AdminHandlers) armed(_ context.Context, c telebot.Context, _ *logrus.Entry) error {
	return c.Send(h.armedText())
}

func (h *AdminHandlers) armedText() string {
	t, ok := h.scheduler.CurrentlyArmed()
	if !ok {
		return "No transition is armed."
	}
	return "Armed: " + domainTelegram.FormatTransition(t, h.loc)
}

func (h *AdminHandlers) catchUp(ctx context.Context, c telebot.Context, log *logrus.Entry) error {
	if err := h.scheduler.CatchUpAndArm(ctx); err != nil {
		log.WithError(err).Error("Manual catch-up failed")
		return c.Send(fmt.Sprintf("Catch-up failed: %s", err.Error()))
	}
	log.Info("Manual catch-up done")
	return c.Send("Catch-up done.\n" + h.armedText())
}

func (h *AdminHandlers) showPoll(ctx context.Context, c telebot.Context, log *logrus.Entry) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /poll <id>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return c.Send("Error: poll id must be a positive number.")
	}

	p, err := h.polls.Get(ctx, id)
	if err != nil {
		return h.replyPollError(c, log.WithField("poll_id", id), id, err)
	}
	transitions, err := h.transitions.FindAllForPoll(ctx, id)
	if err != nil {
		log.WithError(err).WithField("poll_id", id).Error("Failed to list transitions")
		return c.Send("An error occurred while reading the poll's transitions.")
	}

	var text strings.Builder
	text.WriteString(domainTelegram.FormatPoll(p, h.loc))
	if len(transitions) > 0 {
		text.WriteString("\n\nTransitions:")
		for _, t := range transitions {
			text.WriteString("\n")
			text.WriteString(domainTelegram.FormatTransition(t, h.loc))
		}
	}
	return c.Send(text.String(), &telebot.SendOptions{ReplyMarkup: domainTelegram.RefreshButton(id)})
}

func (h *AdminHandlers) listPolls(ctx context.Context, c telebot.Context, log *logrus.Entry) error {
	args := c.Args()
	var status poll.Status
	if len(args) > 1 {
		return c.Send("Usage: /polls [NOT_STARTED|STARTED|FINISHED]")
	}
	if len(args) == 1 {
		var ok bool
		if status, ok = poll.ParseStatus(args[0]); !ok {
			return c.Send("Unknown status. Use NOT_STARTED, STARTED or FINISHED.")
		}
	}

	polls, err := h.polls.ListByStatus(ctx, status)
	if err != nil {
		log.WithError(err).Error("Failed to list polls")
		return c.Send("An error occurred while listing polls.")
	}
	if len(polls) == 0 {
		return c.Send("No polls.")
	}

	var text strings.Builder
	for i, p := range polls {
		if i == maxListedPolls {
			fmt.Fprintf(&text, "...and %d more", len(polls)-maxListedPolls)
			break
		}
		fmt.Fprintf(&text, "#%d [%s] %s\n", p.ID, p.Status, p.Question)
	}
	return c.Send(strings.TrimRight(text.String(), "\n"))
}

func (h *AdminHandlers) newPoll(ctx context.Context, c telebot.Context, log *logrus.Entry) error {
	args := c.Args()
	// /new_poll <start> <end> <question...>
	if len(args) < 3 {
		return c.Send("Usage: /new_poll <start> <end> <question>\nDates look like 2025-06-01T10:00")
	}
	start, err := h.parseTime(args[0])
	if err != nil {
		return c.Send("Error: cannot read the start date.")
	}
	end, err := h.parseTime(args[1])
	if err != nil {
		return c.Send("Error: cannot read the end date.")
	}

	p, err := h.polls.Create(ctx, strings.Join(args[2:], " "), start, end)
	if err != nil {
		return h.replyPollError(c, log, 0, err)
	}
	log.WithField("poll_id", p.ID).Info("Poll created from chat")
	return c.Send("Created.\n"+domainTelegram.FormatPoll(p, h.loc), &telebot.SendOptions{ReplyMarkup: domainTelegram.RefreshButton(p.ID)})
}

func (h *AdminHandlers) reschedulePoll(ctx context.Context, c telebot.Context, log *logrus.Entry) error {
	args := c.Args()
	if len(args) != 3 {
		return c.Send("Usage: /reschedule_poll <id> <start> <end>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return c.Send("Error: poll id must be a positive number.")
	}
	start, err := h.parseTime(args[1])
	if err != nil {
		return c.Send("Error: cannot read the start date.")
	}
	end, err := h.parseTime(args[2])
	if err != nil {
		return c.Send("Error: cannot read the end date.")
	}

	p, err := h.polls.Edit(ctx, id, app.PollEdit{StartDate: &start, EndDate: &end})
	if err != nil {
		return h.replyPollError(c, log.WithField("poll_id", id), id, err)
	}
	log.WithField("poll_id", id).Info("Poll rescheduled from chat")
	return c.Send("Rescheduled.\n" + domainTelegram.FormatPoll(p, h.loc))
}

func (h *AdminHandlers) deletePoll(ctx context.Context, c telebot.Context, log *logrus.Entry) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /delete_poll <id>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return c.Send("Error: poll id must be a positive number.")
	}
	if err := h.polls.Delete(ctx, id); err != nil {
		return h.replyPollError(c, log.WithField("poll_id", id), id, err)
	}
	log.WithField("poll_id", id).Info("Poll deleted from chat")
	return c.Send(fmt.Sprintf("Poll #%d deleted.", id))
}

// refresh answers the inline button under status messages with the current
// state of the poll.
func (h *AdminHandlers) refresh(ctx context.Context, c telebot.Context) error {
	data := c.Callback().Data
	log := h.logger.WithFields(logrus.Fields{
		"handler":   "refresh",
		"sender_id": c.Sender().ID,
	})

	id, ok := domainTelegram.ParseRefreshCallback(data)
	if !ok {
		log.WithField("data", data).Warn("Unhandled callback")
		return c.Respond(&telebot.CallbackResponse{Text: "Unknown action."})
	}
	if c.Sender().ID != h.adminID {
		log.Warn("Unauthorized refresh attempt")
		return c.Respond(&telebot.CallbackResponse{Text: "Not allowed."})
	}

	p, err := h.polls.Get(ctx, id)
	if errors.Is(err, poll.ErrPollNotFound) {
		return c.Respond(&telebot.CallbackResponse{Text: fmt.Sprintf("Poll #%d no longer exists.", id)})
	}
	if err != nil {
		log.WithError(err).WithField("poll_id", id).Error("Failed to refresh poll")
		return c.Respond(&telebot.CallbackResponse{Text: "An error occurred."})
	}

	err = c.Edit(domainTelegram.FormatPoll(p, h.loc), &telebot.SendOptions{ReplyMarkup: domainTelegram.RefreshButton(id)})
	if err != nil && !strings.Contains(err.Error(), "message is not modified") {
		log.WithError(err).WithField("poll_id", id).Warn("Failed to edit message")
	}
	return c.Respond(&telebot.CallbackResponse{Text: string(p.Status)})
}

func (h *AdminHandlers) replyPollError(c telebot.Context, log *logrus.Entry, id int64, err error) error {
	logWithError := log.WithError(err)
	switch {
	case errors.Is(err, poll.ErrPollNotFound):
		logWithError.Warn("Poll not found")
		return c.Send(fmt.Sprintf("Poll #%d not found.", id))
	case errors.Is(err, app.ErrEmptyQuestion):
		return c.Send("Error: the question must not be empty.")
	case errors.Is(err, app.ErrInvalidDateRange):
		return c.Send("Error: the start date must be before the end date.")
	case errors.Is(err, app.ErrPollNotEditable):
		logWithError.Warn("Edit of a running poll refused")
		return c.Send("Error: only polls that have not started can be changed.")
	default:
		logWithError.Error("Poll command failed")
		return c.Send(fmt.Sprintf("An error occurred: %s", err.Error()))
	}
}

func (h *AdminHandlers) parseTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range inputLayouts {
		t, err := time.ParseInLocation(layout, raw, h.loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive, got %d", id)
	}
	return id, nil
}
