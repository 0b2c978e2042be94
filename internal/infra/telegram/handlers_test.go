package telegram

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gopkg.in/telebot.v3"

	"realtime_polls/internal/app"
	"realtime_polls/internal/domain/poll"
	domainTelegram "realtime_polls/internal/domain/telegram"
)

const adminID = int64(1001)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// fakeContext implements the parts of telebot.Context the handlers touch.
type fakeContext struct {
	telebot.Context
	sender    *telebot.User
	args      []string
	callback  *telebot.Callback
	sent      []string
	sendOpts  [][]interface{}
	edited    []string
	responses []*telebot.CallbackResponse
}

func (f *fakeContext) Sender() *telebot.User { return f.sender }
func (f *fakeContext) Args() []string { return f.args }
func (f *fakeContext) Callback() *telebot.Callback { return f.callback }

func (f *fakeContext) Send(what interface{}, opts ...interface{}) error {
	f.sent = append(f.sent, fmt.Sprint(what))
	f.sendOpts = append(f.sendOpts, opts)
	return nil
}

func (f *fakeContext) Edit(what interface{}, _ ...interface{}) error {
	f.edited = append(f.edited, fmt.Sprint(what))
	return nil
}

func (f *fakeContext) Respond(resp ...*telebot.CallbackResponse) error {
	f.responses = append(f.responses, resp...)
	return nil
}

func (f *fakeContext) lastSent(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func adminCtx(args ...string) *fakeContext {
	return &fakeContext{sender: &telebot.User{ID: adminID, FirstName: "Ada"}, args: args}
}

type fakePolls struct {
	polls   map[int64]*poll.Poll
	created []string
	edits   []app.PollEdit
	deleted []int64
	err     error
}

func (f *fakePolls) Create(_ context.Context, question string, start, end time.Time) (*poll.Poll, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, question)
	p := &poll.Poll{ID: int64(len(f.polls) + 1), Question: question, StartDate: start, EndDate: end, Status: poll.StatusNotStarted}
	f.polls[p.ID] = p
	return p, nil
}

func (f *fakePolls) Edit(_ context.Context, id int64, edit app.PollEdit) (*poll.Poll, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.polls[id]
	if !ok {
		return nil, poll.ErrPollNotFound
	}
	f.edits = append(f.edits, edit)
	p.StartDate, p.EndDate = *edit.StartDate, *edit.EndDate
	return p, nil
}

func (f *fakePolls) Delete(_ context.Context, id int64) error {
	if _, ok := f.polls[id]; !ok {
		return poll.ErrPollNotFound
	}
	delete(f.polls, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakePolls) Get(_ context.Context, id int64) (*poll.Poll, error) {
	p, ok := f.polls[id]
	if !ok {
		return nil, poll.ErrPollNotFound
	}
	return p, nil
}

func (f *fakePolls) ListByStatus(_ context.Context, status poll.Status) ([]*poll.Poll, error) {
	var out []*poll.Poll
	for id := int64(1); id <= int64(len(f.polls))+10; id++ {
		if p, ok := f.polls[id]; ok && (status == "" || p.Status == status) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeScheduler struct {
	armed    *poll.Transition
	catchUps int
	err      error
}

func (f *fakeScheduler) CurrentlyArmed() (*poll.Transition, bool) { return f.armed, f.armed != nil }

func (f *fakeScheduler) CatchUpAndArm(context.Context) error {
	f.catchUps++
	return f.err
}

type fakeTransitions map[int64][]*poll.Transition

func (f fakeTransitions) FindAllForPoll(_ context.Context, pollID int64) ([]*poll.Transition, error) {
	return f[pollID], nil
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newAdmin() (*AdminHandlers, *fakePolls, *fakeScheduler) {
	polls := &fakePolls{polls: map[int64]*poll.Poll{
		1: {ID: 1, Question: "Lunch?", StartDate: t0, EndDate: t0.Add(time.Hour), Status: poll.StatusStarted},
		2: {ID: 2, Question: "Dinner?", StartDate: t0.Add(5 * time.Hour), EndDate: t0.Add(6 * time.Hour), Status: poll.StatusNotStarted},
	}}
	sched := &fakeScheduler{}
	transitions := fakeTransitions{1: {
		{ID: 10, PollID: 1, CurrentStatus: poll.StatusNotStarted, NextStatus: poll.StatusStarted, ScheduledAt: t0,
			ProcessedAt: sql.NullTime{Time: t0, Valid: true}},
		{ID: 11, PollID: 1, CurrentStatus: poll.StatusStarted, NextStatus: poll.StatusFinished, ScheduledAt: t0.Add(time.Hour)},
	}}
	return NewAdminHandlers(polls, sched, transitions, adminID, time.UTC, quietLogger()), polls, sched
}

func runCommand(t *testing.T, h *AdminHandlers, command string, c *fakeContext) {
	t.Helper()
	fn, ok := h.commands()[command]
	require.True(t, ok, command)
	require.NoError(t, h.run(context.Background(), command, fn, c))
}

func TestAdminCommandsRejectStrangers(t *testing.T) {
	h, polls, sched := newAdmin()
	for command := range h.commands() {
		c := &fakeContext{sender: &telebot.User{ID: 7}, args: []string{"1"}}
		runCommand(t, h, command, c)
		assert.Contains(t, c.lastSent(t), "not allowed", command)
	}
	assert.Len(t, polls.polls, 2)
	assert.Zero(t, sched.catchUps)
}

func TestArmedCommand(t *testing.T) {
	h, _, sched := newAdmin()

	c := adminCtx()
	runCommand(t, h, "/armed", c)
	assert.Equal(t, "No transition is armed.", c.lastSent(t))

	sched.armed = &poll.Transition{ID: 11, PollID: 1, CurrentStatus: poll.StatusStarted, NextStatus: poll.StatusFinished, ScheduledAt: t0.Add(time.Hour)}
	c = adminCtx()
	runCommand(t, h, "/armed", c)
	assert.Contains(t, c.lastSent(t), "#11 STARTED → FINISHED")
}

func TestCatchUpCommand(t *testing.T) {
	h, _, sched := newAdmin()

	c := adminCtx()
	runCommand(t, h, "/catchup", c)
	assert.Equal(t, 1, sched.catchUps)
	assert.Contains(t, c.lastSent(t), "Catch-up done.")

	sched.err = errors.New("store unreachable")
	c = adminCtx()
	runCommand(t, h, "/catchup", c)
	assert.Contains(t, c.lastSent(t), "store unreachable")
}

func TestPollCommandShowsTransitions(t *testing.T) {
	h, _, _ := newAdmin()

	c := adminCtx("1")
	runCommand(t, h, "/poll", c)

	text := c.lastSent(t)
	assert.Contains(t, text, "Poll #1 [STARTED]")
	assert.Contains(t, text, "#10 NOT_STARTED → STARTED")
	assert.Contains(t, text, "(pending)")
	require.Len(t, c.sendOpts[0], 1)
	opts, ok := c.sendOpts[0][0].(*telebot.SendOptions)
	require.True(t, ok)
	assert.Equal(t, "poll_refresh_1", opts.ReplyMarkup.InlineKeyboard[0][0].Data)

	for _, args := range [][]string{{}, {"x"}, {"-4"}} {
		c = adminCtx(args...)
		runCommand(t, h, "/poll", c)
		assert.NotContains(t, c.lastSent(t), "Poll #")
	}

	c = adminCtx("99")
	runCommand(t, h, "/poll", c)
	assert.Equal(t, "Poll #99 not found.", c.lastSent(t))
}

func TestPollsCommandFiltersByStatus(t *testing.T) {
	h, _, _ := newAdmin()

	c := adminCtx()
	runCommand(t, h, "/polls", c)
	assert.Equal(t, "#1 [STARTED] Lunch?\n#2 [NOT_STARTED] Dinner?", c.lastSent(t))

	c = adminCtx("not_started")
	runCommand(t, h, "/polls", c)
	assert.Equal(t, "#2 [NOT_STARTED] Dinner?", c.lastSent(t))

	c = adminCtx("finished")
	runCommand(t, h, "/polls", c)
	assert.Equal(t, "No polls.", c.lastSent(t))

	c = adminCtx("paused")
	runCommand(t, h, "/polls", c)
	assert.Contains(t, c.lastSent(t), "Unknown status")
}

func TestNewPollCommand(t *testing.T) {
	h, polls, _ := newAdmin()

	c := adminCtx("2025-07-01T09:00", "2025-07-01T18:00", "Team", "offsite?")
	runCommand(t, h, "/new_poll", c)

	require.Equal(t, []string{"Team offsite?"}, polls.created)
	assert.Contains(t, c.lastSent(t), "Created.")
	created := polls.polls[3]
	assert.Equal(t, time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC), created.StartDate)

	polls.err = app.ErrInvalidDateRange
	c = adminCtx("2025-07-02", "2025-07-01", "Backwards")
	runCommand(t, h, "/new_poll", c)
	assert.Contains(t, c.lastSent(t), "start date must be before")

	c = adminCtx("tomorrow", "2025-07-01", "Q")
	runCommand(t, h, "/new_poll", c)
	assert.Contains(t, c.lastSent(t), "cannot read the start date")
}

func TestReschedulePollCommand(t *testing.T) {
	h, polls, _ := newAdmin()

	c := adminCtx("2", "2025-08-01T10:00", "2025-08-01T11:00")
	runCommand(t, h, "/reschedule_poll", c)
	require.Len(t, polls.edits, 1)
	assert.Contains(t, c.lastSent(t), "Rescheduled.")

	polls.err = fmt.Errorf("%w: poll 1 is STARTED", app.ErrPollNotEditable)
	c = adminCtx("1", "2025-08-01T10:00", "2025-08-01T11:00")
	runCommand(t, h, "/reschedule_poll", c)
	assert.Contains(t, c.lastSent(t), "only polls that have not started")
}

func TestDeletePollCommand(t *testing.T) {
	h, polls, _ := newAdmin()

	c := adminCtx("2")
	runCommand(t, h, "/delete_poll", c)
	assert.Equal(t, []int64{2}, polls.deleted)
	assert.Equal(t, "Poll #2 deleted.", c.lastSent(t))

	c = adminCtx("2")
	runCommand(t, h, "/delete_poll", c)
	assert.Equal(t, "Poll #2 not found.", c.lastSent(t))
}

func TestRefreshCallback(t *testing.T) {
	h, _, _ := newAdmin()

	c := adminCtx()
	c.callback = &telebot.Callback{Data: domainTelegram.RefreshCallbackPrefix + "1"}
	require.NoError(t, h.refresh(context.Background(), c))
	require.Len(t, c.edited, 1)
	assert.Contains(t, c.edited[0], "Poll #1 [STARTED]")
	require.Len(t, c.responses, 1)
	assert.Equal(t, "STARTED", c.responses[0].Text)

	c = adminCtx()
	c.callback = &telebot.Callback{Data: domainTelegram.RefreshCallbackPrefix + "77"}
	require.NoError(t, h.refresh(context.Background(), c))
	assert.Empty(t, c.edited)
	assert.Contains(t, c.responses[0].Text, "no longer exists")

	c = adminCtx()
	c.callback = &telebot.Callback{Data: "ans_yes_5"}
	require.NoError(t, h.refresh(context.Background(), c))
	assert.Equal(t, "Unknown action.", c.responses[0].Text)

	c = &fakeContext{sender: &telebot.User{ID: 3}, callback: &telebot.Callback{Data: "poll_refresh_1"}}
	require.NoError(t, h.refresh(context.Background(), c))
	assert.Empty(t, c.edited)
	assert.Equal(t, "Not allowed.", c.responses[0].Text)
}

func TestStartAndHelp(t *testing.T) {
	bc := NewBotCommands(adminID, quietLogger())

	c := adminCtx()
	require.NoError(t, bc.start(c))
	assert.Contains(t, c.lastSent(t), "Hi Ada!")

	c = adminCtx()
	require.NoError(t, bc.help(c))
	assert.Contains(t, c.lastSent(t), "/reschedule_poll")

	stranger := &fakeContext{sender: &telebot.User{ID: 5}}
	require.NoError(t, bc.help(stranger))
	assert.Equal(t, "There are no commands available for you.", stranger.lastSent(t))
}

type sentMessage struct {
	chatID int64
	text   string
	opts   *telebot.SendOptions
}

type recordingClient struct {
	mu       sync.Mutex
	sent     []sentMessage
	attempts int
	// failures makes the first n sends fail.
	failures int
}

func (r *recordingClient) SendMessage(chatID int64, text string, opts *telebot.SendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failures > 0 {
		r.failures--
		return errors.New("telegram: Too Many Requests: retry after 1 (429)")
	}
	r.sent = append(r.sent, sentMessage{chatID: chatID, text: text, opts: opts})
	return nil
}

func (r *recordingClient) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

func (r *recordingClient) tries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func TestStatusPublisherSendsToChat(t *testing.T) {
	client := &recordingClient{}
	pub := NewStatusPublisher(client, -100500, time.UTC, nil, quietLogger())
	pub.Start(context.Background())
	t.Cleanup(pub.Stop)

	err := pub.PublishStatusChange(context.Background(), poll.StatusChange{
		PollID: 4, FromStatus: poll.StatusNotStarted, ToStatus: poll.StatusStarted, Timestamp: t0,
	})

	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(client.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := client.messages()[0]
	assert.Equal(t, int64(-100500), msg.chatID)
	assert.Equal(t, "Poll #4: NOT_STARTED → STARTED\nat 2025-06-01 10:00:00 UTC", msg.text)
	assert.Equal(t, "poll_refresh_4", msg.opts.ReplyMarkup.InlineKeyboard[0][0].Data)
}

func TestStatusPublisherRetriesFailedSend(t *testing.T) {
	client := &recordingClient{failures: 1}
	pub := NewStatusPublisher(client, 1, time.UTC, nil, quietLogger())
	pub.Start(context.Background())
	t.Cleanup(pub.Stop)

	require.NoError(t, pub.PublishStatusChange(context.Background(), poll.StatusChange{PollID: 4, Timestamp: t0}))

	require.Eventually(t, func() bool { return len(client.messages()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, client.tries())
}

func TestStatusPublisherDoesNotBlockOnRateLimit(t *testing.T) {
	client := &recordingClient{}
	// One token, spent by the first send; the next one has to wait an hour.
	pub := NewStatusPublisher(client, 1, time.UTC, rate.NewLimiter(rate.Every(time.Hour), 1), quietLogger())
	pub.Start(context.Background())
	change := poll.StatusChange{PollID: 9, FromStatus: poll.StatusStarted, ToStatus: poll.StatusFinished, Timestamp: t0}

	began := time.Now()
	for range 5 {
		require.NoError(t, pub.PublishStatusChange(context.Background(), change))
	}
	assert.Less(t, time.Since(began), 100*time.Millisecond)
	require.Eventually(t, func() bool { return len(client.messages()) == 1 }, time.Second, 5*time.Millisecond)

	pub.Stop()
	assert.Len(t, client.messages(), 1)
	assert.ErrorIs(t, pub.PublishStatusChange(context.Background(), change), ErrStopped)
}

func TestStatusPublisherRejectsWhenQueueIsFull(t *testing.T) {
	pub := NewStatusPublisher(&recordingClient{}, 1, time.UTC, nil, quietLogger())
	pub.queue = make(chan poll.StatusChange, 1)

	require.NoError(t, pub.PublishStatusChange(context.Background(), poll.StatusChange{PollID: 1}))
	err := pub.PublishStatusChange(context.Background(), poll.StatusChange{PollID: 2})

	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestParseRefreshCallback(t *testing.T) {
	id, ok := domainTelegram.ParseRefreshCallback("poll_refresh_12")
	assert.True(t, ok)
	assert.Equal(t, int64(12), id)

	for _, data := range []string{"poll_refresh_", "poll_refresh_x", "poll_refresh_-1", "other_12"} {
		_, ok := domainTelegram.ParseRefreshCallback(data)
		assert.False(t, ok, data)
	}
}
