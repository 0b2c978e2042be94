package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"realtime_polls/internal/domain/poll"
	"realtime_polls/internal/infra/pgnotify"
)

const (
	executionTimeout = 30 * time.Second
	maxArmAttempts   = 3
)

// NotificationSubscriber is the part of the notification bus the scheduler uses.
type NotificationSubscriber interface {
	Subscribe(channel string, handler pgnotify.Handler) error
	IsSubscribed(channel string, handler pgnotify.Handler) bool
}

type armedSlot struct {
	transition *poll.Transition
	timer      Timer
	gen        uint64
}

// StatusScheduler keeps exactly one timer armed for the earliest pending
// transition it knows about and applies transitions when they come due.
type StatusScheduler struct {
	store     poll.TransitionStore
	publisher poll.StatusPublisher
	bus       NotificationSubscriber
	clock     Clock
	channel   string
	loc       *time.Location
	logger    *logrus.Entry

	mu        sync.Mutex
	slot      *armedSlot
	gen       uint64
	version   uint64 // bumped on every slot change
	executing map[int64]struct{}
}

func NewStatusScheduler(
	store poll.TransitionStore,
	publisher poll.StatusPublisher,
	bus NotificationSubscriber,
	clock Clock,
	channel string,
	loc *time.Location,
	logger *logrus.Entry,
) *StatusScheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &StatusScheduler{
		store:     store,
		publisher: publisher,
		bus:       bus,
		clock:     clock,
		channel:   channel,
		loc:       loc,
		logger:    logger.WithField("component", "status_scheduler"),
		executing: make(map[int64]struct{}),
	}
}

// Start subscribes to the announcement channel and runs one catch-up cycle.
// Calling it again does not add a second subscription.
func (s *StatusScheduler) Start(ctx context.Context) error {
	if !s.bus.IsSubscribed(s.channel, s) {
		if err := s.bus.Subscribe(s.channel, s); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
		}
		s.logger.WithField("channel", s.channel).Info("Listening for transition announcements")
	}
	return s.CatchUpAndArm(ctx)
}

// Stop disarms the pending timer. The subscription is released with the bus.
func (s *StatusScheduler) Stop() {
	s.CancelArmed()
}

// HandleNotification implements pgnotify.Handler.
func (s *StatusScheduler) HandleNotification(ctx context.Context, n pgnotify.Notification) error {
	return s.OnAnnouncement(ctx, n.Payload)
}

// OnAnnouncement re-arms the timer when the announced transition is due
// strictly earlier than the armed one. Later announcements are ignored, the
// catch-up cycle and the chaining after each fire pick them up.
func (s *StatusScheduler) OnAnnouncement(ctx context.Context, payload string) error {
	a, err := poll.ParseAnnouncement(payload, s.loc)
	if err != nil {
		return err
	}
	log := s.logger.WithFields(logrus.Fields{
		"transition_id": a.TransitionID,
		"deadline":      a.ScheduledAt,
	})

	if !s.accepts(a.ScheduledAt) {
		log.Debug("Announcement is not earlier than the armed transition, ignoring")
		return nil
	}

	t, err := s.store.FindByID(ctx, a.TransitionID)
	if errors.Is(err, poll.ErrTransitionNotFound) {
		log.Warn("Announced transition no longer exists, keeping current timer")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load announced transition %d: %w", a.TransitionID, err)
	}
	if !t.Pending() {
		log.Debug("Announced transition already processed")
		return nil
	}

	if s.offer(t) {
		log.Info("Armed timer for announced transition")
	} else {
		log.Debug("An earlier transition was armed meanwhile")
	}
	return nil
}

// ArmFor cancels the armed timer, if any, and arms one for t.
func (s *StatusScheduler) ArmFor(t *poll.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(t)
}

// CancelArmed disarms the timer. It is a no-op when nothing is armed.
func (s *StatusScheduler) CancelArmed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot != nil {
		s.logger.WithField("transition_id", s.slot.transition.ID).Debug("Disarming timer")
	}
	s.cancelLocked()
}

// CurrentlyArmed returns a copy of the armed transition.
func (s *StatusScheduler) CurrentlyArmed() (*poll.Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil {
		return nil, false
	}
	t := *s.slot.transition
	return &t, true
}

// CatchUpAndArm applies every transition that is already due, oldest first,
// then arms for the earliest one still pending. It stops at the first failed
// execution so a poll never skips ahead of its own earlier transition.
// Changes are published once the timer is armed again.
func (s *StatusScheduler) CatchUpAndArm(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.store.FindPendingBefore(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due transitions: %w", err)
	}
	if len(due) > 0 {
		s.logger.WithField("count", len(due)).Info("Catching up overdue transitions")
	}

	var changes []poll.StatusChange
	for _, t := range due {
		var change *poll.StatusChange
		change, err = s.execute(ctx, t)
		if err != nil {
			break
		}
		if change != nil {
			changes = append(changes, *change)
		}
	}
	if err == nil {
		err = s.armEarliest(ctx, now, true)
	}
	s.publish(ctx, changes...)
	return err
}

func (s *StatusScheduler) accepts(deadline time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot == nil || deadline.Before(s.slot.transition.ScheduledAt)
}

// offer arms t if the slot is empty or t is due strictly earlier.
func (s *StatusScheduler) offer(t *poll.Transition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.executing[t.ID]; running {
		return false
	}
	if s.slot != nil && !t.ScheduledAt.Before(s.slot.transition.ScheduledAt) {
		return false
	}
	s.armLocked(t)
	return true
}

func (s *StatusScheduler) armLocked(t *poll.Transition) {
	s.cancelLocked()

	s.gen++
	gen := s.gen
	delay := t.ScheduledAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	slot := &armedSlot{transition: t, gen: gen}
	s.slot = slot
	s.version++
	slot.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })

	s.logger.WithFields(logrus.Fields{
		"transition_id": t.ID,
		"poll_id":       t.PollID,
		"from":          t.CurrentStatus,
		"to":            t.NextStatus,
		"fires_in":      delay,
	}).Info("Armed status transition")
}

func (s *StatusScheduler) cancelLocked() {
	if s.slot == nil {
		return
	}
	s.slot.timer.Stop()
	s.slot = nil
	s.version++
}

func (s *StatusScheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.slot == nil || s.slot.gen != gen {
		s.mu.Unlock()
		return
	}
	t := s.slot.transition
	s.slot = nil
	s.version++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), executionTimeout)
	defer cancel()

	change, err := s.execute(ctx, t)
	if err != nil {
		// The next catch-up cycle retries it.
		s.logger.WithError(err).WithField("transition_id", t.ID).Error("Failed to apply status transition")
		return
	}
	if err := s.armEarliest(ctx, s.clock.Now(), false); err != nil {
		s.logger.WithError(err).Error("Failed to arm next transition")
	}
	if change != nil {
		s.publish(ctx, *change)
	}
}

// armEarliest offers the earliest pending transition to the slot. The store
// is read again when the slot changed while the query ran, so a transition a
// concurrent fire already applied is never armed. With catchUp set, an armed
// transition that is already due is dropped and an idle store disarms.
func (s *StatusScheduler) armEarliest(ctx context.Context, now time.Time, catchUp bool) error {
	for range maxArmAttempts {
		s.mu.Lock()
		version := s.version
		s.mu.Unlock()

		next, err := s.store.FindEarliestPending(ctx)
		if err != nil && !errors.Is(err, poll.ErrTransitionNotFound) {
			return fmt.Errorf("failed to find next pending transition: %w", err)
		}

		s.mu.Lock()
		if s.version != version {
			s.mu.Unlock()
			continue
		}
		s.placeLocked(next, now, catchUp)
		s.mu.Unlock()
		return nil
	}
	s.logger.Debug("Slot kept changing while arming, leaving it to the next catch-up")
	return nil
}

func (s *StatusScheduler) placeLocked(next *poll.Transition, now time.Time, catchUp bool) {
	if next != nil {
		if _, running := s.executing[next.ID]; running {
			// Its executor arms the successor.
			return
		}
	}
	if catchUp && s.slot != nil && s.slot.transition.Due(now) {
		s.cancelLocked()
	}
	switch {
	case next == nil:
		if catchUp {
			s.cancelLocked()
		}
		s.logger.Debug("No pending transitions")
	case s.slot == nil || next.ScheduledAt.Before(s.slot.transition.ScheduledAt):
		s.armLocked(next)
	}
}

func (s *StatusScheduler) publish(ctx context.Context, changes ...poll.StatusChange) {
	for _, change := range changes {
		if err := s.publisher.PublishStatusChange(ctx, change); err != nil {
			s.logger.WithError(err).WithField("poll_id", change.PollID).Error("Failed to publish status change")
		}
	}
}

// execute commits t and returns the resulting change, nil when there is
// nothing to publish. Losing the race to another executor is not an error.
func (s *StatusScheduler) execute(ctx context.Context, t *poll.Transition) (*poll.StatusChange, error) {
	log := s.logger.WithFields(logrus.Fields{
		"transition_id": t.ID,
		"poll_id":       t.PollID,
	})

	s.mu.Lock()
	s.executing[t.ID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.executing, t.ID)
		s.mu.Unlock()
	}()

	change, err := s.store.MarkProcessedAndApplyStatus(ctx, t)
	switch {
	case errors.Is(err, poll.ErrTransitionProcessed), errors.Is(err, poll.ErrTransitionNotFound):
		log.WithError(err).Info("Transition already handled, skipping")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to apply %s: %w", t, err)
	}
	if change == nil {
		log.Info("Poll already moved past this transition")
		return nil, nil
	}

	log.WithFields(logrus.Fields{
		"from": change.FromStatus,
		"to":   change.ToStatus,
	}).Info("Changed poll status")
	return change, nil
}
