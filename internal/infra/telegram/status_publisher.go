package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/telebot.v3"

	"realtime_polls/internal/domain/poll"
	domainTelegram "realtime_polls/internal/domain/telegram"
)

const (
	defaultQueueSize = 256
	sendAttempts     = 3
	retryBase        = 500 * time.Millisecond
)

var (
	ErrQueueFull = errors.New("status message queue full")
	ErrStopped   = errors.New("status publisher stopped")
)

// StatusPublisher posts every status change to one chat with a refresh button.
// PublishStatusChange only enqueues; a single worker owns the rate limit and
// the Telegram calls, so a slow chat never holds up the scheduler.
type StatusPublisher struct {
	client domainTelegram.Client
	chatID int64
	loc    *time.Location
	// nil disables pacing.
	limiter *rate.Limiter
	logger  *logrus.Entry

	queue chan poll.StatusChange

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewStatusPublisher(client domainTelegram.Client, chatID int64, loc *time.Location, limiter *rate.Limiter, logger *logrus.Entry) *StatusPublisher {
	if loc == nil {
		loc = time.Local
	}
	return &StatusPublisher{
		client:  client,
		chatID:  chatID,
		loc:     loc,
		limiter: limiter,
		logger:  logger.WithField("component", "telegram_status"),
		queue:   make(chan poll.StatusChange, defaultQueueSize),
	}
}

// Start launches the send worker. Changes queued before Start are sent once it runs.
func (p *StatusPublisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.worker(runCtx, p.done)
}

// Stop ends the worker and waits for the message in flight. Queued changes are dropped.
func (p *StatusPublisher) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if left := len(p.queue); left > 0 {
		p.logger.WithField("dropped", left).Warn("Status messages left unsent")
	}
}

func (p *StatusPublisher) PublishStatusChange(_ context.Context, change poll.StatusChange) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	select {
	case p.queue <- change:
		return nil
	default:
		return fmt.Errorf("status change of poll %d not queued: %w", change.PollID, ErrQueueFull)
	}
}

func (p *StatusPublisher) worker(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-p.queue:
			p.send(ctx, change)
		}
	}
}

func (p *StatusPublisher) send(ctx context.Context, change poll.StatusChange) {
	log := p.logger.WithFields(logrus.Fields{"poll_id": change.PollID, "chat_id": p.chatID})
	text := domainTelegram.FormatStatusChange(change, p.loc)
	opts := &telebot.SendOptions{ReplyMarkup: domainTelegram.RefreshButton(change.PollID)}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, sendAttempts-1), ctx)

	err := backoff.RetryNotify(func() error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		return p.client.SendMessage(p.chatID, text, opts)
	}, policy, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("Status message failed, retrying")
	})
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("Failed to send status message")
		}
		return
	}
	log.Debug("Status message sent")
}
