// internal/infra/pgnotify/bus.go
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultShutdownTimeout = 5 * time.Second
	defaultConnectTimeout  = 10 * time.Second
)

// Config tunes the receive loop.
type Config struct {
	PollInterval    time.Duration // upper bound of one receive wait, also the reconnect pace
	ShutdownTimeout time.Duration // how long Stop waits for the loop to exit
	ConnectTimeout  time.Duration // upper bound of one connection attempt
}

// Bus fans notifications from one backend connection out to handlers and
// restores every subscription after a reconnect.
type Bus struct {
	backend Backend
	cfg     Config
	logger  *logrus.Entry

	// mu guards the subscription state and serializes backend commands.
	mu        sync.Mutex
	handlers  map[string]map[Handler]struct{} // restore set: channel -> handlers
	listening map[string]struct{}             // channels LISTENed on the live connection
	healthy   bool
	onReconn  func(ctx context.Context)

	// runMu serializes Start and Stop.
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBus(backend Backend, cfg Config, logger *logrus.Entry) *Bus {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Bus{
		backend:   backend,
		cfg:       cfg,
		logger:    logger.WithField("component", "pgnotify"),
		handlers:  make(map[string]map[Handler]struct{}),
		listening: make(map[string]struct{}),
	}
}

// SetReconnectHook registers fn to run on the receive loop after every
// successful reconnect, once all subscriptions are restored.
func (b *Bus) SetReconnectHook(fn func(ctx context.Context)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReconn = fn
}

// Start connects, restores subscriptions and launches the receive loop.
// A running bus is stopped first so there is never more than one loop.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.cancel != nil {
		b.stopLocked()
	}

	b.logger.WithField("poll_interval", b.cfg.PollInterval).Info("Starting notification bus")
	if err := b.connectAndRestore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	go b.run(runCtx, done)
	return nil
}

// Stop terminates the receive loop and closes the connection. A delivery in
// progress is allowed to finish. Safe to call more than once.
func (b *Bus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	b.stopLocked()
}

func (b *Bus) stopLocked() {
	if b.cancel == nil {
		return
	}
	b.logger.Info("Stopping notification bus")
	b.cancel()
	b.closeBackend()

	select {
	case <-b.done:
	case <-time.After(b.cfg.ShutdownTimeout):
		b.logger.WithField("timeout", b.cfg.ShutdownTimeout).Warn("Receive loop did not exit in time")
	}
	// A reconnect racing with cancel may have opened a fresh connection.
	b.closeBackend()
	b.cancel = nil
	b.done = nil
	b.logger.Info("Notification bus stopped")
}

// Subscribe registers handler for channel. The first handler of a channel
// issues LISTEN; if that fails the registration is rolled back.
// Subscribing before Start only records the handler, Start replays it.
func (b *Bus) Subscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.handlers[channel]
	if !ok {
		set = make(map[Handler]struct{})
		b.handlers[channel] = set
	}
	if _, dup := set[handler]; dup {
		return nil
	}
	set[handler] = struct{}{}

	if len(set) > 1 || !b.healthy {
		return nil
	}

	if err := b.backend.Listen(channel); err != nil {
		delete(set, handler)
		if len(set) == 0 {
			delete(b.handlers, channel)
		}
		b.healthy = false
		b.logger.WithError(err).WithField("channel", channel).Error("LISTEN failed, subscription rolled back")
		return fmt.Errorf("%w: listen %q: %w", ErrConnection, channel, err)
	}
	b.listening[channel] = struct{}{}
	b.logger.WithField("channel", channel).Info("Listening on channel")
	return nil
}

// Unsubscribe removes handler. Removing the last handler of a channel issues
// UNLISTEN and drops the channel from the restore set.
func (b *Bus) Unsubscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.handlers[channel]
	if !ok {
		return nil
	}
	if _, ok := set[handler]; !ok {
		return nil
	}
	delete(set, handler)
	if len(set) > 0 {
		return nil
	}
	delete(b.handlers, channel)

	if _, live := b.listening[channel]; !live {
		return nil
	}
	delete(b.listening, channel)
	if err := b.backend.Unlisten(channel); err != nil {
		b.healthy = false
		return fmt.Errorf("%w: unlisten %q: %w", ErrConnection, channel, err)
	}
	b.logger.WithField("channel", channel).Info("Removed LISTEN from channel")
	return nil
}

func (b *Bus) IsSubscribed(channel string, handler Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[channel][handler]
	return ok
}

// connectAndRestore replaces the backend connection and replays the restore
// set. The dial happens without b.mu, so queries and Stop never wait on it.
func (b *Bus) connectAndRestore(ctx context.Context) error {
	b.mu.Lock()
	b.healthy = false
	b.listening = make(map[string]struct{})
	_ = b.backend.Close()
	b.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	if err := b.backend.Connect(dialCtx); err != nil {
		return fmt.Errorf("%w: connect: %w", ErrConnection, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		// Stopped while dialing.
		_ = b.backend.Close()
		return err
	}
	// The server may still hold LISTENs from a pooled session.
	if err := b.backend.UnlistenAll(); err != nil {
		return fmt.Errorf("%w: unlisten all: %w", ErrConnection, err)
	}
	for channel := range b.handlers {
		if err := b.backend.Listen(channel); err != nil {
			return fmt.Errorf("%w: restore listen %q: %w", ErrConnection, channel, err)
		}
		b.listening[channel] = struct{}{}
		b.logger.WithField("channel", channel).Info("Restored LISTEN for channel")
	}
	b.healthy = true
	return nil
}

func (b *Bus) closeBackend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = false
	b.listening = make(map[string]struct{})
	if err := b.backend.Close(); err != nil {
		b.logger.WithError(err).Debug("Closing backend connection")
	}
}

func (b *Bus) isHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

func (b *Bus) markBroken() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = false
}

func (b *Bus) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b.logger.Info("Notification receive loop started")

	for ctx.Err() == nil {
		if !b.isHealthy() {
			if !b.reconnect(ctx) {
				break
			}
			continue
		}

		batch, err := b.backend.Poll(b.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.WithError(err).Warn("Notification connection lost")
			b.markBroken()
			continue
		}

		for _, n := range batch {
			if ctx.Err() != nil {
				break
			}
			b.deliver(ctx, n)
		}
	}
	b.logger.Info("Notification receive loop exited")
}

// reconnect retries forever at the poll interval; false means the loop was stopped.
func (b *Bus) reconnect(ctx context.Context) bool {
	bo := backoff.WithContext(backoff.NewConstantBackOff(b.cfg.PollInterval), ctx)
	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return b.connectAndRestore(ctx)
	}, bo, func(err error, wait time.Duration) {
		b.logger.WithError(err).WithField("retry_in", wait).Warn("Reconnect failed")
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			b.logger.WithError(err).Error("Giving up reconnecting")
		}
		return false
	}

	b.logger.Info("Notification connection re-established")
	b.mu.Lock()
	hook := b.onReconn
	b.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return true
}

func (b *Bus) deliver(ctx context.Context, n Notification) {
	b.mu.Lock()
	set := b.handlers[n.Channel]
	targets := make([]Handler, 0, len(set))
	for h := range set {
		targets = append(targets, h)
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	b.logger.WithField("channel", n.Channel).Debug("Received notification")
	// Stop must not cut a delivery short.
	ctx = context.WithoutCancel(ctx)
	for _, h := range targets {
		b.invoke(ctx, h, n)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, n Notification) {
	log := b.logger.WithFields(logrus.Fields{"channel": n.Channel, "payload": n.Payload})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Notification handler panicked")
		}
	}()
	if err := h.HandleNotification(ctx, n); err != nil {
		log.WithError(err).Warn("Notification handler failed")
	}
}
