// internal/infra/pgnotify/backend.go
package pgnotify

import (
	"context"
	"errors"
	"time"
)

// ErrConnection marks a backend that is unreachable or refused a command.
var ErrConnection = errors.New("notification backend connection error")

// Notification is one payload received on a channel.
type Notification struct {
	Channel string
	Payload string
}

// Backend is a single pub/sub connection. Implementations need not be
// reconnect-aware: the Bus discards a failed backend connection and calls
// Connect again.
type Backend interface {
	Connect(ctx context.Context) error
	Listen(channel string) error
	Unlisten(channel string) error
	UnlistenAll() error
	// Poll waits at most timeout for notifications. It returns (nil, nil) on a
	// quiet interval and an error once the connection is no longer usable.
	Poll(timeout time.Duration) ([]Notification, error)
	Close() error
}

// Handler consumes notifications. Implementations must be comparable
// (pointer receivers) because the Bus keys subscriptions by handler.
type Handler interface {
	HandleNotification(ctx context.Context, n Notification) error
}
