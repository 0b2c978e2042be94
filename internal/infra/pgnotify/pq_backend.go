// internal/infra/pgnotify/pq_backend.go
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	notificationBuffer = 64
	// idlePingInterval bounds how long a silent connection goes unchecked.
	idlePingInterval = 30 * time.Second
)

var errNotConnected = errors.New("listener connection not established")

// PQBackend is a Backend over a dedicated lib/pq listener connection.
type PQBackend struct {
	dsn string

	mu           sync.Mutex
	conn         *pq.ListenerConn
	notes        chan *pq.Notification
	lastActivity time.Time
}

func NewPQBackend(dataSourceName string) *PQBackend {
	return &PQBackend{dsn: dataSourceName}
}

type dialResult struct {
	conn  *pq.ListenerConn
	notes chan *pq.Notification
	err   error
}

// Connect opens the listener connection. lib/pq has no dial context, so the
// dial runs in its own goroutine and a connection that shows up after ctx is
// done gets closed.
func (p *PQBackend) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result := make(chan dialResult, 1)
	go func() {
		notes := make(chan *pq.Notification, notificationBuffer)
		conn, err := pq.NewListenerConn(p.dsn, notes)
		result <- dialResult{conn: conn, notes: notes, err: err}
	}()

	var d dialResult
	select {
	case d = <-result:
	case <-ctx.Done():
		go func() {
			if late := <-result; late.err == nil {
				_ = late.conn.Close()
			}
		}()
		return fmt.Errorf("failed to open listener connection: %w", ctx.Err())
	}
	if d.err != nil {
		return fmt.Errorf("failed to open listener connection: %w", d.err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = d.conn
	p.notes = d.notes
	p.lastActivity = time.Now()
	return nil
}

func (p *PQBackend) current() (*pq.ListenerConn, chan *pq.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, nil, errNotConnected
	}
	return p.conn, p.notes, nil
}

func (p *PQBackend) Listen(channel string) error {
	conn, _, err := p.current()
	if err != nil {
		return err
	}
	_, err = conn.Listen(channel) // quotes the identifier itself
	return err
}

func (p *PQBackend) Unlisten(channel string) error {
	conn, _, err := p.current()
	if err != nil {
		return err
	}
	_, err = conn.Unlisten(channel)
	return err
}

func (p *PQBackend) UnlistenAll() error {
	conn, _, err := p.current()
	if err != nil {
		return err
	}
	_, err = conn.UnlistenAll()
	return err
}

// Poll drains whatever arrived within timeout. lib/pq closes the notification
// channel when the connection dies, which is reported as an error here.
func (p *PQBackend) Poll(timeout time.Duration) ([]Notification, error) {
	conn, notes, err := p.current()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case n, ok := <-notes:
		if !ok {
			return nil, p.closedErr(conn)
		}
		batch := appendNotification(nil, n)
	drain:
		for {
			select {
			case n, ok := <-notes:
				if !ok {
					break drain // reported by the next Poll
				}
				batch = appendNotification(batch, n)
			default:
				break drain
			}
		}
		p.touch()
		return batch, nil
	case <-timer.C:
		return nil, p.pingIfIdle(conn)
	}
}

func (p *PQBackend) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.notes = nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (p *PQBackend) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

func (p *PQBackend) pingIfIdle(conn *pq.ListenerConn) error {
	p.mu.Lock()
	idle := time.Since(p.lastActivity)
	p.mu.Unlock()
	if idle < idlePingInterval {
		return nil
	}
	if err := conn.Ping(); err != nil {
		return fmt.Errorf("listener ping failed: %w", err)
	}
	p.touch()
	return nil
}

func (p *PQBackend) closedErr(conn *pq.ListenerConn) error {
	if err := conn.Err(); err != nil {
		return fmt.Errorf("listener connection closed: %w", err)
	}
	return errors.New("listener connection closed")
}

func appendNotification(batch []Notification, n *pq.Notification) []Notification {
	if n == nil {
		return batch
	}
	return append(batch, Notification{Channel: n.Channel, Payload: n.Extra})
}
