package authstate

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerClosed is returned when subscribing to a closed broker
var ErrBrokerClosed = errors.New("broker closed")

// Event announces a change of a session's authentication flag. When a
// login rotates the session id, the event published on the old id names the
// new one in ReplacedBy so open observers can follow it.
type Event struct {
	SessionID     string `json:"sessionId"`
	Authenticated bool   `json:"authenticated"`
	Email         string `json:"email,omitempty"`
	ReplacedBy    string `json:"replacedBy,omitempty"`
}

// Broker fans authentication changes out to every observer of a session,
// across all instances of the service when backed by Redis.
type Broker interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a channel of events for one session. The channel
	// is closed once ctx is done. Slow readers only see the latest event.
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, error)
	Close() error
}

// latest is a one-slot mailbox where a new event replaces an unread one
type latest struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newLatest() *latest {
	return &latest{ch: make(chan Event, 1)}
}

func (l *latest) deliver(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case <-l.ch:
	default:
	}
	l.ch <- ev
}

func (l *latest) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}
