// Package redirect resumes a browser's interrupted navigation once its
// session becomes authenticated.
//
// A page that sends the user to log in first records where they were going
// under a fixed session key. A Redirector watches the session's
// authentication flag; when the flag turns true it consumes that target
// (read and delete, once) and, after a short delay, asks its Navigator to
// replace the current history entry with it. Tearing the Redirector down
// cancels a navigation that has not fired yet.
package redirect

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/authredirect/internal/log"
)

const (
	// DefaultKey is the session key holding the pending redirect target
	DefaultKey = "redirectAfterAuth"

	// DefaultDelay lets the page paint its signed-in state before navigating away
	DefaultDelay = 500 * time.Millisecond
)

// State of a Redirector
type State int

const (
	// StateIdle: unauthenticated, or authenticated with nothing pending
	StateIdle State = iota
	// StateRedirecting: a target was consumed and the delayed navigation is scheduled
	StateRedirecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRedirecting:
		return "redirecting"
	default:
		return "unknown"
	}
}

// Navigator performs a navigation that replaces the current history entry.
// Failures are the navigator's to handle.
type Navigator interface {
	Replace(path string)
}

// NavigatorFunc adapts a function to Navigator
type NavigatorFunc func(path string)

// Replace calls f(path)
func (f NavigatorFunc) Replace(path string) { f(path) }

// Timer is the handle returned by an AfterFunc
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Redirector
type Option func(*Redirector)

// WithKey overrides the session key holding the pending target
func WithKey(key string) Option {
	return func(r *Redirector) {
		if key != "" {
			r.key = key
		}
	}
}

// WithDelay overrides the delay between consuming the target and navigating
func WithDelay(d time.Duration) Option {
	return func(r *Redirector) {
		if d >= 0 {
			r.delay = d
		}
	}
}

// WithAfterFunc replaces time.AfterFunc, mainly for tests
func WithAfterFunc(fn AfterFunc) Option {
	return func(r *Redirector) {
		if fn != nil {
			r.afterFunc = fn
		}
	}
}

// Redirector is safe for concurrent use. Its lifetime is one observer of
// one session (for example one open event stream); Close ends it.
type Redirector struct {
	values    Values
	nav       Navigator
	key       string
	delay     time.Duration
	afterFunc AfterFunc

	mu       sync.Mutex
	observed bool
	last     bool
	state    State
	timer    Timer
	gen      uint64
	closed   bool
	inflight sync.WaitGroup
}

// New creates a Redirector reading pending targets from values and
// navigating through nav
func New(values Values, nav Navigator, opts ...Option) *Redirector {
	r := &Redirector{
		values:    values,
		nav:       nav,
		key:       DefaultKey,
		delay:     DefaultDelay,
		afterFunc: realAfterFunc,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key returns the session key the Redirector consumes
func (r *Redirector) Key() string {
	return r.key
}

// State returns the current state
func (r *Redirector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Observe evaluates one value of the authentication flag. Only changes
// matter: the first call always evaluates, later calls with the same value
// are no-ops. A change first cancels a navigation still waiting on its
// delay, then, if the flag is now true, consumes the pending target and
// schedules the navigation.
func (r *Redirector) Observe(ctx context.Context, authenticated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.observed && r.last == authenticated {
		return
	}
	r.observed = true
	r.last = authenticated

	r.cancelLocked("auth state changed")

	if !authenticated {
		return
	}

	target, ok := r.consume(ctx)
	if !ok {
		return
	}

	r.gen++
	gen := r.gen
	r.state = StateRedirecting
	r.timer = r.afterFunc(r.delay, func() { r.fire(gen, target) })

	log.LogDebugWithFields("redirect", "Redirect scheduled", map[string]any{
		"target": target,
		"delay":  r.delay.String(),
	})
}

// Watch observes every flag value received on flags until ctx is done or
// flags is closed, then tears the Redirector down
func (r *Redirector) Watch(ctx context.Context, flags <-chan bool) {
	defer r.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case authenticated, ok := <-flags:
			if !ok {
				return
			}
			r.Observe(ctx, authenticated)
		}
	}
}

// Close cancels a pending navigation and waits for one already running.
// After Close returns the Navigator is never called again.
func (r *Redirector) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.cancelLocked("torn down")
	}
	r.mu.Unlock()

	r.inflight.Wait()
}

// consume reads and removes the pending target. Anything short of a clean
// read-and-delete means no redirect.
func (r *Redirector) consume(ctx context.Context) (string, bool) {
	if taker, ok := r.values.(Taker); ok {
		target, found, err := taker.Take(ctx, r.key)
		if err != nil {
			log.LogDebugWithFields("redirect", "Pending target unavailable", map[string]any{
				"key":   r.key,
				"error": err.Error(),
			})
			return "", false
		}
		return target, found && target != ""
	}

	target, found, err := r.values.Get(ctx, r.key)
	if err != nil {
		log.LogDebugWithFields("redirect", "Pending target unavailable", map[string]any{
			"key":   r.key,
			"error": err.Error(),
		})
		return "", false
	}
	if !found || target == "" {
		return "", false
	}

	if err := r.values.Remove(ctx, r.key); err != nil {
		log.LogWarnWithFields("redirect", "Failed to clear pending target, skipping redirect", map[string]any{
			"key":   r.key,
			"error": err.Error(),
		})
		return "", false
	}
	return target, true
}

func (r *Redirector) cancelLocked(reason string) {
	if r.timer == nil {
		return
	}
	r.timer.Stop()
	r.timer = nil
	r.gen++
	r.state = StateIdle

	log.LogDebugWithFields("redirect", "Pending redirect cancelled", map[string]any{
		"reason": reason,
	})
}

func (r *Redirector) fire(gen uint64, target string) {
	r.mu.Lock()
	if r.closed || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.state = StateIdle
	r.inflight.Add(1)
	r.mu.Unlock()

	defer r.inflight.Done()

	log.LogInfoWithFields("redirect", "Redirecting after authentication", map[string]any{
		"target": target,
	})
	r.nav.Replace(target)
}
