package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dgellow/authredirect/internal/authstate"
	"github.com/dgellow/authredirect/internal/config"
	"github.com/dgellow/authredirect/internal/cookie"
	"github.com/dgellow/authredirect/internal/crypto"
	jsonwriter "github.com/dgellow/authredirect/internal/json"
	"github.com/dgellow/authredirect/internal/log"
	"github.com/dgellow/authredirect/internal/redirect"
	"github.com/dgellow/authredirect/internal/sse"
	"github.com/dgellow/authredirect/internal/storage"
	"github.com/dgellow/authredirect/internal/urlutil"
)

// DefaultKeepAlive is the interval between keepalive comments on event streams
const DefaultKeepAlive = 25 * time.Second

// SessionState is the browser-visible view of a session
type SessionState struct {
	Authenticated   bool   `json:"authenticated"`
	Email           string `json:"email,omitempty"`
	PendingRedirect string `json:"pendingRedirect,omitempty"`
	CSRFToken       string `json:"csrfToken,omitempty"`
}

type returnToRequest struct {
	Path string `json:"path"`
}

// AuthEvent is sent on the event stream whenever the authentication flag changes
type AuthEvent struct {
	Authenticated bool   `json:"authenticated"`
	Email         string `json:"email,omitempty"`
}

// NavigateEvent tells the page to replace its current history entry with Path
type NavigateEvent struct {
	Path    string `json:"path"`
	Replace bool   `json:"replace"`
}

// SessionHandlers serves the browser session API and the event stream
type SessionHandlers struct {
	store      storage.Storage
	broker     authstate.Broker
	csrf       crypto.CSRFProtection
	csrfTTL    time.Duration
	redirect   config.RedirectConfig
	keepAlive  time.Duration
	redirectOp []redirect.Option

	closing   chan struct{}
	closeOnce sync.Once
}

// NewSessionHandlers creates session handlers. Extra redirect options are
// applied after the configured key and delay.
func NewSessionHandlers(
	store storage.Storage,
	broker authstate.Broker,
	csrf crypto.CSRFProtection,
	csrfTTL time.Duration,
	redirectConfig config.RedirectConfig,
	opts ...redirect.Option,
) *SessionHandlers {
	return &SessionHandlers{
		store:      store,
		broker:     broker,
		csrf:       csrf,
		csrfTTL:    csrfTTL,
		redirect:   redirectConfig,
		keepAlive:  DefaultKeepAlive,
		redirectOp: opts,
		closing:    make(chan struct{}),
	}
}

// Close ends every open event stream. Streams never finish on their own,
// so the server calls this when it starts shutting down.
func (h *SessionHandlers) Close() {
	h.closeOnce.Do(func() {
		close(h.closing)
	})
}

// SetKeepAlive overrides the keepalive interval of event streams
func (h *SessionHandlers) SetKeepAlive(d time.Duration) {
	if d > 0 {
		h.keepAlive = d
	}
}

// GetSessionHandler reports the session state and issues a CSRF token
func (h *SessionHandlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "No session")
		return
	}

	pending, err := h.store.GetValue(r.Context(), session.ID, h.redirect.StorageKey)
	if err != nil && !errors.Is(err, storage.ErrValueNotFound) {
		log.LogWarnWithFields("session", "Failed to read pending redirect", map[string]any{
			"error": err.Error(),
		})
	}

	token, err := h.csrf.Generate(session.ID)
	if err != nil {
		log.LogError("Failed to generate CSRF token: %v", err)
		jsonwriter.WriteInternalServerError(w, "Failed to generate CSRF token")
		return
	}
	cookie.SetCSRF(w, token, h.csrfTTL)

	_ = jsonwriter.Write(w, SessionState{
		Authenticated:   session.Authenticated,
		Email:           session.Email,
		PendingRedirect: pending,
		CSRFToken:       token,
	})
}

// SetReturnToHandler records the page to resume after login
func (h *SessionHandlers) SetReturnToHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "No session")
		return
	}

	var req returnToRequest
	if err := jsonwriter.DecodeBody(r, &req); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid request body")
		return
	}

	path := req.Path
	if err := urlutil.ValidateLocalPath(path); err != nil {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.SetValue(r.Context(), session.ID, h.redirect.StorageKey, path); err != nil {
		log.LogErrorWithFields("session", "Failed to store pending redirect", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServiceUnavailable(w, "Session storage unavailable")
		return
	}

	log.LogDebugWithFields("session", "Pending redirect recorded", map[string]any{
		"target": path,
	})
	_ = jsonwriter.Write(w, SessionState{
		Authenticated:   session.Authenticated,
		Email:           session.Email,
		PendingRedirect: path,
	})
}

// ClearReturnToHandler drops the pending redirect
func (h *SessionHandlers) ClearReturnToHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "No session")
		return
	}

	if err := h.store.RemoveValue(r.Context(), session.ID, h.redirect.StorageKey); err != nil {
		log.LogErrorWithFields("session", "Failed to clear pending redirect", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServiceUnavailable(w, "Session storage unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EventsHandler streams auth and navigate events for the session. One
// Redirector is bound to each stream and torn down when the client leaves.
func (h *SessionHandlers) EventsHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "No session")
		return
	}

	select {
	case <-h.closing:
		jsonwriter.WriteServiceUnavailable(w, "Shutting down")
		return
	default:
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the current flag so no change is missed
	subCtx, cancelSub := context.WithCancel(ctx)
	defer func() { cancelSub() }()
	events, err := h.broker.Subscribe(subCtx, session.ID)
	if err != nil {
		log.LogErrorWithFields("events", "Failed to subscribe to auth state", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServiceUnavailable(w, "Auth state unavailable")
		return
	}

	current, err := h.store.GetSession(ctx, session.ID)
	if err != nil {
		log.LogWarnWithFields("events", "Failed to refresh session, using request snapshot", map[string]any{
			"error": err.Error(),
		})
		current = session
	}

	stream, err := sse.NewStream(w)
	if err != nil {
		jsonwriter.WriteInternalServerError(w, "Streaming unsupported")
		return
	}
	defer stream.Close()

	nav := redirect.NavigatorFunc(func(path string) {
		if err := stream.Send("navigate", NavigateEvent{Path: path, Replace: true}); err != nil {
			log.LogWarnWithFields("events", "Failed to send navigate event", map[string]any{
				"target": path,
				"error":  err.Error(),
			})
		}
	})

	opts := append([]redirect.Option{
		redirect.WithKey(h.redirect.StorageKey),
		redirect.WithDelay(h.redirect.Delay),
	}, h.redirectOp...)
	values := storage.NewSessionValues(h.store, session.ID)
	redirector := redirect.New(values, nav, opts...)

	flags := make(chan bool)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		redirector.Watch(ctx, flags)
	}()
	defer func() {
		cancel()
		<-watchDone
	}()

	log.LogDebugWithFields("events", "Event stream opened", map[string]any{
		"authenticated": current.Authenticated,
	})

	publish := func(authenticated bool, email string) bool {
		if err := stream.Send("auth", AuthEvent{Authenticated: authenticated, Email: email}); err != nil {
			return false
		}
		select {
		case flags <- authenticated:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !publish(current.Authenticated, current.Email) {
		return
	}

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			log.LogDebugWithFields("events", "Event stream closed by client", nil)
			return
		case <-h.closing:
			log.LogDebugWithFields("events", "Event stream closed for shutdown", nil)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ReplacedBy != "" {
				// Move to the rotated session before observing the flag so the
				// redirector consumes the target that moved with it
				nextCtx, cancelNext := context.WithCancel(ctx)
				next, err := h.broker.Subscribe(nextCtx, ev.ReplacedBy)
				if err != nil {
					cancelNext()
					log.LogErrorWithFields("events", "Failed to follow rotated session", map[string]any{
						"error": err.Error(),
					})
					return
				}
				cancelSub()
				cancelSub, events = cancelNext, next
				values.Rebind(ev.ReplacedBy)
				log.LogDebugWithFields("events", "Event stream followed rotated session", nil)
			}
			if !publish(ev.Authenticated, ev.Email) {
				return
			}
		case <-keepAlive.C:
			if err := stream.Comment("keepalive"); err != nil {
				return
			}
		}
	}
}
