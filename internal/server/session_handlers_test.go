package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/authredirect/internal/authstate"
	"github.com/dgellow/authredirect/internal/cookie"
	"github.com/dgellow/authredirect/internal/crypto"
	"github.com/dgellow/authredirect/internal/redirect"
	"github.com/dgellow/authredirect/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionHandlers(store *storage.MemoryStorage, broker authstate.Broker) *SessionHandlers {
	csrf := crypto.NewCSRFProtection(testSigningKey, time.Hour)
	return NewSessionHandlers(store, broker, csrf, time.Hour, testRedirectConfig())
}

func TestGetSessionHandler(t *testing.T) {
	store := storage.NewMemoryStorage()
	session := newTestSession(t, store)
	ctx := context.Background()
	require.NoError(t, store.SetValue(ctx, session.ID, redirect.DefaultKey, "/cuenta/pedidos"))

	h := newTestSessionHandlers(store, authstate.NewMemoryBroker())
	w := httptest.NewRecorder()
	withSession(h.GetSessionHandler, session).ServeHTTP(w, httptest.NewRequest("GET", "/session", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var state SessionState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.False(t, state.Authenticated)
	assert.Equal(t, "/cuenta/pedidos", state.PendingRedirect)
	assert.NotEmpty(t, state.CSRFToken)

	csrf := crypto.NewCSRFProtection(testSigningKey, time.Hour)
	assert.True(t, csrf.Validate(session.ID, state.CSRFToken))

	var csrfCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == cookie.CSRFCookie {
			csrfCookie = c
		}
	}
	require.NotNil(t, csrfCookie)
	assert.Equal(t, state.CSRFToken, csrfCookie.Value)
}

func TestSetReturnToHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"relative path", `{"path":"/cuenta/pedidos?tab=open"}`, http.StatusOK},
		{"absolute url", `{"path":"https://evil.example.com/"}`, http.StatusBadRequest},
		{"protocol relative", `{"path":"//evil.example.com"}`, http.StatusBadRequest},
		{"backslash", `{"path":"/\\evil.example.com"}`, http.StatusBadRequest},
		{"empty", `{"path":""}`, http.StatusBadRequest},
		{"malformed", `{"path":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			session := newTestSession(t, store)
			h := newTestSessionHandlers(store, authstate.NewMemoryBroker())

			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/session/return-to", strings.NewReader(tt.body))
			withSession(h.SetReturnToHandler, session).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)

			value, err := store.GetValue(context.Background(), session.ID, redirect.DefaultKey)
			if tt.wantStatus == http.StatusOK {
				require.NoError(t, err)
				assert.Equal(t, "/cuenta/pedidos?tab=open", value)
			} else {
				assert.ErrorIs(t, err, storage.ErrValueNotFound)
			}
		})
	}
}

func TestClearReturnToHandler(t *testing.T) {
	store := storage.NewMemoryStorage()
	session := newTestSession(t, store)
	require.NoError(t, store.SetValue(context.Background(), session.ID, redirect.DefaultKey, "/cuenta"))

	h := newTestSessionHandlers(store, authstate.NewMemoryBroker())
	w := httptest.NewRecorder()
	withSession(h.ClearReturnToHandler, session).ServeHTTP(w, httptest.NewRequest("DELETE", "/session/return-to", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	_, err := store.GetValue(context.Background(), session.ID, redirect.DefaultKey)
	assert.ErrorIs(t, err, storage.ErrValueNotFound)
}

func TestHandlersRequireSession(t *testing.T) {
	h := newTestSessionHandlers(storage.NewMemoryStorage(), authstate.NewMemoryBroker())
	for _, fn := range []http.HandlerFunc{h.GetSessionHandler, h.SetReturnToHandler, h.ClearReturnToHandler, h.EventsHandler} {
		w := httptest.NewRecorder()
		fn(w, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
}

func openEvents(t *testing.T, srv *httptest.Server) (*http.Response, <-chan sseEvent) {
	t.Helper()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return resp, readEvents(t, resp)
}

func TestEventsHandler_NavigatesAfterLogin(t *testing.T) {
	store := storage.NewMemoryStorage()
	broker := authstate.NewMemoryBroker()
	session := newTestSession(t, store)
	ctx := context.Background()
	require.NoError(t, store.SetValue(ctx, session.ID, redirect.DefaultKey, "/cuenta/pedidos"))

	h := newTestSessionHandlers(store, broker)
	srv := httptest.NewServer(withSession(h.EventsHandler, session))
	defer srv.Close()

	resp, events := openEvents(t, srv)
	defer resp.Body.Close()

	var auth AuthEvent
	nextEvent(t, events, "auth", &auth)
	assert.False(t, auth.Authenticated)

	updated, err := store.SetAuthenticated(ctx, session.ID, true, "ana@tienda.example.com")
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, authstate.Event{SessionID: session.ID, Authenticated: true, Email: updated.Email}))

	nextEvent(t, events, "auth", &auth)
	assert.True(t, auth.Authenticated)
	assert.Equal(t, "ana@tienda.example.com", auth.Email)

	var nav NavigateEvent
	nextEvent(t, events, "navigate", &nav)
	assert.Equal(t, NavigateEvent{Path: "/cuenta/pedidos", Replace: true}, nav)

	_, err = store.GetValue(ctx, session.ID, redirect.DefaultKey)
	assert.ErrorIs(t, err, storage.ErrValueNotFound, "target consumed")
}

func TestEventsHandler_FollowsRotatedSession(t *testing.T) {
	store := storage.NewMemoryStorage()
	broker := authstate.NewMemoryBroker()
	session := newTestSession(t, store)
	ctx := context.Background()
	require.NoError(t, store.SetValue(ctx, session.ID, redirect.DefaultKey, "/cuenta/pedidos"))

	h := newTestSessionHandlers(store, broker)
	srv := httptest.NewServer(withSession(h.EventsHandler, session))
	defer srv.Close()

	resp, events := openEvents(t, srv)
	defer resp.Body.Close()

	var auth AuthEvent
	nextEvent(t, events, "auth", &auth)
	require.Equal(t, 1, broker.Subscribers(session.ID))

	rotated, err := store.RotateSession(ctx, session.ID, "rotated-id", "ana@tienda.example.com")
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, authstate.Event{
		SessionID:     session.ID,
		Authenticated: true,
		Email:         rotated.Email,
		ReplacedBy:    rotated.ID,
	}))

	nextEvent(t, events, "auth", &auth)
	assert.True(t, auth.Authenticated)

	var nav NavigateEvent
	nextEvent(t, events, "navigate", &nav)
	assert.Equal(t, NavigateEvent{Path: "/cuenta/pedidos", Replace: true}, nav)

	_, err = store.GetValue(ctx, rotated.ID, redirect.DefaultKey)
	assert.ErrorIs(t, err, storage.ErrValueNotFound, "moved target consumed")

	// Later changes arrive on the new id only
	require.Eventually(t, func() bool { return broker.Subscribers(session.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, broker.Subscribers(rotated.ID))
	require.NoError(t, broker.Publish(ctx, authstate.Event{SessionID: rotated.ID, Authenticated: false}))
	nextEvent(t, events, "auth", &auth)
	assert.False(t, auth.Authenticated)
}

func TestEventsHandler_AlreadyAuthenticatedConsumesOnOpen(t *testing.T) {
	store := storage.NewMemoryStorage()
	broker := authstate.NewMemoryBroker()
	session := newTestSession(t, store)
	ctx := context.Background()
	_, err := store.SetAuthenticated(ctx, session.ID, true, "ana@tienda.example.com")
	require.NoError(t, err)
	require.NoError(t, store.SetValue(ctx, session.ID, redirect.DefaultKey, "/checkout/envio"))

	h := newTestSessionHandlers(store, broker)
	// The request snapshot is stale; the handler re-reads the session
	srv := httptest.NewServer(withSession(h.EventsHandler, session))
	defer srv.Close()

	resp, events := openEvents(t, srv)
	defer resp.Body.Close()

	var auth AuthEvent
	nextEvent(t, events, "auth", &auth)
	assert.True(t, auth.Authenticated)

	var nav NavigateEvent
	nextEvent(t, events, "navigate", &nav)
	assert.Equal(t, "/checkout/envio", nav.Path)
}

func TestEventsHandler_DisconnectTearsDown(t *testing.T) {
	store := storage.NewMemoryStorage()
	broker := authstate.NewMemoryBroker()
	session := newTestSession(t, store)
	ctx := context.Background()
	require.NoError(t, store.SetValue(ctx, session.ID, redirect.DefaultKey, "/cuenta/pedidos"))

	h := NewSessionHandlers(store, broker, crypto.NewCSRFProtection(testSigningKey, time.Hour), time.Hour, testRedirectConfig(),
		redirect.WithDelay(time.Hour))
	srv := httptest.NewServer(withSession(h.EventsHandler, session))
	defer srv.Close()

	resp, events := openEvents(t, srv)

	var auth AuthEvent
	nextEvent(t, events, "auth", &auth)
	require.Equal(t, 1, broker.Subscribers(session.ID))

	require.NoError(t, broker.Publish(ctx, authstate.Event{SessionID: session.ID, Authenticated: true}))
	nextEvent(t, events, "auth", &auth)
	assert.True(t, auth.Authenticated)

	// Navigation is an hour away; leaving the page must cancel it
	resp.Body.Close()

	require.Eventually(t, func() bool { return broker.Subscribers(session.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
	_, err := store.GetValue(ctx, session.ID, redirect.DefaultKey)
	assert.ErrorIs(t, err, storage.ErrValueNotFound, "consumed target is not restored")
}

func TestEventsHandler_KeepAlive(t *testing.T) {
	store := storage.NewMemoryStorage()
	session := newTestSession(t, store)

	h := newTestSessionHandlers(store, authstate.NewMemoryBroker())
	h.SetKeepAlive(10 * time.Millisecond)
	srv := httptest.NewServer(withSession(h.EventsHandler, session))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	found := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if scanner.Text() == ": keepalive" {
				close(found)
				return
			}
		}
	}()

	select {
	case <-found:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive comment")
	}
}

func TestEventsHandler_BrokerClosed(t *testing.T) {
	store := storage.NewMemoryStorage()
	session := newTestSession(t, store)
	broker := authstate.NewMemoryBroker()
	require.NoError(t, broker.Close())

	h := newTestSessionHandlers(store, broker)
	w := httptest.NewRecorder()
	withSession(h.EventsHandler, session).ServeHTTP(w, httptest.NewRequest("GET", "/session/events", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
