package server

import (
	"errors"
	"net/http"

	"github.com/dgellow/authredirect/internal/authstate"
	jsonwriter "github.com/dgellow/authredirect/internal/json"
	"github.com/dgellow/authredirect/internal/log"
	"github.com/dgellow/authredirect/internal/servicecontext"
	"github.com/dgellow/authredirect/internal/storage"
)

type setAuthRequest struct {
	Authenticated bool   `json:"authenticated"`
	Email         string `json:"email"`
}

// InternalHandlers serves the API the host application calls with service credentials
type InternalHandlers struct {
	store  storage.SessionStore
	broker authstate.Broker
}

// NewInternalHandlers creates internal API handlers
func NewInternalHandlers(store storage.SessionStore, broker authstate.Broker) *InternalHandlers {
	return &InternalHandlers{store: store, broker: broker}
}

// SetAuthHandler sets the authentication flag of a session on behalf of the
// host application, for logins it completed itself
func (h *InternalHandlers) SetAuthHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		jsonwriter.WriteBadRequest(w, "Missing session id")
		return
	}

	var req setAuthRequest
	if err := jsonwriter.DecodeBody(r, &req); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Authenticated && req.Email == "" {
		jsonwriter.WriteBadRequest(w, "email is required when authenticated is true")
		return
	}

	session, err := setAuthenticated(r, h.store, h.broker, sessionID, req.Authenticated, req.Email)
	if errors.Is(err, storage.ErrSessionNotFound) {
		jsonwriter.WriteNotFound(w, "Session not found")
		return
	}
	if err != nil {
		jsonwriter.WriteServiceUnavailable(w, "Session storage unavailable")
		return
	}

	service, _ := servicecontext.GetServiceName(r.Context())
	log.LogInfoWithFields("internal", "Session authentication set by service", map[string]any{
		"service":       service,
		"authenticated": session.Authenticated,
	})
	_ = jsonwriter.Write(w, SessionState{
		Authenticated: session.Authenticated,
		Email:         session.Email,
	})
}
