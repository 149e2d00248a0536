package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/authredirect/internal/authstate"
	"github.com/dgellow/authredirect/internal/browserauth"
	"github.com/dgellow/authredirect/internal/config"
	"github.com/dgellow/authredirect/internal/cookie"
	"github.com/dgellow/authredirect/internal/crypto"
	"github.com/dgellow/authredirect/internal/idp"
	jsonwriter "github.com/dgellow/authredirect/internal/json"
	"github.com/dgellow/authredirect/internal/log"
	"github.com/dgellow/authredirect/internal/storage"
	"github.com/dgellow/authredirect/internal/urlutil"
)

// AuthHandlers runs the browser login against the identity provider
type AuthHandlers struct {
	provider       idp.Provider
	flow           *browserauth.Flow
	store          storage.Storage
	broker         authstate.Broker
	allowedDomains []string
	redirect       config.RedirectConfig
}

// NewAuthHandlers creates new auth handlers with dependency injection
func NewAuthHandlers(
	provider idp.Provider,
	flow *browserauth.Flow,
	store storage.Storage,
	broker authstate.Broker,
	allowedDomains []string,
	redirectConfig config.RedirectConfig,
) *AuthHandlers {
	return &AuthHandlers{
		provider:       provider,
		flow:           flow,
		store:          store,
		broker:         broker,
		allowedDomains: allowedDomains,
		redirect:       redirectConfig,
	}
}

// LoginHandler starts a login. An optional return_to query parameter is
// recorded as the pending redirect before leaving for the provider.
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := SessionFromContext(ctx)
	if !ok {
		jsonwriter.WriteUnauthorized(w, "No session")
		return
	}

	if returnTo := r.URL.Query().Get("return_to"); returnTo != "" {
		if err := urlutil.ValidateLocalPath(returnTo); err != nil {
			jsonwriter.WriteBadRequest(w, err.Error())
			return
		}
		if err := h.store.SetValue(ctx, session.ID, h.redirect.StorageKey, returnTo); err != nil {
			log.LogErrorWithFields("auth", "Failed to store pending redirect", map[string]any{
				"error": err.Error(),
			})
			jsonwriter.WriteServiceUnavailable(w, "Session storage unavailable")
			return
		}
	}

	state, opts, err := h.flow.Begin(ctx, session.ID)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to start login", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Failed to start login")
		return
	}

	log.LogInfoWithFields("auth", "Redirecting to identity provider", map[string]any{
		"provider": h.provider.Type(),
	})
	http.Redirect(w, r, h.provider.AuthURL(state, opts...), http.StatusFound)
}

// CallbackHandler completes a login: it checks the state, exchanges the
// code with the PKCE verifier, validates the identity, then moves the
// session to a fresh id marked authenticated and publishes the change
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := SessionFromContext(ctx)
	if !ok {
		jsonwriter.WriteUnauthorized(w, "No session")
		return
	}

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		log.LogWarnWithFields("auth", "Identity provider returned an error", map[string]any{
			"error":       errParam,
			"description": query.Get("error_description"),
		})
		jsonwriter.WriteBadRequest(w, "Login was not completed")
		return
	}

	state, code := query.Get("state"), query.Get("code")
	if state == "" || code == "" {
		jsonwriter.WriteBadRequest(w, "Missing state or code")
		return
	}

	verifier, err := h.flow.Complete(ctx, session.ID, state)
	if err != nil {
		log.LogWarnWithFields("auth", "Rejected login callback", map[string]any{
			"error": err.Error(),
		})
		if errors.Is(err, browserauth.ErrInvalidState) || errors.Is(err, browserauth.ErrNoLoginInProgress) {
			jsonwriter.WriteBadRequest(w, "Invalid state parameter")
		} else {
			jsonwriter.WriteServiceUnavailable(w, "Session storage unavailable")
		}
		return
	}

	token, err := h.provider.ExchangeCode(ctx, code, verifier)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to exchange authorization code", map[string]any{
			"provider": h.provider.Type(),
			"error":    err.Error(),
		})
		jsonwriter.WriteBadRequest(w, "Failed to exchange authorization code")
		return
	}

	identity, err := h.provider.UserInfo(ctx, token)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to fetch user info", map[string]any{
			"provider": h.provider.Type(),
			"error":    err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Failed to fetch user info")
		return
	}

	if err := idp.ValidateIdentity(identity, h.allowedDomains); err != nil {
		log.LogWarnWithFields("auth", "Login refused", map[string]any{
			"email": identity.Email,
			"error": err.Error(),
		})
		jsonwriter.WriteForbidden(w, err.Error())
		return
	}

	rotated, err := h.rotateSession(ctx, session.ID, identity.Email)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to rotate session", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServiceUnavailable(w, "Session storage unavailable")
		return
	}
	cookie.SetSession(w, rotated.ID, time.Until(rotated.ExpiresAt))

	log.LogInfoWithFields("auth", "User authenticated", map[string]any{
		"email":    identity.Email,
		"provider": identity.ProviderType,
	})
	http.Redirect(w, r, h.redirect.LandingPath, http.StatusFound)
}

// LogoutHandler marks the session unauthenticated
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "No session")
		return
	}

	updated, err := h.setAuthenticated(r, session.ID, false, "")
	if err != nil {
		jsonwriter.WriteServiceUnavailable(w, "Session storage unavailable")
		return
	}

	log.LogInfoWithFields("auth", "User logged out", map[string]any{
		"email": session.Email,
	})
	_ = jsonwriter.Write(w, SessionState{Authenticated: updated.Authenticated})
}

// rotateSession moves the session, pending redirect included, to a new id
// authenticated as email. An id handed out before login is dead after it.
// Observers of the old id get an event naming the new one.
func (h *AuthHandlers) rotateSession(ctx context.Context, oldID, email string) (*storage.Session, error) {
	newID, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	rotated, err := h.store.RotateSession(ctx, oldID, newID, email)
	if err != nil {
		return nil, err
	}

	events := []authstate.Event{
		{SessionID: newID, Authenticated: true, Email: email},
		{SessionID: oldID, Authenticated: true, Email: email, ReplacedBy: newID},
	}
	for _, event := range events {
		if err := h.broker.Publish(ctx, event); err != nil {
			log.LogWarnWithFields("auth", "Failed to publish auth state", map[string]any{
				"error": err.Error(),
			})
		}
	}
	return rotated, nil
}

func (h *AuthHandlers) setAuthenticated(r *http.Request, sessionID string, authenticated bool, email string) (*storage.Session, error) {
	return setAuthenticated(r, h.store, h.broker, sessionID, authenticated, email)
}

// setAuthenticated persists the flag, then publishes it. A publish failure
// is logged only: streams opened later read the stored flag.
func setAuthenticated(r *http.Request, store storage.SessionStore, broker authstate.Broker, sessionID string, authenticated bool, email string) (*storage.Session, error) {
	ctx := r.Context()
	session, err := store.SetAuthenticated(ctx, sessionID, authenticated, email)
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			log.LogErrorWithFields("auth", "Failed to update authentication flag", map[string]any{
				"error": err.Error(),
			})
		}
		return nil, err
	}

	event := authstate.Event{
		SessionID:     sessionID,
		Authenticated: session.Authenticated,
		Email:         session.Email,
	}
	if err := broker.Publish(ctx, event); err != nil {
		log.LogWarnWithFields("auth", "Failed to publish auth state", map[string]any{
			"error": err.Error(),
		})
	}
	return session, nil
}
