// Package browserauth carries a browser login through the identity
// provider round trip. The OAuth state parameter is a signed token bound to
// the browser session; the nonce it carries and the PKCE verifier are kept
// in that session's values and consumed once by the callback.
package browserauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/authredirect/internal/crypto"
	"github.com/dgellow/authredirect/internal/log"
	"github.com/dgellow/authredirect/internal/storage"
	"golang.org/x/oauth2"
)

// Session value keys used during a login
const (
	NonceKey    = "authNonce"
	VerifierKey = "pkceVerifier"
)

var (
	// ErrInvalidState is returned when the state parameter does not belong
	// to the session completing the login
	ErrInvalidState = errors.New("invalid authorization state")

	// ErrNoLoginInProgress is returned when the session has no pending login
	ErrNoLoginInProgress = errors.New("no login in progress")
)

// AuthorizationState represents the OAuth authorization code flow state parameter
type AuthorizationState struct {
	Nonce     string `json:"nonce"`
	SessionID string `json:"sid"`
}

// Flow starts and completes browser logins
type Flow struct {
	signer crypto.TokenSigner
	values storage.ValueStore
}

// NewFlow creates a Flow signing state with signer and keeping per-login
// secrets in values
func NewFlow(signer crypto.TokenSigner, values storage.ValueStore) *Flow {
	return &Flow{signer: signer, values: values}
}

// Begin records a new login for sessionID. It returns the state parameter
// and the PKCE challenge options to pass to the provider's AuthURL.
func (f *Flow) Begin(ctx context.Context, sessionID string) (string, []oauth2.AuthCodeOption, error) {
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate state nonce: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	state, err := f.signer.Sign(AuthorizationState{Nonce: nonce, SessionID: sessionID})
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign state: %w", err)
	}

	if err := f.values.SetValue(ctx, sessionID, NonceKey, nonce); err != nil {
		return "", nil, fmt.Errorf("failed to store state nonce: %w", err)
	}
	if err := f.values.SetValue(ctx, sessionID, VerifierKey, verifier); err != nil {
		return "", nil, fmt.Errorf("failed to store PKCE verifier: %w", err)
	}

	log.LogTraceWithFields("browserauth", "Login started", map[string]any{
		"session": sessionID,
	})
	return state, []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}, nil
}

// Complete checks that state was issued to sessionID by Begin and has not
// been used yet. It returns the PKCE verifier option for the code exchange.
func (f *Flow) Complete(ctx context.Context, sessionID, state string) (oauth2.AuthCodeOption, error) {
	var authState AuthorizationState
	if err := f.signer.Verify(state, &authState); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if authState.SessionID != sessionID {
		return nil, fmt.Errorf("%w: issued to another session", ErrInvalidState)
	}

	nonce, err := f.values.TakeValue(ctx, sessionID, NonceKey)
	// A session rotated by an earlier callback no longer exists
	if errors.Is(err, storage.ErrValueNotFound) || errors.Is(err, storage.ErrSessionNotFound) {
		return nil, ErrNoLoginInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state nonce: %w", err)
	}
	if nonce != authState.Nonce {
		return nil, fmt.Errorf("%w: superseded by a newer login", ErrInvalidState)
	}

	verifier, err := f.values.TakeValue(ctx, sessionID, VerifierKey)
	if errors.Is(err, storage.ErrValueNotFound) {
		return nil, ErrNoLoginInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read PKCE verifier: %w", err)
	}

	return oauth2.VerifierOption(verifier), nil
}
