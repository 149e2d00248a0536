package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken is returned for malformed tokens and bad signatures
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for well-signed tokens past their expiry
	ErrTokenExpired = errors.New("token expired")
)

// TokenSigner provides HMAC-signed JSON tokens with optional expiry.
// Used for the OAuth state parameter of the browser login flow.
type TokenSigner struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenSigner creates a new token signer; ttl <= 0 means no expiry
func NewTokenSigner(signingKey []byte, ttl time.Duration) TokenSigner {
	return TokenSigner{
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

// tokenEnvelope wraps user data with metadata
type tokenEnvelope struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

// Sign marshals v to JSON, signs it with HMAC, and returns "<payload>.<signature>"
func (ts TokenSigner) Sign(v any) (string, error) {
	userData, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	envelope := tokenEnvelope{Data: userData}
	if ts.ttl > 0 {
		envelope.ExpiresAt = ts.now().Add(ts.ttl)
	}

	jsonData, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token data: %w", err)
	}

	payload := base64.RawURLEncoding.EncodeToString(jsonData)
	return payload + "." + SignData(payload, ts.signingKey), nil
}

// Verify validates the signature, checks expiry, and unmarshals the data into v
func (ts TokenSigner) Verify(token string, v any) error {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || payload == "" || signature == "" {
		return fmt.Errorf("%w: bad format", ErrInvalidToken)
	}

	if !ValidateSignedData(payload, signature, ts.signingKey) {
		return fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	jsonData, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var envelope tokenEnvelope
	if err := json.Unmarshal(jsonData, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !envelope.ExpiresAt.IsZero() && ts.now().After(envelope.ExpiresAt) {
		return ErrTokenExpired
	}

	if err := json.Unmarshal(envelope.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal user data: %w", err)
	}
	return nil
}
