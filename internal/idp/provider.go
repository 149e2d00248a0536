package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/dgellow/authredirect/internal/ioutil"
	"golang.org/x/oauth2"
)

// Identity is the authenticated user as reported by any identity provider
type Identity struct {
	ProviderType  string `json:"provider_type"`
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Domain        string `json:"domain"`
}

// Provider abstracts identity provider operations.
type Provider interface {
	// Type returns the provider type identifier (e.g., "google", "azure", "github", "oidc").
	Type() string

	// AuthURL generates the authorization URL. opts carries the PKCE challenge.
	AuthURL(state string, opts ...oauth2.AuthCodeOption) string

	// ExchangeCode exchanges an authorization code for tokens. opts carries the PKCE verifier.
	ExchangeCode(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)

	// UserInfo fetches the identity behind token
	UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error)
}

// NormalizeEmail lowercases and trims an email address for comparison
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailDomain extracts the domain from an email address
func EmailDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

// ValidateDomain checks if the domain is in the allowed list.
// Returns nil if allowedDomains is empty (no restriction) or domain is allowed.
func ValidateDomain(domain string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.ContainsFunc(allowedDomains, func(d string) bool { return strings.EqualFold(d, domain) }) {
		return fmt.Errorf("domain '%s' is not allowed. Contact your administrator", domain)
	}
	return nil
}

// ValidateIdentity checks that an identity may log in: it must carry a
// verified email whose domain is allowed
func ValidateIdentity(identity *Identity, allowedDomains []string) error {
	if identity.Email == "" {
		return fmt.Errorf("identity provider returned no email")
	}
	if !identity.EmailVerified {
		return fmt.Errorf("email %s is not verified", identity.Email)
	}
	return ValidateDomain(identity.Domain, allowedDomains)
}

// fetchJSON GETs url with an authorized client and decodes the 200 response
// into v. what names the resource in errors.
func fetchJSON(ctx context.Context, client *http.Client, url, what string, header http.Header, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", what, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		req.Header[k] = vs
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", what, err)
	}
	defer resp.Body.Close()

	if err := ioutil.CheckStatus(resp, "get "+what); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return nil
}
