package idp

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig configures a generic OIDC provider.
type OIDCConfig struct {
	// ProviderType identifies this provider (e.g., "oidc", "azure").
	ProviderType string

	// Issuer enables discovery and ID token verification
	Issuer string

	// Direct endpoint configuration (used if Issuer is not set).
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string

	// OAuth client configuration.
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// TrustEmail treats emails as verified when the provider omits
	// email_verified (Azure AD only issues tenant-managed addresses)
	TrustEmail bool
}

// OIDCProvider implements the Provider interface for OIDC-compliant identity providers.
type OIDCProvider struct {
	providerType string
	config       oauth2.Config
	userInfoURL  string
	verifier     *oidc.IDTokenVerifier // nil without discovery
	trustEmail   bool
}

type oidcClaims struct {
	Sub               string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     *bool  `json:"email_verified"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	Picture           string `json:"picture"`
}

// NewOIDCProvider creates a new OIDC provider. With an issuer it runs
// discovery once at construction.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	p := &OIDCProvider{
		providerType: cfg.ProviderType,
		trustEmail:   cfg.TrustEmail,
	}
	if p.providerType == "" {
		p.providerType = "oidc"
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	var endpoint oauth2.Endpoint
	if cfg.Issuer != "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to discover OIDC provider %s: %w", cfg.Issuer, err)
		}

		var discovery struct {
			UserInfoURL string `json:"userinfo_endpoint"`
		}
		if err := provider.Claims(&discovery); err != nil {
			return nil, fmt.Errorf("failed to decode discovery document: %w", err)
		}

		endpoint = provider.Endpoint()
		p.userInfoURL = discovery.UserInfoURL
		p.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	} else {
		if cfg.AuthorizationURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
			return nil, fmt.Errorf("either issuer or all endpoints (authorizationUrl, tokenUrl, userInfoUrl) must be provided")
		}
		endpoint = oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationURL,
			TokenURL: cfg.TokenURL,
		}
		p.userInfoURL = cfg.UserInfoURL
	}

	p.config = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
	return p, nil
}

// Type returns the provider type.
func (p *OIDCProvider) Type() string {
	return p.providerType
}

// AuthURL generates the authorization URL.
func (p *OIDCProvider) AuthURL(state string, opts ...oauth2.AuthCodeOption) string {
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code, opts...)
}

// UserInfo prefers the verified ID token's claims and falls back to the
// userinfo endpoint when the token carries no email.
func (p *OIDCProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	if p.verifier != nil {
		if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
			idToken, err := p.verifier.Verify(ctx, rawIDToken)
			if err != nil {
				return nil, fmt.Errorf("failed to verify ID token: %w", err)
			}
			var claims oidcClaims
			if err := idToken.Claims(&claims); err != nil {
				return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
			}
			if identity := p.identity(claims); identity.Email != "" {
				return identity, nil
			}
		}
	}

	if p.userInfoURL == "" {
		return nil, fmt.Errorf("provider has no userinfo endpoint and the ID token carries no email")
	}
	return p.fetchUserInfo(ctx, token)
}

func (p *OIDCProvider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	var claims oidcClaims
	if err := fetchJSON(ctx, p.config.Client(ctx, token), p.userInfoURL, "user info", nil, &claims); err != nil {
		return nil, err
	}
	return p.identity(claims), nil
}

func (p *OIDCProvider) identity(claims oidcClaims) *Identity {
	email := claims.Email
	if email == "" && p.trustEmail {
		email = claims.PreferredUsername
	}

	verified := p.trustEmail
	if claims.EmailVerified != nil {
		verified = *claims.EmailVerified
	}

	return &Identity{
		ProviderType:  p.providerType,
		Subject:       claims.Sub,
		Email:         NormalizeEmail(email),
		EmailVerified: verified,
		Name:          claims.Name,
		Picture:       claims.Picture,
		Domain:        EmailDomain(email),
	}
}
