package idp

import (
	"context"
	"fmt"

	"github.com/dgellow/authredirect/internal/config"
)

// NewProvider creates the Provider selected by cfg.Provider. OIDC and
// Azure run discovery, so ctx bounds those network calls.
func NewProvider(ctx context.Context, cfg config.IDPConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderTypeGoogle:
		google := GoogleConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: string(cfg.ClientSecret),
			RedirectURI:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
		}
		// Only a single allowed domain can be offered as a hint
		if len(cfg.AllowedDomains) == 1 {
			google.HostedDomain = cfg.AllowedDomains[0]
		}
		return NewGoogleProvider(google), nil

	case config.ProviderTypeAzure:
		return NewAzureProvider(
			ctx,
			cfg.TenantID,
			cfg.ClientID,
			string(cfg.ClientSecret),
			cfg.RedirectURI,
		)

	case config.ProviderTypeGitHub:
		return NewGitHubProvider(
			cfg.ClientID,
			string(cfg.ClientSecret),
			cfg.RedirectURI,
		), nil

	case config.ProviderTypeOIDC:
		return NewOIDCProvider(ctx, OIDCConfig{
			ProviderType:     "oidc",
			Issuer:           cfg.Issuer,
			AuthorizationURL: cfg.AuthorizationURL,
			TokenURL:         cfg.TokenURL,
			UserInfoURL:      cfg.UserInfoURL,
			ClientID:         cfg.ClientID,
			ClientSecret:     string(cfg.ClientSecret),
			RedirectURI:      cfg.RedirectURI,
			Scopes:           cfg.Scopes,
		})

	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider)
	}
}
