package idp

import (
	"context"
	"testing"

	"github.com/dgellow/authredirect/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("google", func(t *testing.T) {
		p, err := NewProvider(ctx, config.IDPConfig{
			Provider:     config.ProviderTypeGoogle,
			ClientID:     "client-id",
			ClientSecret: config.Secret("secret"),
			RedirectURI:  "https://example.com/auth/callback",
		})
		require.NoError(t, err)
		assert.Equal(t, "google", p.Type())
		assert.NotContains(t, p.AuthURL("state"), "hd=")
	})

	t.Run("google with one allowed domain hints it", func(t *testing.T) {
		p, err := NewProvider(ctx, config.IDPConfig{
			Provider:       config.ProviderTypeGoogle,
			ClientID:       "client-id",
			RedirectURI:    "https://example.com/auth/callback",
			AllowedDomains: []string{"tienda.example.com"},
		})
		require.NoError(t, err)
		assert.Contains(t, p.AuthURL("state"), "hd=tienda.example.com")
	})

	t.Run("github", func(t *testing.T) {
		p, err := NewProvider(ctx, config.IDPConfig{Provider: config.ProviderTypeGitHub, ClientID: "client-id"})
		require.NoError(t, err)
		assert.Equal(t, "github", p.Type())
	})

	t.Run("oidc with endpoints", func(t *testing.T) {
		p, err := NewProvider(ctx, config.IDPConfig{
			Provider:         config.ProviderTypeOIDC,
			ClientID:         "client-id",
			AuthorizationURL: "https://idp.example.com/authorize",
			TokenURL:         "https://idp.example.com/token",
			UserInfoURL:      "https://idp.example.com/userinfo",
		})
		require.NoError(t, err)
		assert.Equal(t, "oidc", p.Type())
	})

	t.Run("oidc with discovery", func(t *testing.T) {
		issuer := newFakeIssuer(t, "")
		p, err := NewProvider(ctx, config.IDPConfig{
			Provider: config.ProviderTypeOIDC,
			ClientID: "client-id",
			Issuer:   issuer.issuer,
		})
		require.NoError(t, err)
		assert.Equal(t, "oidc", p.Type())
	})

	t.Run("azure without tenant", func(t *testing.T) {
		_, err := NewProvider(ctx, config.IDPConfig{Provider: config.ProviderTypeAzure, ClientID: "client-id"})
		require.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewProvider(ctx, config.IDPConfig{Provider: "saml"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown provider type")
	})
}
