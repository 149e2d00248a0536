package idp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeIssuer serves discovery, JWKS, token and userinfo endpoints and signs
// ID tokens with its own RSA key
type fakeIssuer struct {
	t        *testing.T
	server   *httptest.Server
	issuer   string
	key      *rsa.PrivateKey
	userInfo map[string]any
	idClaims map[string]any
}

func newFakeIssuer(t *testing.T, issuerPath string) *fakeIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeIssuer{t: t, key: key}
	mux := http.NewServeMux()
	mux.HandleFunc(issuerPath+"/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		f.writeJSON(w, map[string]any{
			"issuer":                                f.issuer,
			"authorization_endpoint":                f.server.URL + "/authorize",
			"token_endpoint":                        f.server.URL + "/token",
			"userinfo_endpoint":                     f.server.URL + "/userinfo",
			"jwks_uri":                              f.server.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		f.writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &f.key.PublicKey,
			KeyID:     "test-key",
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"access_token": "access-token", "token_type": "Bearer", "expires_in": 3600}
		if f.idClaims != nil {
			resp["id_token"] = f.signIDToken(f.idClaims)
		}
		f.writeJSON(w, resp)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.writeJSON(w, f.userInfo)
	})

	f.server = httptest.NewServer(mux)
	f.issuer = f.server.URL + issuerPath
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIssuer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func (f *fakeIssuer) signIDToken(claims map[string]any) string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: f.key, KeyID: "test-key"}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(f.t, err)

	full := map[string]any{
		"iss": f.issuer,
		"aud": "client-id",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		full[k] = v
	}
	payload, err := json.Marshal(full)
	require.NoError(f.t, err)

	obj, err := signer.Sign(payload)
	require.NoError(f.t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(f.t, err)
	return raw
}

func TestNewOIDCProvider_WithDirectEndpoints(t *testing.T) {
	provider, err := NewOIDCProvider(context.Background(), OIDCConfig{
		ProviderType:     "custom",
		AuthorizationURL: "https://idp.example.com/authorize",
		TokenURL:         "https://idp.example.com/token",
		UserInfoURL:      "https://idp.example.com/userinfo",
		ClientID:         "client-id",
		ClientSecret:     "client-secret",
		RedirectURI:      "https://example.com/callback",
	})

	require.NoError(t, err)
	assert.Equal(t, "custom", provider.Type())
	assert.Contains(t, provider.AuthURL("s"), "https://idp.example.com/authorize")
}

func TestNewOIDCProvider_MissingEndpoints(t *testing.T) {
	_, err := NewOIDCProvider(context.Background(), OIDCConfig{
		AuthorizationURL: "https://idp.example.com/authorize",
		ClientID:         "client-id",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "either issuer or all endpoints")
}

func TestNewOIDCProvider_DiscoveryFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewOIDCProvider(context.Background(), OIDCConfig{Issuer: server.URL, ClientID: "client-id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to discover")
}

func TestOIDCProvider_VerifiedIDToken(t *testing.T) {
	issuer := newFakeIssuer(t, "")
	issuer.idClaims = map[string]any{
		"sub":            "user-1",
		"email":          "User@Company.com",
		"email_verified": true,
		"name":           "Test User",
	}

	ctx := context.Background()
	provider, err := NewOIDCProvider(ctx, OIDCConfig{
		Issuer:       issuer.issuer,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://example.com/callback",
	})
	require.NoError(t, err)
	assert.Contains(t, provider.AuthURL("s"), issuer.server.URL+"/authorize")

	token, err := provider.ExchangeCode(ctx, "code", oauth2.VerifierOption("verifier"))
	require.NoError(t, err)

	identity, err := provider.UserInfo(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "oidc", identity.ProviderType)
	assert.Equal(t, "user-1", identity.Subject)
	assert.Equal(t, "user@company.com", identity.Email)
	assert.Equal(t, "company.com", identity.Domain)
	assert.True(t, identity.EmailVerified)
}

func TestOIDCProvider_RejectsForeignAudience(t *testing.T) {
	issuer := newFakeIssuer(t, "")
	issuer.idClaims = map[string]any{"sub": "user-1", "email": "a@company.com", "aud": "someone-else"}

	ctx := context.Background()
	provider, err := NewOIDCProvider(ctx, OIDCConfig{Issuer: issuer.issuer, ClientID: "client-id"})
	require.NoError(t, err)

	token, err := provider.ExchangeCode(ctx, "code")
	require.NoError(t, err)

	_, err = provider.UserInfo(ctx, token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to verify ID token")
}

func TestOIDCProvider_FallsBackToUserInfo(t *testing.T) {
	issuer := newFakeIssuer(t, "")
	issuer.userInfo = map[string]any{
		"sub":            "user-2",
		"email":          "other@company.com",
		"email_verified": false,
	}

	ctx := context.Background()
	provider, err := NewOIDCProvider(ctx, OIDCConfig{Issuer: issuer.issuer, ClientID: "client-id"})
	require.NoError(t, err)

	token, err := provider.ExchangeCode(ctx, "code")
	require.NoError(t, err)

	identity, err := provider.UserInfo(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-2", identity.Subject)
	assert.Equal(t, "other@company.com", identity.Email)
	assert.False(t, identity.EmailVerified)
}

func TestAzureProvider_TrustsTenantEmail(t *testing.T) {
	issuer := newFakeIssuer(t, "/tenant-123/v2.0")
	issuer.idClaims = map[string]any{
		"sub":                "azure-user",
		"preferred_username": "Someone@Contoso.com",
	}

	orig := azureLoginBaseURL
	azureLoginBaseURL = issuer.server.URL
	t.Cleanup(func() { azureLoginBaseURL = orig })

	ctx := context.Background()
	provider, err := NewAzureProvider(ctx, "tenant-123", "client-id", "client-secret", "https://example.com/callback")
	require.NoError(t, err)
	assert.Equal(t, "azure", provider.Type())

	token, err := provider.ExchangeCode(ctx, "code")
	require.NoError(t, err)

	identity, err := provider.UserInfo(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "someone@contoso.com", identity.Email)
	assert.Equal(t, "contoso.com", identity.Domain)
	assert.True(t, identity.EmailVerified)
}

func TestNewAzureProvider_RequiresTenant(t *testing.T) {
	_, err := NewAzureProvider(context.Background(), "", "client-id", "secret", "https://example.com/callback")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenantId is required")
}
