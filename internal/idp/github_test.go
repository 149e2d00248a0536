package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestGitHubProvider_Type(t *testing.T) {
	provider := NewGitHubProvider("client-id", "client-secret", "https://example.com/callback")
	assert.Equal(t, "github", provider.Type())
}

func TestGitHubProvider_AuthURL(t *testing.T) {
	provider := NewGitHubProvider("client-id", "client-secret", "https://example.com/callback")

	authURL := provider.AuthURL("test-state")

	assert.Contains(t, authURL, "github.com")
	assert.Contains(t, authURL, "state=test-state")
	assert.Contains(t, authURL, "client_id=client-id")
}

func newGitHubAPI(t *testing.T, user githubUserResponse, emails []githubEmailResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		assert.Equal(t, githubAPIVersion, r.Header.Get("X-GitHub-Api-Version"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/user":
			require.NoError(t, json.NewEncoder(w).Encode(user))
		case "/user/emails":
			require.NoError(t, json.NewEncoder(w).Encode(emails))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestGitHubProvider_UserInfo(t *testing.T) {
	tests := []struct {
		name          string
		emails        []githubEmailResponse
		expectedEmail string
	}{
		{
			name: "primary verified email",
			emails: []githubEmailResponse{
				{Email: "other@personal.com", Primary: false, Verified: true},
				{Email: "User@Company.com", Primary: true, Verified: true},
			},
			expectedEmail: "user@company.com",
		},
		{
			name: "falls back to first verified email",
			emails: []githubEmailResponse{
				{Email: "primary@unverified.com", Primary: true, Verified: false},
				{Email: "backup@company.com", Primary: false, Verified: true},
			},
			expectedEmail: "backup@company.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newGitHubAPI(t, githubUserResponse{ID: 12345, Login: "testuser", Name: "Test User"}, tt.emails)
			defer server.Close()

			provider := NewGitHubProvider("client-id", "client-secret", "https://example.com/callback")
			provider.apiBaseURL = server.URL

			identity, err := provider.UserInfo(context.Background(), &oauth2.Token{AccessToken: "test-token"})
			require.NoError(t, err)
			assert.Equal(t, "github", identity.ProviderType)
			assert.Equal(t, "12345", identity.Subject)
			assert.Equal(t, tt.expectedEmail, identity.Email)
			assert.Equal(t, EmailDomain(tt.expectedEmail), identity.Domain)
			assert.True(t, identity.EmailVerified)
		})
	}
}

func TestGitHubProvider_UserInfoNoVerifiedEmail(t *testing.T) {
	server := newGitHubAPI(t, githubUserResponse{ID: 1, Login: "ghost"}, []githubEmailResponse{
		{Email: "ghost@company.com", Primary: true, Verified: false},
	})
	defer server.Close()

	provider := NewGitHubProvider("client-id", "client-secret", "https://example.com/callback")
	provider.apiBaseURL = server.URL

	_, err := provider.UserInfo(context.Background(), &oauth2.Token{AccessToken: "test-token"})
	assert.ErrorIs(t, err, ErrNoVerifiedEmail)
}

func TestGitHubProvider_UserInfoAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"API rate limit exceeded"}`))
	}))
	defer server.Close()

	provider := NewGitHubProvider("client-id", "client-secret", "https://example.com/callback")
	provider.apiBaseURL = server.URL

	_, err := provider.UserInfo(context.Background(), &oauth2.Token{AccessToken: "test-token"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get user: status 403")
	assert.Contains(t, err.Error(), "rate limit")
}
