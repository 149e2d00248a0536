package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const githubAPIVersion = "2022-11-28"

// ErrNoVerifiedEmail is returned when a GitHub account has no verified address
var ErrNoVerifiedEmail = errors.New("no verified email found")

// GitHubProvider implements the Provider interface for GitHub OAuth.
// GitHub is plain OAuth 2.0 (no ID token), identity comes from its REST API.
type GitHubProvider struct {
	config     oauth2.Config
	apiBaseURL string
}

type githubUserResponse struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmailResponse struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// NewGitHubProvider creates a new GitHub OAuth provider.
func NewGitHubProvider(clientID, clientSecret, redirectURI string) *GitHubProvider {
	return &GitHubProvider{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		apiBaseURL: "https://api.github.com",
	}
}

func (p *GitHubProvider) Type() string {
	return "github"
}

func (p *GitHubProvider) AuthURL(state string, opts ...oauth2.AuthCodeOption) string {
	return p.config.AuthCodeURL(state, opts...)
}

func (p *GitHubProvider) ExchangeCode(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code, opts...)
}

// UserInfo reads the profile and the account's verified email. The profile
// email is only set when public, so the emails endpoint is always used.
func (p *GitHubProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	client := p.config.Client(ctx, token)
	header := http.Header{
		"Accept":               {"application/vnd.github+json"},
		"X-Github-Api-Version": {githubAPIVersion},
	}

	var user githubUserResponse
	if err := fetchJSON(ctx, client, p.apiBaseURL+"/user", "user", header, &user); err != nil {
		return nil, err
	}

	var emails []githubEmailResponse
	if err := fetchJSON(ctx, client, p.apiBaseURL+"/user/emails", "emails", header, &emails); err != nil {
		return nil, fmt.Errorf("failed to get user email: %w", err)
	}
	email, err := verifiedEmail(emails)
	if err != nil {
		return nil, err
	}

	return &Identity{
		ProviderType:  "github",
		Subject:       strconv.FormatInt(user.ID, 10),
		Email:         NormalizeEmail(email),
		EmailVerified: true,
		Name:          user.Name,
		Picture:       user.AvatarURL,
		Domain:        EmailDomain(email),
	}, nil
}

// verifiedEmail picks the primary address when verified, else the first
// verified one
func verifiedEmail(emails []githubEmailResponse) (string, error) {
	if i := slices.IndexFunc(emails, func(e githubEmailResponse) bool { return e.Primary && e.Verified }); i >= 0 {
		return emails[i].Email, nil
	}
	if i := slices.IndexFunc(emails, func(e githubEmailResponse) bool { return e.Verified }); i >= 0 {
		return emails[i].Email, nil
	}
	return "", ErrNoVerifiedEmail
}
