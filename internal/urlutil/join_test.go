package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinPath(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		paths []string
		want  string
	}{
		{"callback on bare host", "https://tienda.example.com", []string{"auth", "callback"}, "https://tienda.example.com/auth/callback"},
		{"base with path", "https://tienda.example.com/cuenta", []string{"auth", "callback"}, "https://tienda.example.com/cuenta/auth/callback"},
		{"base with trailing slash", "https://tienda.example.com/", []string{"/auth/callback"}, "https://tienda.example.com/auth/callback"},
		{"keeps trailing slash", "https://tienda.example.com", []string{"session/"}, "https://tienda.example.com/session/"},
		{"local port", "http://localhost:8080", []string{"auth", "callback"}, "http://localhost:8080/auth/callback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinPath(tt.base, tt.paths...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBaseURL(t *testing.T) {
	for _, raw := range []string{
		"://invalid",
		"tienda.example.com",
		"ftp://tienda.example.com",
		"https://",
		"https://tienda.example.com/?next=/cuenta",
		"https://tienda.example.com/#top",
	} {
		_, err := ParseBaseURL(raw)
		assert.ErrorIs(t, err, ErrInvalidBaseURL, raw)
	}

	u, err := ParseBaseURL("https://tienda.example.com/shop")
	require.NoError(t, err)
	assert.Equal(t, "/shop", u.Path)
}
