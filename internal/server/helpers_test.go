package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/authredirect/internal/config"
	"github.com/dgellow/authredirect/internal/idp"
	"github.com/dgellow/authredirect/internal/redirect"
	"github.com/dgellow/authredirect/internal/storage"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testSigningKey = []byte(strings.Repeat("s", 32))

func testRedirectConfig() config.RedirectConfig {
	return config.RedirectConfig{
		StorageKey:  redirect.DefaultKey,
		Delay:       10 * time.Millisecond,
		LandingPath: "/",
	}
}

func newTestSession(t *testing.T, store *storage.MemoryStorage) *storage.Session {
	t.Helper()
	session := storage.NewSession("sess-"+strings.ReplaceAll(t.Name(), "/", "-"), time.Hour)
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}

// withSession injects session the way the session middleware would
func withSession(h http.HandlerFunc, session *storage.Session) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r.WithContext(WithSession(r.Context(), session)))
	})
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses an SSE body into a channel of events, skipping comments
func readEvents(t *testing.T, resp *http.Response) <-chan sseEvent {
	t.Helper()
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if ev.name != "" || ev.data != "" {
					out <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string, v any) {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream ended while waiting for %q", name)
		require.Equal(t, name, ev.name)
		require.NoError(t, json.Unmarshal([]byte(ev.data), v))
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q event", name)
	}
}

// fakeProvider is an idp.Provider that accepts one code and returns a fixed identity
type fakeProvider struct {
	code          string
	identity      *idp.Identity
	gotVerifier   bool
	exchangeCalls int
}

func (p *fakeProvider) Type() string { return "fake" }

func (p *fakeProvider) AuthURL(state string, opts ...oauth2.AuthCodeOption) string {
	cfg := oauth2.Config{
		ClientID: "client-id",
		Endpoint: oauth2.Endpoint{AuthURL: "https://idp.example.com/authorize"},
	}
	return cfg.AuthCodeURL(state, opts...)
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	p.exchangeCalls++
	p.gotVerifier = len(opts) > 0
	if code != p.code {
		return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	}
	return &oauth2.Token{AccessToken: "access-token"}, nil
}

func (p *fakeProvider) UserInfo(context.Context, *oauth2.Token) (*idp.Identity, error) {
	return p.identity, nil
}
