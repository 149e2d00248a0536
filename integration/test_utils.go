package integration

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	baseURL         = "http://localhost:8080"
	servicePassword = "storefront-secret"
)

// testConfig returns a config for the binary, authenticating against the
// fake identity provider. Secrets come from the environment set by
// startAuthRedirect.
func testConfig() map[string]any {
	return map[string]any{
		"version": "v1",
		"server": map[string]any{
			"baseURL": baseURL,
			"addr":    ":8080",
			"name":    "authredirect-test",
		},
		"session": map[string]any{
			"ttl":             "1h",
			"cleanupInterval": "1m",
			"signingKey":      map[string]string{"$env": "SESSION_SIGNING_KEY"},
		},
		"storage": map[string]any{"kind": "memory"},
		"idp": map[string]any{
			"provider":       "oidc",
			"issuer":         "http://localhost:" + fakeIdPPort,
			"clientId":       "test-client",
			"clientSecret":   map[string]string{"$env": "IDP_CLIENT_SECRET"},
			"allowedDomains": []string{"tienda.example.com"},
		},
		"redirect": map[string]any{
			"storageKey":  "redirectAfterAuth",
			"delay":       "50ms",
			"landingPath": "/",
		},
		"serviceAuths": []any{
			map[string]any{
				"type":     "basic",
				"username": "storefront",
				"password": map[string]string{"$env": "STOREFRONT_SERVICE_PASSWORD"},
			},
		},
	}
}

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// startAuthRedirect runs the binary with configPath until the test ends
func startAuthRedirect(t *testing.T, configPath string, extraEnv ...string) {
	cmd := exec.Command(binaryPath, "-config", configPath)

	cmd.Env = append(os.Environ(),
		"AUTHREDIRECT_ENV=development",
		"SESSION_SIGNING_KEY="+strings.Repeat("s", 32),
		"IDP_CLIENT_SECRET=test-client-secret",
		"STOREFRONT_SERVICE_PASSWORD="+servicePassword,
	)
	cmd.Env = append(cmd.Env, extraEnv...)

	if logFile := os.Getenv("AUTHREDIRECT_LOG_FILE"); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			cmd.Stderr = f
			cmd.Stdout = f
			t.Cleanup(func() { f.Close() })
		}
	}

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start authredirect: %v", err)
	}

	t.Cleanup(func() {
		stopAuthRedirect(cmd)
	})
}

// stopAuthRedirect stops the server gracefully, killing it after 5 seconds
func stopAuthRedirect(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

// waitForAuthRedirect waits for the health endpoint to answer
func waitForAuthRedirect(t *testing.T) {
	t.Helper()
	for range 20 {
		resp, err := http.Get(baseURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatal("authredirect failed to become ready after 10 seconds")
}

// newBrowser returns a client that keeps cookies and follows redirects
// through the identity provider, stopping once it is back on the landing page
func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Host == "localhost:8080" && req.URL.Path != "/auth/callback" {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

type sessionState struct {
	Authenticated   bool   `json:"authenticated"`
	Email           string `json:"email"`
	PendingRedirect string `json:"pendingRedirect"`
	CSRFToken       string `json:"csrfToken"`
}

func getSession(t *testing.T, browser *http.Client) sessionState {
	t.Helper()
	resp, err := browser.Get(baseURL + "/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state sessionState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	return state
}

func setReturnTo(t *testing.T, browser *http.Client, csrfToken, path string) int {
	t.Helper()
	body, err := json.Marshal(map[string]string{"path": path})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/session/return-to", strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if csrfToken != "" {
		req.Header.Set("X-CSRF-Token", csrfToken)
	}
	resp, err := browser.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

type sseEvent struct {
	Event string
	Data  string
}

// openEvents subscribes to the session's event stream
func openEvents(t *testing.T, browser *http.Client) <-chan sseEvent {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, baseURL+"/session/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := browser.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	t.Cleanup(func() { resp.Body.Close() })

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if ev.Event != "" {
					events <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return events
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func sessionCookie(t *testing.T, browser *http.Client) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, baseURL, nil)
	require.NoError(t, err)
	for _, c := range browser.Jar.Cookies(req.URL) {
		if c.Name == "sf_session" {
			return c.Value
		}
	}
	t.Fatal("no session cookie")
	return ""
}
