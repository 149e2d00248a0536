package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const fakeIdPPort = "9091"

// FakeOIDCServer simulates an OIDC provider. It logs in whoever is set with
// SetUser and only redeems a code together with the PKCE verifier whose
// challenge came with the authorization request.
type FakeOIDCServer struct {
	server *http.Server

	mu         sync.Mutex
	email      string
	challenges map[string]string
}

// NewFakeOIDCServer creates a new fake OIDC server
func NewFakeOIDCServer(port string) *FakeOIDCServer {
	s := &FakeOIDCServer{
		email:      "ana@tienda.example.com",
		challenges: make(map[string]string),
	}
	baseURL := "http://localhost:" + port

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 baseURL,
			"authorization_endpoint": baseURL + "/authorize",
			"token_endpoint":         baseURL + "/token",
			"userinfo_endpoint":      baseURL + "/userinfo",
			"jwks_uri":               baseURL + "/jwks",
		})
	})

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
			http.Error(w, "PKCE required", http.StatusBadRequest)
			return
		}
		code := uuid.NewString()
		s.mu.Lock()
		s.challenges[code] = q.Get("code_challenge")
		s.mu.Unlock()

		callback := q.Get("redirect_uri") + "?" + url.Values{"code": {code}, "state": {q.Get("state")}}.Encode()
		http.Redirect(w, r, callback, http.StatusFound)
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		challenge, ok := s.challenges[r.FormValue("code")]
		delete(s.challenges, r.FormValue("code"))
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if !ok || oauth2.S256ChallengeFromVerifier(r.FormValue("code_verifier")) != challenge {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":             "invalid_grant",
				"error_description": "Invalid authorization code or verifier",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "oidc-test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer oidc-test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		email := s.email
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":            "oidc-12345",
			"email":          email,
			"email_verified": true,
			"name":           "OIDC User",
		})
	})

	s.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return s
}

// SetUser changes the account the next login authenticates as
func (s *FakeOIDCServer) SetUser(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.email = email
}

// Start starts the fake OIDC server
func (s *FakeOIDCServer) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(fmt.Sprintf("fake identity provider: %v", err))
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the fake OIDC server
func (s *FakeOIDCServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
