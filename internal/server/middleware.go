package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dgellow/authredirect/internal/config"
	"github.com/dgellow/authredirect/internal/cookie"
	"github.com/dgellow/authredirect/internal/crypto"
	jsonwriter "github.com/dgellow/authredirect/internal/json"
	"github.com/dgellow/authredirect/internal/log"
	"github.com/dgellow/authredirect/internal/servicecontext"
	"github.com/dgellow/authredirect/internal/storage"
)

// CSRFHeader carries the CSRF token on state-changing browser requests
const CSRFHeader = "X-CSRF-Token"

// sessionTouchInterval limits how often a live session's expiry is extended
const sessionTouchInterval = time.Minute

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware chains multiple middleware functions
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// NewCORSMiddleware adds CORS headers to responses
func NewCORSMiddleware(allowedOrigins []string) MiddlewareFunc {
	// Build a map for faster lookup
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Credentialed requests need an explicit origin, never "*"
			if origin != "" && allowedMap[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control, "+CSRFHeader)
			w.Header().Set("Access-Control-Max-Age", "3600")

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriterDelegator wraps http.ResponseWriter to capture status and bytes written
// while properly delegating all optional interfaces through Unwrap
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterDelegator {
	return &responseWriterDelegator{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (r *responseWriterDelegator) Status() int {
	return r.status
}

func (r *responseWriterDelegator) BytesWritten() int {
	return r.written
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for interface detection
func (r *responseWriterDelegator) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush implements http.Flusher; event streams depend on it
func (r *responseWriterDelegator) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Verify interfaces
var _ http.ResponseWriter = (*responseWriterDelegator)(nil)
var _ http.Flusher = (*responseWriterDelegator)(nil)

// NewLoggerMiddleware logs one line per request
func NewLoggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			fields := map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.BytesWritten(),
				"remote_addr": r.RemoteAddr,
			}

			// return_to and OAuth codes live in the query; only log that one was present
			if r.URL.RawQuery != "" {
				fields["has_query"] = true
			}

			log.LogInfoWithFields(prefix, "request", fields)
		})
	}
}

// NewRecoverMiddleware recovers from panics
func NewRecoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.LogErrorWithFields(prefix, "Recovered from panic", map[string]any{
						"panic": err,
						"path":  r.URL.Path,
					})
					jsonwriter.WriteInternalServerError(w, "Internal Server Error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewSessionMiddleware attaches the browser session named by the session
// cookie to the request, creating a fresh session when the cookie is
// missing, unknown or expired
func NewSessionMiddleware(store storage.SessionStore, ttl time.Duration) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if sessionID, err := cookie.GetSession(r); err == nil && sessionID != "" {
				session, err := store.GetSession(ctx, sessionID)
				switch {
				case err == nil:
					if time.Since(session.LastSeen) > sessionTouchInterval {
						if err := store.TouchSession(ctx, sessionID, ttl); err != nil {
							log.LogWarnWithFields("session", "Failed to extend session", map[string]any{
								"error": err.Error(),
							})
						} else {
							cookie.SetSession(w, sessionID, ttl)
						}
					}
					next.ServeHTTP(w, r.WithContext(WithSession(ctx, session)))
					return
				case errors.Is(err, storage.ErrSessionNotFound):
					log.LogDebugWithFields("session", "Unknown or expired session cookie, starting a new session", nil)
				default:
					log.LogErrorWithFields("session", "Failed to load session", map[string]any{
						"error": err.Error(),
					})
					jsonwriter.WriteServiceUnavailable(w, "Session storage unavailable")
					return
				}
			}

			session, err := newBrowserSession(r, store, ttl)
			if err != nil {
				log.LogErrorWithFields("session", "Failed to create session", map[string]any{
					"error": err.Error(),
				})
				jsonwriter.WriteServiceUnavailable(w, "Session storage unavailable")
				return
			}
			cookie.SetSession(w, session.ID, ttl)

			next.ServeHTTP(w, r.WithContext(WithSession(ctx, session)))
		})
	}
}

func newBrowserSession(r *http.Request, store storage.SessionStore, ttl time.Duration) (*storage.Session, error) {
	id, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	session := storage.NewSession(id, ttl)
	if err := store.CreateSession(r.Context(), session); err != nil {
		return nil, err
	}

	log.LogDebugWithFields("session", "Browser session created", map[string]any{
		"expires_at": session.ExpiresAt,
	})
	return session, nil
}

// NewCSRFMiddleware rejects state-changing requests whose X-CSRF-Token
// header was not minted for the request's session. It must run inside the
// session middleware.
func NewCSRFMiddleware(csrf crypto.CSRFProtection) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			session, ok := SessionFromContext(r.Context())
			if !ok {
				jsonwriter.WriteUnauthorized(w, "No session")
				return
			}

			if !csrf.Validate(session.ID, r.Header.Get(CSRFHeader)) {
				log.LogWarnWithFields("csrf", "CSRF validation failed", map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				jsonwriter.WriteForbidden(w, "Invalid CSRF token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewServiceAuthMiddleware creates middleware for service-to-service authentication
func NewServiceAuthMiddleware(serviceAuths []config.ServiceAuth) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				log.LogTraceWithFields("service_auth", "Service auth failed: missing Authorization header", nil)
				jsonwriter.WriteUnauthorized(w, "Unauthorized")
				return
			}

			if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
				log.LogTraceWithFields("service_auth", "Attempting bearer token service auth", nil)
				for _, serviceAuth := range serviceAuths {
					if serviceAuth.Type != config.ServiceAuthTypeBearer {
						continue
					}

					if slices.Contains(serviceAuth.Tokens, token) {
						log.LogTraceWithFields("service_auth", "Bearer token service auth successful", nil)
						ctx := servicecontext.WithAuthInfo(r.Context(), "service", string(config.ServiceAuthTypeBearer))
						next.ServeHTTP(w, r.WithContext(ctx))
						return
					}
				}
				log.LogTraceWithFields("service_auth", "Bearer token service auth failed: invalid token", nil)
			}

			if encoded, ok := strings.CutPrefix(authHeader, "Basic "); ok {
				log.LogTraceWithFields("service_auth", "Attempting basic service auth", nil)
				decoded, err := base64.StdEncoding.DecodeString(encoded)
				if err != nil {
					log.LogTraceWithFields("service_auth", "Basic service auth failed: invalid base64 encoding", map[string]any{
						"error": err.Error(),
					})
					w.Header().Set("WWW-Authenticate", `Basic realm="authredirect"`)
					jsonwriter.WriteUnauthorized(w, "Unauthorized")
					return
				}

				username, password, ok := strings.Cut(string(decoded), ":")
				if !ok {
					log.LogTraceWithFields("service_auth", "Basic service auth failed: malformed credentials", nil)
					w.Header().Set("WWW-Authenticate", `Basic realm="authredirect"`)
					jsonwriter.WriteUnauthorized(w, "Unauthorized")
					return
				}

				for _, serviceAuth := range serviceAuths {
					if serviceAuth.Type != config.ServiceAuthTypeBasic || username != serviceAuth.Username {
						continue
					}
					if crypto.CheckPassword([]byte(serviceAuth.HashedPassword), password) {
						log.LogTraceWithFields("service_auth", "Basic service auth successful", map[string]any{
							"username": username,
						})
						ctx := servicecontext.WithAuthInfo(r.Context(), serviceAuth.Username, string(config.ServiceAuthTypeBasic))
						next.ServeHTTP(w, r.WithContext(ctx))
						return
					}
				}
				log.LogTraceWithFields("service_auth", "Basic service auth failed: invalid username or password", nil)
			}

			jsonwriter.WriteUnauthorized(w, "Unauthorized")
		})
	}
}
