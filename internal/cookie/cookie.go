package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/authredirect/internal/envutil"
	"github.com/dgellow/authredirect/internal/log"
)

// Cookie names issued to storefront browsers
const (
	SessionCookie = "sf_session"
	CSRFCookie    = "sf_csrf"
)

// SetSession sets the opaque browser session id cookie
func SetSession(w http.ResponseWriter, sessionID string, maxAge time.Duration) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})

	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge":   maxAge.String(),
		"secure":   secure,
		"sameSite": "Lax",
	})
}

// SetCSRF sets the CSRF token cookie. Storefront scripts read it and echo
// it back in the X-CSRF-Token header.
func SetCSRF(w http.ResponseWriter, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: false,
		Secure:   !envutil.IsDev(),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(maxAge.Seconds()),
	})
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

// GetSession retrieves the session id cookie value
func GetSession(r *http.Request) (string, error) {
	return Get(r, SessionCookie)
}
