package server

import (
	"context"

	"github.com/dgellow/authredirect/internal/storage"
)

type sessionContextKey struct{}

// WithSession adds the browser session to the context
func WithSession(ctx context.Context, session *storage.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext returns the browser session set by the session middleware
func SessionFromContext(ctx context.Context) (*storage.Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(*storage.Session)
	return session, ok && session != nil
}
