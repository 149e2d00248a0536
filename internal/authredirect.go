package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/authredirect/internal/authstate"
	"github.com/dgellow/authredirect/internal/browserauth"
	"github.com/dgellow/authredirect/internal/config"
	"github.com/dgellow/authredirect/internal/crypto"
	"github.com/dgellow/authredirect/internal/idp"
	"github.com/dgellow/authredirect/internal/log"
	"github.com/dgellow/authredirect/internal/server"
	"github.com/dgellow/authredirect/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	// loginStateTTL bounds the time a user may spend at the identity provider
	loginStateTTL = 10 * time.Minute

	shutdownTimeout = 30 * time.Second
)

// App is the complete authredirect service
type App struct {
	config     config.Config
	httpServer *server.HTTPServer
	storage    storage.Storage
	broker     authstate.Broker
	cleanup    *storage.CleanupManager
}

// NewApp creates the service with all dependencies built
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	log.LogInfoWithFields("authredirect", "Building application", map[string]any{
		"baseURL":  cfg.Server.BaseURL,
		"storage":  cfg.Storage.Kind,
		"provider": cfg.IDP.Provider,
	})

	store, broker, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	provider, err := idp.NewProvider(ctx, cfg.IDP)
	if err != nil {
		_ = broker.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to create identity provider: %w", err)
	}

	handler, closeStreams := buildHTTPHandler(cfg, store, broker, provider)

	app := &App{
		config:     cfg,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		storage:    store,
		broker:     broker,
	}
	app.httpServer.OnShutdown(closeStreams)

	// Redis expires sessions itself
	if cfg.Storage.Kind != config.StorageKindRedis && cfg.Session.CleanupInterval > 0 {
		app.cleanup = storage.NewCleanupManager(store, cfg.Session.CleanupInterval)
	}
	return app, nil
}

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the
// server fails, then shuts down gracefully
func (a *App) Run(ctx context.Context) error {
	log.LogInfoWithFields("authredirect", "Starting application", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if a.cleanup != nil {
		a.cleanup.Start(gctx)
	}

	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.LogInfoWithFields("authredirect", "Starting graceful shutdown", map[string]any{
			"timeout": shutdownTimeout.String(),
		})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpServer.Stop(shutdownCtx)
	})

	err := g.Wait()
	if err != nil {
		log.LogErrorWithFields("authredirect", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	a.close()
	log.LogInfoWithFields("authredirect", "Application shutdown complete", nil)
	return err
}

func (a *App) close() {
	if a.cleanup != nil {
		a.cleanup.Stop()
	}
	if err := a.broker.Close(); err != nil {
		log.LogWarnWithFields("authredirect", "Failed to close auth state broker", map[string]any{
			"error": err.Error(),
		})
	}
	if err := a.storage.Close(); err != nil {
		log.LogWarnWithFields("authredirect", "Failed to close storage", map[string]any{
			"error": err.Error(),
		})
	}
}

// setupStorage creates the session store and the auth state broker. Redis
// serves both over one connection pool; the other backends pair with an
// in-process broker.
func setupStorage(ctx context.Context, cfg config.Config) (storage.Storage, authstate.Broker, error) {
	switch cfg.Storage.Kind {
	case config.StorageKindFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":    cfg.Storage.GCPProject,
			"database":   cfg.Storage.FirestoreDatabase,
			"collection": cfg.Storage.FirestoreCollection,
		})
		encryptor, err := crypto.NewEncryptor([]byte(cfg.Session.EncryptionKey))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		store, err := storage.NewFirestoreStorage(
			ctx,
			cfg.Storage.GCPProject,
			cfg.Storage.FirestoreDatabase,
			cfg.Storage.FirestoreCollection,
			encryptor,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Firestore storage: %w", err)
		}
		return store, authstate.NewMemoryBroker(), nil

	case config.StorageKindRedis:
		log.LogInfoWithFields("storage", "Using Redis storage", map[string]any{
			"addr": cfg.Storage.RedisAddr,
		})
		encryptor, err := crypto.NewEncryptor([]byte(cfg.Session.EncryptionKey))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		store, err := storage.NewRedisStorage(ctx, cfg.Storage.RedisAddr, string(cfg.Storage.RedisPassword), encryptor)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Redis storage: %w", err)
		}
		return store, authstate.NewRedisBroker(store.Client()), nil

	default:
		log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
		return storage.NewMemoryStorage(), authstate.NewMemoryBroker(), nil
	}
}

// buildHTTPHandler creates the complete HTTP handler with all routing and
// middleware. closeStreams ends open event streams.
func buildHTTPHandler(cfg config.Config, store storage.Storage, broker authstate.Broker, provider idp.Provider) (handler http.Handler, closeStreams func()) {
	mux := http.NewServeMux()

	signingKey := []byte(cfg.Session.SigningKey)
	flow := browserauth.NewFlow(crypto.NewTokenSigner(signingKey, loginStateTTL), store)
	csrf := crypto.NewCSRFProtection(signingKey, cfg.Session.TTL)

	sessionHandlers := server.NewSessionHandlers(store, broker, csrf, cfg.Session.TTL, cfg.Redirect)
	authHandlers := server.NewAuthHandlers(provider, flow, store, broker, cfg.IDP.AllowedDomains, cfg.Redirect)

	corsMiddleware := server.NewCORSMiddleware(cfg.Server.AllowedOrigins)
	loggerMiddleware := server.NewLoggerMiddleware("http")
	recoverMiddleware := server.NewRecoverMiddleware(cfg.Server.Name)
	sessionMiddleware := server.NewSessionMiddleware(store, cfg.Session.TTL)
	csrfMiddleware := server.NewCSRFMiddleware(csrf)

	// The last middleware listed runs first
	browser := func(h http.HandlerFunc) http.Handler {
		return server.ChainMiddleware(h, csrfMiddleware, sessionMiddleware, corsMiddleware, loggerMiddleware, recoverMiddleware)
	}

	mux.Handle("GET /health", server.NewHealthHandler(cfg.Server.Name))

	mux.Handle("GET /session", browser(sessionHandlers.GetSessionHandler))
	mux.Handle("POST /session/return-to", browser(sessionHandlers.SetReturnToHandler))
	mux.Handle("DELETE /session/return-to", browser(sessionHandlers.ClearReturnToHandler))
	mux.Handle("GET /session/events", browser(sessionHandlers.EventsHandler))

	mux.Handle("GET /auth/login", browser(authHandlers.LoginHandler))
	mux.Handle("GET /auth/callback", browser(authHandlers.CallbackHandler))
	mux.Handle("POST /auth/logout", browser(authHandlers.LogoutHandler))

	// Preflight for every browser route
	mux.Handle("OPTIONS /", server.ChainMiddleware(http.NotFoundHandler(), corsMiddleware))

	if len(cfg.ServiceAuths) > 0 {
		internalHandlers := server.NewInternalHandlers(store, broker)
		mux.Handle("PUT /internal/sessions/{id}/auth", server.ChainMiddleware(
			http.HandlerFunc(internalHandlers.SetAuthHandler),
			server.NewServiceAuthMiddleware(cfg.ServiceAuths),
			loggerMiddleware,
			recoverMiddleware,
		))
	}

	log.LogInfoWithFields("authredirect", "HTTP routes registered", map[string]any{
		"internalAPI": len(cfg.ServiceAuths) > 0,
	})
	return mux, sessionHandlers.Close
}
