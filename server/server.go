// Package server exposes the bootstrap engine over HTTP: the discovery
// and health endpoints, the bootstrap and startup lifecycle API, and the
// tenant-scoped administrative CRUD surface.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/metagate-io/metagate/auth"
	"github.com/metagate-io/metagate/bootstrap"
	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/mcpserver"
	"github.com/metagate-io/metagate/mirror"
	"github.com/metagate-io/metagate/refstore"
)

// Server wires handlers, middleware and the background drainer around the
// orchestrator.
type Server struct {
	db      *sql.DB
	cfg     *config.Config
	store   *refstore.Store
	orch    *bootstrap.Orchestrator
	authn   *auth.Authenticator
	mcp     *mcpserver.Server
	drainer *mirror.Drainer
	limiter *rateLimiter
	logger  *zap.SugaredLogger
	debug   bool

	httpServer *http.Server
	cancel     context.CancelFunc
}

// New assembles a server. The drainer may be nil when the mirror should
// not run (tests, one-shot commands).
func New(db *sql.DB, cfg *config.Config, store *refstore.Store, orch *bootstrap.Orchestrator,
	jwtManager *auth.JWTManager, drainer *mirror.Drainer, logger *zap.SugaredLogger) *Server {
	s := &Server{
		db:      db,
		cfg:     cfg,
		store:   store,
		orch:    orch,
		drainer: drainer,
		logger:  logger,
		debug:   cfg.Server.Debug,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newRateLimiter(cfg.RateLimit)
	}
	s.authn = auth.NewAuthenticator(jwtManager, store, cfg.Auth, logger, s.writeError)
	s.mcp = mcpserver.New(orch, store, cfg, s.authn, logger)
	return s
}

// Handler builds the full route table. Split out from Start so tests can
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("/.well-known/metagate.json", s.handleDiscovery)
	mux.HandleFunc("/health", s.handleHealth)

	// MCP transport: tools authenticate per call, so the endpoint itself
	// is open; the outer logging and rate-limit middleware still apply.
	mux.Handle("/mcp", s.mcp.HTTPHandler())

	authed := func(h http.HandlerFunc) http.Handler {
		return s.authn.Middleware(h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return chain(http.HandlerFunc(h), s.authn.Middleware, auth.RequireAdmin(s.store, s.writeError))
	}

	// Bootstrap + lifecycle.
	mux.Handle("/v1/bootstrap", authed(s.handleBootstrap))
	mux.Handle("/v1/startup/ready", authed(s.handleStartupReady))
	mux.Handle("/v1/startup/failed", authed(s.handleStartupFailed))
	mux.Handle("/v1/startup/{id}", authed(s.handleStartupStatus))

	// Admin surface.
	mux.Handle("/v1/admin/principals", admin(s.handleAdminPrincipals))
	mux.Handle("/v1/admin/principals/{key}/status", admin(s.handleAdminPrincipalStatus))
	mux.Handle("/v1/admin/profiles", admin(s.handleAdminProfiles))
	mux.Handle("/v1/admin/manifests", admin(s.handleAdminManifests))
	mux.Handle("/v1/admin/bindings", admin(s.handleAdminBindings))
	mux.Handle("/v1/admin/bindings/{id}/activate", admin(s.handleAdminBindingActivate))
	mux.Handle("/v1/admin/bindings/{id}/deactivate", admin(s.handleAdminBindingDeactivate))
	mux.Handle("/v1/admin/secret-refs", admin(s.handleAdminSecretRefs))
	mux.Handle("/v1/admin/secret-refs/{key}/retire", admin(s.handleAdminSecretRefRetire))
	mux.Handle("/v1/admin/api-keys", admin(s.handleAdminAPIKeys))
	mux.Handle("/v1/admin/audit", admin(s.handleAdminAudit))

	return chain(mux, s.loggingMiddleware, s.rateLimitMiddleware)
}

// Start serves until the context is cancelled, then shuts down cleanly.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.drainer != nil {
		go s.drainer.Run(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.logger != nil {
		s.logger.Infow("Server listening", "addr", addr)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Stop cancels the serving context.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}
