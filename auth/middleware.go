package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/refstore"
)

type contextKey string

const subjectKey contextKey = "auth.subject"

// Subject returns the verified auth subject from a request context, or ""
// when the request is unauthenticated.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// WithSubject stamps a verified subject onto a context. Exposed for
// handler tests that bypass the middleware.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// Authenticator is the HTTP middleware that turns credentials into a
// verified subject: `Authorization: Bearer <jwt>` or the configured API
// key header. Requests with neither, or with bad credentials, are
// rejected before any handler runs.
type Authenticator struct {
	jwt          *JWTManager
	apiKeys      *APIKeyVerifier
	apiKeyHeader string
	logger       *zap.SugaredLogger

	// errorWriter is injected by the server package so auth failures use
	// the same error envelope as everything else.
	errorWriter func(w http.ResponseWriter, r *http.Request, err error)
}

// NewAuthenticator wires both credential mechanisms.
func NewAuthenticator(jwt *JWTManager, store *refstore.Store, cfg config.AuthConfig,
	logger *zap.SugaredLogger, errorWriter func(http.ResponseWriter, *http.Request, error)) *Authenticator {
	header := cfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	return &Authenticator{
		jwt:          jwt,
		apiKeys:      NewAPIKeyVerifier(store, logger),
		apiKeyHeader: header,
		logger:       logger,
		errorWriter:  errorWriter,
	}
}

// Middleware verifies credentials and passes the subject downstream.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := a.verify(r)
		if err != nil {
			a.errorWriter(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
	})
}

// VerifyCredential turns a raw credential into a subject without the HTTP
// header layer: a bearer token is tried first, then the API key store.
// Used by transports that carry credentials inside the request body.
func (a *Authenticator) VerifyCredential(ctx context.Context, credential string) (string, error) {
	if subject, err := a.jwt.VerifyToken(credential); err == nil {
		return subject, nil
	}
	return a.apiKeys.Verify(ctx, credential)
}

func (a *Authenticator) verify(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", errors.Wrap(errors.ErrUnauthorized, "malformed authorization header")
		}
		return a.jwt.VerifyToken(strings.TrimSpace(token))
	}
	if rawKey := r.Header.Get(a.apiKeyHeader); rawKey != "" {
		return a.apiKeys.Verify(r.Context(), rawKey)
	}
	return "", errors.Wrap(errors.ErrUnauthorized, "no credentials presented")
}

// RequireAdmin wraps a handler so only principals of type "admin" reach
// it. It runs after Middleware and re-reads the principal so a demotion
// takes effect immediately.
func RequireAdmin(store *refstore.Store, errorWriter func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := Subject(r.Context())
			principal, err := refstore.GetPrincipalBySubject(r.Context(), store.DB(), subject)
			if err != nil || !principal.Active() || principal.PrincipalType != "admin" {
				errorWriter(w, r, errors.Wrap(errors.ErrForbidden, "admin access required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
