package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/internal/dbtest"
	"github.com/metagate-io/metagate/refstore"
)

const testSecret = "test-secret-0123456789abcdef0123"

func newManager(t *testing.T, issuer string) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(config.AuthConfig{JWTSecret: testSecret, JWTIssuer: issuer})
	require.NoError(t, err)
	return m
}

func TestJWTRoundTrip(t *testing.T) {
	m := newManager(t, "metagate")

	token, err := m.MintToken("sub-p1", time.Hour)
	require.NoError(t, err)

	subject, err := m.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "sub-p1", subject)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	m := newManager(t, "")
	other, err := NewJWTManager(config.AuthConfig{JWTSecret: "completely-different-secret-value"})
	require.NoError(t, err)

	token, err := other.MintToken("sub-p1", time.Hour)
	require.NoError(t, err)

	_, err = m.VerifyToken(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestJWTRejectsExpired(t *testing.T) {
	m := newManager(t, "")
	token, err := m.MintToken("sub-p1", -time.Minute)
	require.NoError(t, err)

	_, err = m.VerifyToken(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestJWTRejectsWrongIssuer(t *testing.T) {
	minter := newManager(t, "someone-else")
	verifier := newManager(t, "metagate")

	token, err := minter.MintToken("sub-p1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestJWTRequiresSecret(t *testing.T) {
	_, err := NewJWTManager(config.AuthConfig{})
	require.Error(t, err)
}

func TestAPIKeyVerify(t *testing.T) {
	store := refstore.New(dbtest.CreateTestDB(t))
	ctx := context.Background()

	principal, err := store.CreatePrincipal(ctx, &refstore.Principal{
		PrincipalKey: "svc-a", AuthSubject: "sub-a", PrincipalType: "service",
	})
	require.NoError(t, err)

	_, err = store.CreateAPIKey(ctx, &refstore.APIKey{
		KeyHash: HashAPIKey("mg_live_abc123"), PrincipalID: principal.ID, Name: "ci",
	})
	require.NoError(t, err)

	verifier := NewAPIKeyVerifier(store, nil)

	subject, err := verifier.Verify(ctx, "mg_live_abc123")
	require.NoError(t, err)
	assert.Equal(t, "sub-a", subject)

	_, err = verifier.Verify(ctx, "mg_live_wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func newTestAuthenticator(t *testing.T, store *refstore.Store) *Authenticator {
	t.Helper()
	jwtManager := newManager(t, "")
	return NewAuthenticator(jwtManager, store, config.AuthConfig{JWTSecret: testSecret}, nil,
		func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusUnauthorized)
		})
}

func TestVerifyCredentialTriesJWTThenAPIKey(t *testing.T) {
	store := refstore.New(dbtest.CreateTestDB(t))
	ctx := context.Background()

	principal, err := store.CreatePrincipal(ctx, &refstore.Principal{
		PrincipalKey: "svc-a", AuthSubject: "sub-a", PrincipalType: "service",
	})
	require.NoError(t, err)
	_, err = store.CreateAPIKey(ctx, &refstore.APIKey{
		KeyHash: HashAPIKey("mg_live_abc123"), PrincipalID: principal.ID, Name: "ci",
	})
	require.NoError(t, err)

	a := newTestAuthenticator(t, store)

	token, err := a.jwt.MintToken("sub-jwt", time.Hour)
	require.NoError(t, err)
	subject, err := a.VerifyCredential(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "sub-jwt", subject)

	subject, err = a.VerifyCredential(ctx, "mg_live_abc123")
	require.NoError(t, err)
	assert.Equal(t, "sub-a", subject)

	_, err = a.VerifyCredential(ctx, "garbage")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestMiddlewarePassesSubject(t *testing.T) {
	store := refstore.New(dbtest.CreateTestDB(t))
	a := newTestAuthenticator(t, store)

	token, err := a.jwt.MintToken("sub-p1", time.Hour)
	require.NoError(t, err)

	var gotSubject string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = Subject(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/bootstrap", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sub-p1", gotSubject)
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	store := refstore.New(dbtest.CreateTestDB(t))
	a := newTestAuthenticator(t, store)

	called := false
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/bootstrap", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestRequireAdmin(t *testing.T) {
	store := refstore.New(dbtest.CreateTestDB(t))
	ctx := context.Background()

	_, err := store.CreatePrincipal(ctx, &refstore.Principal{
		PrincipalKey: "ops", AuthSubject: "sub-admin", PrincipalType: "admin",
	})
	require.NoError(t, err)
	_, err = store.CreatePrincipal(ctx, &refstore.Principal{
		PrincipalKey: "svc-a", AuthSubject: "sub-service", PrincipalType: "service",
	})
	require.NoError(t, err)

	guard := RequireAdmin(store, func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusForbidden)
	})
	handler := guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for subject, want := range map[string]int{
		"sub-admin":   http.StatusOK,
		"sub-service": http.StatusForbidden,
		"sub-unknown": http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/principals", nil)
		req = req.WithContext(WithSubject(req.Context(), subject))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "subject %s", subject)
	}
}
