package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagate-io/metagate/auth"
	"github.com/metagate-io/metagate/bootstrap"
	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/identity"
	"github.com/metagate-io/metagate/internal/dbtest"
	"github.com/metagate-io/metagate/ledger"
	"github.com/metagate-io/metagate/packet"
	"github.com/metagate-io/metagate/refstore"
)

type env struct {
	server *Server
	store  *refstore.Store
	jwt    *auth.JWTManager
}

// newEnv seeds principal P1 (allow-list ["memorygate_main"]) plus an
// admin principal, matching the REST server test fixture.
func newEnv(t *testing.T) *env {
	t.Helper()
	conn := dbtest.CreateTestDB(t)
	store := refstore.New(conn)
	ctx := context.Background()

	p1, err := store.CreatePrincipal(ctx, &refstore.Principal{
		PrincipalKey: "P1", AuthSubject: "sub-p1", PrincipalType: "service",
	})
	require.NoError(t, err)
	_, err = store.CreatePrincipal(ctx, &refstore.Principal{
		PrincipalKey: "ops", AuthSubject: "sub-admin", PrincipalType: "admin",
	})
	require.NoError(t, err)

	profile, err := store.CreateProfile(ctx, &refstore.Profile{
		ProfileKey:        "base",
		Capabilities:      packet.MustDocument(`{"allowed_components": ["memorygate_main"]}`),
		Policy:            packet.MustDocument(`{}`),
		StartupSLASeconds: 120,
	})
	require.NoError(t, err)

	manifest, err := store.CreateManifest(ctx, &refstore.Manifest{
		ManifestKey: "env1",
		Environment: packet.MustDocument(`{"region": "local"}`),
		Services:    packet.MustDocument(`{"api": {"url": "http://api:8080"}}`),
		MemoryMap:   packet.MustDocument(`{}`),
		Polling:     packet.MustDocument(`{}`),
		Schemas:     packet.MustDocument(`{}`),
		Version:     1,
	})
	require.NoError(t, err)

	_, err = store.CreateBinding(ctx, &refstore.Binding{
		PrincipalID: p1.ID, ProfileID: profile.ID, ManifestID: manifest.ID, Active: true,
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret-0123456789abcdef0123"

	jwtManager, err := auth.NewJWTManager(cfg.Auth)
	require.NoError(t, err)
	authn := auth.NewAuthenticator(jwtManager, store, cfg.Auth, nil, nil)

	orch := bootstrap.New(identity.NewResolver(conn, nil), ledger.New(conn), cfg, nil)
	srv := New(orch, store, cfg, authn, nil)

	return &env{server: srv, store: store, jwt: jwtManager}
}

func (e *env) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := e.jwt.MintToken(subject, time.Hour)
	require.NoError(t, err)
	return token
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	return request
}

// decodeResult unwraps the JSON text content of a successful tool call.
func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, "tool call failed: %+v", result.Content)
	textContent, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(textContent.Text), &body))
	return body
}

func errorText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError)
	textContent, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return textContent.Text
}

func TestDiscoveryTool(t *testing.T) {
	e := newEnv(t)

	result, err := e.server.handleDiscovery(context.Background(),
		toolRequest("metagate.discovery", nil))
	require.NoError(t, err)

	body := decodeResult(t, result)
	assert.Equal(t, "metagate", body["service"])
	assert.Equal(t, "/mcp", body["bootstrap_endpoint"])
}

func TestBootstrapTool(t *testing.T) {
	e := newEnv(t)

	result, err := e.server.handleBootstrap(context.Background(),
		toolRequest("metagate.bootstrap", map[string]any{
			"component_key": "memorygate_main",
			"auth_token":    e.token(t, "sub-p1"),
		}))
	require.NoError(t, err)

	body := decodeResult(t, result)
	assert.NotEmpty(t, body["startup_id"])
	assert.NotEmpty(t, body["packet_etag"])
	pkt := body["packet"].(map[string]any)
	assert.Equal(t, "P1", pkt["principal_key"])
	assert.Equal(t, "memorygate_main", pkt["component_key"])
}

func TestBootstrapToolNotModified(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "sub-p1")

	first, err := e.server.handleBootstrap(context.Background(),
		toolRequest("metagate.bootstrap", map[string]any{
			"component_key": "memorygate_main",
			"auth_token":    token,
		}))
	require.NoError(t, err)
	firstBody := decodeResult(t, first)

	second, err := e.server.handleBootstrap(context.Background(),
		toolRequest("metagate.bootstrap", map[string]any{
			"component_key":    "memorygate_main",
			"last_packet_etag": firstBody["packet_etag"],
			"auth_token":       token,
		}))
	require.NoError(t, err)
	secondBody := decodeResult(t, second)

	assert.Equal(t, true, secondBody["not_modified"])
	assert.Nil(t, secondBody["packet"], "cached callers get no packet body")
	assert.NotEqual(t, firstBody["startup_id"], secondBody["startup_id"],
		"a repeat bootstrap is a new lifecycle moment")
}

func TestBootstrapToolDeniedComponent(t *testing.T) {
	e := newEnv(t)

	result, err := e.server.handleBootstrap(context.Background(),
		toolRequest("metagate.bootstrap", map[string]any{
			"component_key": "worker_indexer_01",
			"auth_token":    e.token(t, "sub-p1"),
		}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "COMPONENT_NOT_PERMITTED")
}

func TestBootstrapToolRequiresCredentials(t *testing.T) {
	e := newEnv(t)

	result, err := e.server.handleBootstrap(context.Background(),
		toolRequest("metagate.bootstrap", map[string]any{
			"component_key": "memorygate_main",
		}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "UNAUTHORIZED")
}

func TestBootstrapToolHeaderCredentialFallback(t *testing.T) {
	e := newEnv(t)

	// The transport stashes header credentials on the context; handlers
	// fall back to them when no auth_token argument is given.
	ctx := context.WithValue(context.Background(), credentialKey, e.token(t, "sub-p1"))
	result, err := e.server.handleBootstrap(ctx,
		toolRequest("metagate.bootstrap", map[string]any{
			"component_key": "memorygate_main",
		}))
	require.NoError(t, err)
	body := decodeResult(t, result)
	assert.NotEmpty(t, body["startup_id"])
}

func TestStartupLifecycleTools(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "sub-p1")
	ctx := context.Background()

	boot, err := e.server.handleBootstrap(ctx,
		toolRequest("metagate.bootstrap", map[string]any{
			"component_key": "memorygate_main",
			"auth_token":    token,
		}))
	require.NoError(t, err)
	startupID := decodeResult(t, boot)["startup_id"].(string)

	ready, err := e.server.handleStartupReady(ctx,
		toolRequest("metagate.startup_ready", map[string]any{
			"startup_id":    startupID,
			"build_version": "1.0.0",
			"auth_token":    token,
		}))
	require.NoError(t, err)
	assert.Equal(t, "READY", decodeResult(t, ready)["status"])

	again, err := e.server.handleStartupReady(ctx,
		toolRequest("metagate.startup_ready", map[string]any{
			"startup_id":    startupID,
			"build_version": "1.0.0",
			"auth_token":    token,
		}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, again), "INVALID_TRANSITION")
}

func TestStartupFailedTool(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "sub-p1")
	ctx := context.Background()

	boot, err := e.server.handleBootstrap(ctx,
		toolRequest("metagate.bootstrap", map[string]any{
			"component_key": "memorygate_main",
			"auth_token":    token,
		}))
	require.NoError(t, err)
	startupID := decodeResult(t, boot)["startup_id"].(string)

	failed, err := e.server.handleStartupFailed(ctx,
		toolRequest("metagate.startup_failed", map[string]any{
			"startup_id": startupID,
			"error":      "migrations timed out",
			"details":    map[string]any{"step": "schema"},
			"auth_token": token,
		}))
	require.NoError(t, err)
	body := decodeResult(t, failed)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "migrations timed out", body["failure_payload"].(map[string]any)["error"])
}

func TestAdminToolsRequireAdmin(t *testing.T) {
	e := newEnv(t)

	result, err := e.server.handleAdminPrincipals(context.Background(),
		toolRequest("metagate.admin_principals", map[string]any{
			"auth_token": e.token(t, "sub-p1"),
		}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "FORBIDDEN")
}

func TestAdminPrincipalsTool(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "sub-admin")
	ctx := context.Background()

	created, err := e.server.handleAdminPrincipals(ctx,
		toolRequest("metagate.admin_principals", map[string]any{
			"action":        "create",
			"principal_key": "P2",
			"auth_subject":  "sub-p2",
			"auth_token":    token,
		}))
	require.NoError(t, err)
	assert.Equal(t, "P2", decodeResult(t, created)["principal_key"])

	listed, err := e.server.handleAdminPrincipals(ctx,
		toolRequest("metagate.admin_principals", map[string]any{
			"auth_token": token,
		}))
	require.NoError(t, err)
	principals := decodeResult(t, listed)["principals"].([]any)
	assert.Len(t, principals, 3)
}

func TestAdminProfilesToolRejectsForbiddenPolicyKey(t *testing.T) {
	e := newEnv(t)

	result, err := e.server.handleAdminProfiles(context.Background(),
		toolRequest("metagate.admin_profiles", map[string]any{
			"action":      "create",
			"profile_key": "rogue",
			"policy":      map[string]any{"deploy": map[string]any{"target": "prod"}},
			"auth_token":  e.token(t, "sub-admin"),
		}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "FORBIDDEN_KEY_VIOLATION")
}

func TestAdminBindingSwapTool(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "sub-admin")
	ctx := context.Background()

	created, err := e.server.handleAdminBindings(ctx,
		toolRequest("metagate.admin_bindings", map[string]any{
			"action":        "create",
			"principal_key": "P1",
			"profile_key":   "base",
			"manifest_key":  "env1",
			"active":        false,
			"auth_token":    token,
		}))
	require.NoError(t, err)
	bindingID := decodeResult(t, created)["id"].(string)

	activated, err := e.server.handleAdminBindings(ctx,
		toolRequest("metagate.admin_bindings", map[string]any{
			"action":     "activate",
			"binding_id": bindingID,
			"auth_token": token,
		}))
	require.NoError(t, err)
	assert.Equal(t, true, decodeResult(t, activated)["active"])

	p1, err := refstore.GetPrincipalByKey(ctx, e.store.DB(), "P1")
	require.NoError(t, err)
	active, err := refstore.ListActiveBindings(ctx, e.store.DB(), p1.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, bindingID, active[0].ID)
}

func TestUnsupportedAdminAction(t *testing.T) {
	e := newEnv(t)

	result, err := e.server.handleAdminPrincipals(context.Background(),
		toolRequest("metagate.admin_principals", map[string]any{
			"action":     "delete",
			"auth_token": e.token(t, "sub-admin"),
		}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "INVALID_REQUEST")
}
