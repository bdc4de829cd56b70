// Package mcpserver exposes the bootstrap engine over the Model Context
// Protocol: the bootstrap call, the startup lifecycle reports and the
// administrative operations are published as tools on a JSON-RPC endpoint
// mounted at /mcp. Agent runtimes that speak MCP natively can bootstrap
// without touching the REST surface; both surfaces delegate to the same
// orchestrator and store, so semantics and error codes are identical.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/metagate-io/metagate/auth"
	"github.com/metagate-io/metagate/bootstrap"
	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/packet"
	"github.com/metagate-io/metagate/refstore"
	"github.com/metagate-io/metagate/version"
)

type contextKey string

// credentialKey carries the raw header credential from the transport into
// tool handlers, which cannot see HTTP headers themselves.
const credentialKey contextKey = "mcp.credential"

// Server wraps the orchestrator and store behind an MCP tool registry.
type Server struct {
	orch   *bootstrap.Orchestrator
	store  *refstore.Store
	cfg    *config.Config
	authn  *auth.Authenticator
	logger *zap.SugaredLogger

	mcp *server.MCPServer
}

// New builds the MCP server and registers every tool.
func New(orch *bootstrap.Orchestrator, store *refstore.Store, cfg *config.Config,
	authn *auth.Authenticator, logger *zap.SugaredLogger) *Server {
	s := &Server{
		orch:   orch,
		store:  store,
		cfg:    cfg,
		authn:  authn,
		logger: logger,
	}
	s.mcp = server.NewMCPServer(
		"metagate",
		version.Get().Version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	s.registerAdminTools()
	return s
}

// HTTPHandler returns the streamable HTTP transport for mounting at /mcp.
// Stateless mode: every tools/call stands alone, no session handshake.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(credentialIntoContext),
	)
}

// credentialIntoContext stashes the header credential so tool handlers can
// fall back to it when no auth_token argument is given.
func credentialIntoContext(ctx context.Context, r *http.Request) context.Context {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return context.WithValue(ctx, credentialKey, strings.TrimSpace(token))
		}
	}
	if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
		return context.WithValue(ctx, credentialKey, rawKey)
	}
	return ctx
}

// authenticate resolves the calling subject: an auth_token argument wins,
// then the header credential stashed by the transport.
func (s *Server) authenticate(ctx context.Context, request mcp.CallToolRequest) (string, error) {
	credential := request.GetString("auth_token", "")
	if credential == "" {
		credential, _ = ctx.Value(credentialKey).(string)
	}
	if credential == "" {
		return "", errors.Wrap(errors.ErrUnauthorized, "no credentials presented")
	}
	return s.authn.VerifyCredential(ctx, credential)
}

// requireAdmin authenticates and re-reads the principal, admitting only
// active principals of type "admin". Mirrors the REST admin guard.
func (s *Server) requireAdmin(ctx context.Context, request mcp.CallToolRequest) (*refstore.Principal, error) {
	subject, err := s.authenticate(ctx, request)
	if err != nil {
		return nil, err
	}
	principal, err := refstore.GetPrincipalBySubject(ctx, s.store.DB(), subject)
	if err != nil {
		return nil, errors.Wrap(errors.ErrForbidden, "admin access required")
	}
	if !principal.Active() || principal.PrincipalType != "admin" {
		return nil, errors.Wrap(errors.ErrForbidden, "admin access required")
	}
	return principal, nil
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("metagate.discovery",
		mcp.WithDescription("Service discovery: version, endpoints and supported auth"),
	), s.handleDiscovery)

	s.mcp.AddTool(mcp.NewTool("metagate.health",
		mcp.WithDescription("Health check and service info"),
	), s.handleHealth)

	s.mcp.AddTool(mcp.NewTool("metagate.bootstrap",
		mcp.WithDescription("Bootstrap a component and return its Welcome Packet"),
		mcp.WithString("component_key",
			mcp.Required(),
			mcp.Description("Component requesting bootstrap"),
		),
		mcp.WithString("principal_key",
			mcp.Description("Expected principal; the call fails on mismatch"),
		),
		mcp.WithString("last_packet_etag",
			mcp.Description("Fingerprint of the caller's cached packet"),
		),
		mcp.WithString("auth_token",
			mcp.Description("JWT or API key when headers cannot carry credentials"),
		),
	), s.handleBootstrap)

	s.mcp.AddTool(mcp.NewTool("metagate.startup_ready",
		mcp.WithDescription("Report a successful component startup"),
		mcp.WithString("startup_id",
			mcp.Required(),
			mcp.Description("Startup attempt to close"),
		),
		mcp.WithString("build_version",
			mcp.Description("Build the component came up with"),
		),
		mcp.WithString("auth_token",
			mcp.Description("JWT or API key when headers cannot carry credentials"),
		),
	), s.handleStartupReady)

	s.mcp.AddTool(mcp.NewTool("metagate.startup_failed",
		mcp.WithDescription("Report a failed component startup"),
		mcp.WithString("startup_id",
			mcp.Required(),
			mcp.Description("Startup attempt to close"),
		),
		mcp.WithString("error",
			mcp.Required(),
			mcp.Description("What went wrong"),
		),
		mcp.WithString("auth_token",
			mcp.Description("JWT or API key when headers cannot carry credentials"),
		),
	), s.handleStartupFailed)
}

func (s *Server) handleDiscovery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolJSON(map[string]any{
		"service":            "metagate",
		"version":            version.Get().Version,
		"bootstrap_endpoint": "/mcp",
		"supported_auth":     []string{"jwt", "api_key"},
	})
}

func (s *Server) handleHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolJSON(map[string]any{
		"status":  "ok",
		"service": "metagate",
		"version": version.Get().Version,
	})
}

func (s *Server) handleBootstrap(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject, err := s.authenticate(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	componentKey, err := request.RequireString("component_key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.orch.Bootstrap(ctx, bootstrap.Request{
		Subject:      subject,
		ComponentKey: componentKey,
		PrincipalKey: request.GetString("principal_key", ""),
		CacheToken:   request.GetString("last_packet_etag", ""),
	})
	if err != nil {
		return toolError(err), nil
	}

	view := map[string]any{
		"packet_etag": result.Attempt.Fingerprint,
		"startup_id":  result.Attempt.ID,
		"deadline_at": result.Attempt.DeadlineAt,
	}
	if result.NotModified {
		view["not_modified"] = true
	} else {
		view["packet"] = result.Packet
	}
	return toolJSON(view)
}

func (s *Server) handleStartupReady(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject, err := s.authenticate(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	startupID, err := request.RequireString("startup_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	payload := packet.Document{}
	if v := request.GetString("build_version", ""); v != "" {
		payload["build_version"] = v
	}
	if health, ok := request.GetArguments()["health"].(map[string]any); ok {
		payload["health"] = health
	}

	attempt, err := s.orch.ReportReady(ctx, subject, startupID, payload)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(attempt)
}

func (s *Server) handleStartupFailed(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject, err := s.authenticate(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	startupID, err := request.RequireString("startup_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	failure, err := request.RequireString("error")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	payload := packet.Document{"error": failure}
	if details, ok := request.GetArguments()["details"].(map[string]any); ok {
		payload["details"] = details
	}

	attempt, err := s.orch.ReportFailed(ctx, subject, startupID, payload)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(attempt)
}

// toolJSON marshals a result as a JSON text content block, the shape the
// REST surface would have returned for the same call.
func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("INTERNAL: encode result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError renders a domain error with its machine code so MCP callers
// can branch on the same codes as REST callers.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(errors.Code(err) + ": " + err.Error())
}
