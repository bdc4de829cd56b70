package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/metagate-io/metagate/auth"
	"github.com/metagate-io/metagate/bootstrap"
	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/ledger"
	"github.com/metagate-io/metagate/packet"
	"github.com/metagate-io/metagate/version"
)

// handleDiscovery serves the unauthenticated service description.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "metagate",
		"version": version.Get().Version,
		"capabilities": []string{
			"bootstrap",
			"startup-lifecycle",
			"packet-etag",
			"mcp",
		},
		"endpoints": map[string]string{
			"bootstrap":      "/v1/bootstrap",
			"startup_ready":  "/v1/startup/ready",
			"startup_failed": "/v1/startup/failed",
			"startup_status": "/v1/startup/{id}",
			"mcp":            "/mcp",
		},
	})
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if err := s.db.PingContext(r.Context()); err != nil {
		s.writeError(w, r, errors.Wrap(err, "database unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type bootstrapRequest struct {
	ComponentKey   string `json:"component_key"`
	PrincipalKey   string `json:"principal_key,omitempty"`
	LastPacketETag string `json:"last_packet_etag,omitempty"`
}

// handleBootstrap runs the full bootstrap sequence. The packet fingerprint
// doubles as an ETag: callers may send it back via the request body or the
// If-None-Match header and receive 304 when their cached packet is still
// current. Either way a new OPEN attempt is created.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req bootstrapRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	cacheToken := req.LastPacketETag
	if cacheToken == "" {
		cacheToken = strings.Trim(r.Header.Get("If-None-Match"), `"`)
	}

	result, err := s.orch.Bootstrap(r.Context(), bootstrap.Request{
		Subject:      auth.Subject(r.Context()),
		ComponentKey: req.ComponentKey,
		PrincipalKey: req.PrincipalKey,
		CacheToken:   cacheToken,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", `"`+result.Attempt.Fingerprint+`"`)

	if result.NotModified {
		// 304 carries no body; the new lifecycle identifiers travel in
		// headers so the caller can still report ready/failed.
		w.Header().Set("X-Startup-Id", result.Attempt.ID)
		w.Header().Set("X-Startup-Deadline", result.Attempt.DeadlineAt.Format(time.RFC3339))
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"packet":      result.Packet,
		"startup_id":  result.Attempt.ID,
		"deadline_at": result.Attempt.DeadlineAt,
	})
}

type readyRequest struct {
	StartupID    string          `json:"startup_id"`
	BuildVersion string          `json:"build_version,omitempty"`
	Health       packet.Document `json:"health,omitempty"`
}

func (s *Server) handleStartupReady(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req readyRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.StartupID == "" {
		s.writeError(w, r, errors.NewInvalidRequestError("startup_id is required"))
		return
	}

	payload := packet.Document{}
	if req.BuildVersion != "" {
		payload["build_version"] = req.BuildVersion
	}
	if req.Health != nil {
		payload["health"] = map[string]any(req.Health)
	}

	attempt, err := s.orch.ReportReady(r.Context(), auth.Subject(r.Context()), req.StartupID, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attemptView(attempt, time.Now().UTC()))
}

type failedRequest struct {
	StartupID string          `json:"startup_id"`
	Error     string          `json:"error"`
	Details   packet.Document `json:"details,omitempty"`
}

func (s *Server) handleStartupFailed(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req failedRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.StartupID == "" {
		s.writeError(w, r, errors.NewInvalidRequestError("startup_id is required"))
		return
	}
	if req.Error == "" {
		s.writeError(w, r, errors.NewInvalidRequestError("error is required"))
		return
	}

	payload := packet.Document{"error": req.Error}
	if req.Details != nil {
		payload["details"] = map[string]any(req.Details)
	}

	attempt, err := s.orch.ReportFailed(r.Context(), auth.Subject(r.Context()), req.StartupID, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attemptView(attempt, time.Now().UTC()))
}

// handleStartupStatus serves GET /v1/startup/{id}.
func (s *Server) handleStartupStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	id := r.PathValue("id")
	now := time.Now().UTC()
	attempt, overdue, err := s.orch.AttemptStatus(r.Context(), id, now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	view := attemptView(attempt, now)
	view["overdue"] = overdue
	writeJSON(w, http.StatusOK, view)
}

// attemptView is the wire shape of an attempt, with overdue computed at
// observation time.
func attemptView(a *ledger.StartupAttempt, now time.Time) map[string]any {
	view := map[string]any{
		"startup_id":    a.ID,
		"status":        a.Status,
		"principal_key": a.PrincipalKey,
		"component_key": a.ComponentKey,
		"profile_key":   a.ProfileKey,
		"manifest_key":  a.ManifestKey,
		"packet_etag":   a.Fingerprint,
		"opened_at":     a.OpenedAt,
		"deadline_at":   a.DeadlineAt,
		"overdue":       a.Overdue(now),
	}
	if a.ReadyAt != nil {
		view["ready_at"] = a.ReadyAt
	}
	if a.FailedAt != nil {
		view["failed_at"] = a.FailedAt
	}
	if a.FailurePayload != nil {
		view["failure"] = map[string]any(a.FailurePayload)
	}
	return view
}
