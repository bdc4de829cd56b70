package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/metagate-io/metagate/auth"
	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/packet"
	"github.com/metagate-io/metagate/refstore"
)

// Administrative CRUD over reference data. Every mutation is audit-logged
// with the acting principal; audit failures are logged, never propagated.

// actor resolves the admin principal behind a request. RequireAdmin has
// already verified the principal exists and is an admin.
func (s *Server) actor(r *http.Request) *refstore.Principal {
	principal, err := refstore.GetPrincipalBySubject(r.Context(), s.store.DB(), auth.Subject(r.Context()))
	if err != nil {
		return &refstore.Principal{PrincipalKey: "unknown", TenantKey: s.cfg.Bootstrap.DefaultTenant}
	}
	return principal
}

func (s *Server) audit(r *http.Request, actor *refstore.Principal, action, resourceType, resourceID, resourceKey string, changes packet.Document) {
	entry := &refstore.AuditEntry{
		TenantKey:         actor.TenantKey,
		Action:            action,
		ResourceType:      resourceType,
		ResourceID:        resourceID,
		ResourceKey:       resourceKey,
		ActorPrincipalKey: actor.PrincipalKey,
		ActorIP:           clientIP(r),
		ActorUserAgent:    r.UserAgent(),
		Changes:           changes,
	}
	if err := s.store.RecordAudit(r.Context(), entry); err != nil && s.logger != nil {
		s.logger.Warnw("Audit write failed",
			"action", action, "resource_type", resourceType, "error", err)
	}
}

// ---- principals ----

type createPrincipalRequest struct {
	PrincipalKey  string `json:"principal_key"`
	AuthSubject   string `json:"auth_subject"`
	PrincipalType string `json:"principal_type"`
	TenantKey     string `json:"tenant_key,omitempty"`
}

func (s *Server) handleAdminPrincipals(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	switch r.Method {
	case http.MethodGet:
		principals, err := s.store.ListPrincipals(r.Context(), actor.TenantKey)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"principals": orEmpty(principals)})

	case http.MethodPost:
		var req createPrincipalRequest
		if !s.readJSON(w, r, &req) {
			return
		}
		if req.PrincipalKey == "" || req.AuthSubject == "" {
			s.writeError(w, r, errors.NewInvalidRequestError("principal_key and auth_subject are required"))
			return
		}
		if req.PrincipalType == "" {
			req.PrincipalType = "service"
		}
		principal, err := s.store.CreatePrincipal(r.Context(), &refstore.Principal{
			PrincipalKey:  req.PrincipalKey,
			AuthSubject:   req.AuthSubject,
			PrincipalType: req.PrincipalType,
			TenantKey:     s.effectiveTenant(actor, req.TenantKey),
			CreatedBy:     actor.PrincipalKey,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.audit(r, actor, "CREATE", "principal", principal.ID, principal.PrincipalKey, nil)
		writeJSON(w, http.StatusCreated, principal)

	default:
		requireMethod(w, r, http.MethodGet)
	}
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleAdminPrincipalStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	key := r.PathValue("key")

	var req setStatusRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Status != "active" && req.Status != "suspended" {
		s.writeError(w, r, errors.NewInvalidRequestError("status must be active or suspended"))
		return
	}

	actor := s.actor(r)
	if err := s.store.SetPrincipalStatus(r.Context(), key, req.Status, actor.PrincipalKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, actor, "UPDATE", "principal", key, key,
		packet.Document{"status": map[string]any{"new": req.Status}})
	writeJSON(w, http.StatusOK, map[string]string{"principal_key": key, "status": req.Status})
}

// ---- profiles ----

type createProfileRequest struct {
	ProfileKey        string          `json:"profile_key"`
	Capabilities      packet.Document `json:"capabilities"`
	Policy            packet.Document `json:"policy,omitempty"`
	StartupSLASeconds int             `json:"startup_sla_seconds,omitempty"`
	TenantKey         string          `json:"tenant_key,omitempty"`
}

func (s *Server) handleAdminProfiles(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	switch r.Method {
	case http.MethodGet:
		profiles, err := s.store.ListProfiles(r.Context(), actor.TenantKey)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"profiles": orEmpty(profiles)})

	case http.MethodPost:
		var req createProfileRequest
		if !s.readJSON(w, r, &req) {
			return
		}
		if req.ProfileKey == "" {
			s.writeError(w, r, errors.NewInvalidRequestError("profile_key is required"))
			return
		}
		// Reference data is scanned at composition time too, but rejecting
		// forbidden keys on write keeps bad data out of the store entirely.
		for section, doc := range map[string]packet.Document{
			"capabilities": req.Capabilities,
			"policy":       req.Policy,
		} {
			if found := packet.ScanForbidden(doc); len(found) > 0 {
				s.writeError(w, r, errors.Wrapf(errors.ErrForbiddenKey, "%s: %v", section, found))
				return
			}
		}
		profile, err := s.store.CreateProfile(r.Context(), &refstore.Profile{
			ProfileKey:        req.ProfileKey,
			Capabilities:      req.Capabilities,
			Policy:            req.Policy,
			StartupSLASeconds: req.StartupSLASeconds,
			TenantKey:         s.effectiveTenant(actor, req.TenantKey),
			CreatedBy:         actor.PrincipalKey,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.audit(r, actor, "CREATE", "profile", profile.ID, profile.ProfileKey, nil)
		writeJSON(w, http.StatusCreated, profile)

	default:
		requireMethod(w, r, http.MethodGet)
	}
}

// ---- manifests ----

type createManifestRequest struct {
	ManifestKey   string          `json:"manifest_key"`
	DeploymentKey string          `json:"deployment_key,omitempty"`
	Environment   packet.Document `json:"environment,omitempty"`
	Services      packet.Document `json:"services,omitempty"`
	MemoryMap     packet.Document `json:"memory_map,omitempty"`
	Polling       packet.Document `json:"polling,omitempty"`
	Schemas       packet.Document `json:"schemas,omitempty"`
	Version       int             `json:"version,omitempty"`
	TenantKey     string          `json:"tenant_key,omitempty"`
}

func (s *Server) handleAdminManifests(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	switch r.Method {
	case http.MethodGet:
		manifests, err := s.store.ListManifests(r.Context(), actor.TenantKey)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"manifests": orEmpty(manifests)})

	case http.MethodPost:
		var req createManifestRequest
		if !s.readJSON(w, r, &req) {
			return
		}
		if req.ManifestKey == "" {
			s.writeError(w, r, errors.NewInvalidRequestError("manifest_key is required"))
			return
		}
		for section, doc := range map[string]packet.Document{
			"environment": req.Environment,
			"services":    req.Services,
			"memory_map":  req.MemoryMap,
			"polling":     req.Polling,
			"schemas":     req.Schemas,
		} {
			if found := packet.ScanForbidden(doc); len(found) > 0 {
				s.writeError(w, r, errors.Wrapf(errors.ErrForbiddenKey, "%s: %v", section, found))
				return
			}
		}
		if req.Version <= 0 {
			req.Version = 1
		}
		manifest, err := s.store.CreateManifest(r.Context(), &refstore.Manifest{
			ManifestKey:   req.ManifestKey,
			DeploymentKey: req.DeploymentKey,
			Environment:   req.Environment,
			Services:      req.Services,
			MemoryMap:     req.MemoryMap,
			Polling:       req.Polling,
			Schemas:       req.Schemas,
			Version:       req.Version,
			TenantKey:     s.effectiveTenant(actor, req.TenantKey),
			CreatedBy:     actor.PrincipalKey,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.audit(r, actor, "CREATE", "manifest", manifest.ID, manifest.ManifestKey, nil)
		writeJSON(w, http.StatusCreated, manifest)

	default:
		requireMethod(w, r, http.MethodGet)
	}
}

// ---- bindings ----

type createBindingRequest struct {
	PrincipalKey string          `json:"principal_key"`
	ProfileKey   string          `json:"profile_key"`
	ManifestKey  string          `json:"manifest_key"`
	Overrides    packet.Document `json:"overrides,omitempty"`
	Active       bool            `json:"active"`
}

func (s *Server) handleAdminBindings(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	switch r.Method {
	case http.MethodGet:
		bindings, err := s.store.ListBindings(r.Context(), actor.TenantKey)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bindings": orEmpty(bindings)})

	case http.MethodPost:
		var req createBindingRequest
		if !s.readJSON(w, r, &req) {
			return
		}
		if found := packet.ScanForbidden(req.Overrides); len(found) > 0 {
			s.writeError(w, r, errors.Wrapf(errors.ErrForbiddenKey, "overrides: %v", found))
			return
		}
		ctx := r.Context()
		principal, err := refstore.GetPrincipalByKey(ctx, s.store.DB(), req.PrincipalKey)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		profile, err := refstore.GetProfileByKey(ctx, s.store.DB(), req.ProfileKey)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		manifest, err := refstore.GetManifestByKey(ctx, s.store.DB(), req.ManifestKey)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		binding, err := s.store.CreateBinding(ctx, &refstore.Binding{
			PrincipalID: principal.ID,
			ProfileID:   profile.ID,
			ManifestID:  manifest.ID,
			Overrides:   req.Overrides,
			Active:      req.Active,
			TenantKey:   principal.TenantKey,
			CreatedBy:   actor.PrincipalKey,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.audit(r, actor, "CREATE", "binding", binding.ID, req.PrincipalKey, nil)
		writeJSON(w, http.StatusCreated, binding)

	default:
		requireMethod(w, r, http.MethodGet)
	}
}

func (s *Server) handleAdminBindingActivate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	id := r.PathValue("id")
	actor := s.actor(r)
	if err := s.store.ActivateBinding(r.Context(), id, actor.PrincipalKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, actor, "UPDATE", "binding", id, "",
		packet.Document{"active": map[string]any{"new": true}})
	writeJSON(w, http.StatusOK, map[string]any{"binding_id": id, "active": true})
}

func (s *Server) handleAdminBindingDeactivate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	id := r.PathValue("id")
	actor := s.actor(r)
	if err := s.store.DeactivateBinding(r.Context(), id, actor.PrincipalKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, actor, "UPDATE", "binding", id, "",
		packet.Document{"active": map[string]any{"new": false}})
	writeJSON(w, http.StatusOK, map[string]any{"binding_id": id, "active": false})
}

// ---- secret refs ----

type createSecretRefRequest struct {
	SecretKey string          `json:"secret_key"`
	RefKind   string          `json:"ref_kind,omitempty"`
	RefName   string          `json:"ref_name"`
	RefMeta   packet.Document `json:"ref_meta,omitempty"`
	TenantKey string          `json:"tenant_key,omitempty"`
}

func (s *Server) handleAdminSecretRefs(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	switch r.Method {
	case http.MethodGet:
		refs, err := refstore.ListActiveSecretRefs(r.Context(), s.store.DB(), actor.TenantKey)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"secret_refs": orEmpty(refs)})

	case http.MethodPost:
		var req createSecretRefRequest
		if !s.readJSON(w, r, &req) {
			return
		}
		if req.SecretKey == "" || req.RefName == "" {
			s.writeError(w, r, errors.NewInvalidRequestError("secret_key and ref_name are required"))
			return
		}
		ref, err := s.store.CreateSecretRef(r.Context(), &refstore.SecretRef{
			SecretKey: req.SecretKey,
			RefKind:   req.RefKind,
			RefName:   req.RefName,
			RefMeta:   req.RefMeta,
			TenantKey: s.effectiveTenant(actor, req.TenantKey),
			CreatedBy: actor.PrincipalKey,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.audit(r, actor, "CREATE", "secret_ref", ref.ID, ref.SecretKey, nil)
		writeJSON(w, http.StatusCreated, ref)

	default:
		requireMethod(w, r, http.MethodGet)
	}
}

func (s *Server) handleAdminSecretRefRetire(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	key := r.PathValue("key")
	actor := s.actor(r)
	if err := s.store.SetSecretRefStatus(r.Context(), key, "retired", actor.PrincipalKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, actor, "UPDATE", "secret_ref", key, key,
		packet.Document{"status": map[string]any{"new": "retired"}})
	writeJSON(w, http.StatusOK, map[string]string{"secret_key": key, "status": "retired"})
}

// ---- api keys ----

type createAPIKeyRequest struct {
	PrincipalKey string `json:"principal_key"`
	Name         string `json:"name"`
	ExpiresAt    string `json:"expires_at,omitempty"` // RFC3339
}

// handleAdminAPIKeys mints a new API key. The raw key is returned exactly
// once; only its hash is stored.
func (s *Server) handleAdminAPIKeys(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req createAPIKeyRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.PrincipalKey == "" || req.Name == "" {
		s.writeError(w, r, errors.NewInvalidRequestError("principal_key and name are required"))
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			s.writeError(w, r, errors.NewInvalidRequestError("expires_at must be RFC3339"))
			return
		}
		expiresAt = &parsed
	}

	principal, err := refstore.GetPrincipalByKey(r.Context(), s.store.DB(), req.PrincipalKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	actor := s.actor(r)
	key, err := s.store.CreateAPIKey(r.Context(), &refstore.APIKey{
		KeyHash:     auth.HashAPIKey(rawKey),
		PrincipalID: principal.ID,
		Name:        req.Name,
		ExpiresAt:   expiresAt,
		TenantKey:   principal.TenantKey,
		CreatedBy:   actor.PrincipalKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, actor, "CREATE", "api_key", key.ID, req.Name, nil)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      key.ID,
		"name":    key.Name,
		"api_key": rawKey,
	})
}

func generateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate api key")
	}
	return "mg_" + hex.EncodeToString(b), nil
}

// ---- audit ----

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	actor := s.actor(r)
	entries, err := s.store.ListAuditEntries(r.Context(), actor.TenantKey, 200)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": orEmpty(entries)})
}

// effectiveTenant scopes a write: admins stay inside their own tenant
// unless cross-tenant administration is explicitly requested and allowed.
func (s *Server) effectiveTenant(actor *refstore.Principal, requested string) string {
	if requested == "" || requested == actor.TenantKey {
		return actor.TenantKey
	}
	// Cross-tenant writes are allowed only for the default tenant's admins.
	if actor.TenantKey == s.cfg.Bootstrap.DefaultTenant {
		return requested
	}
	return actor.TenantKey
}

// orEmpty keeps list responses as [] instead of null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
