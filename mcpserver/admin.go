package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/packet"
	"github.com/metagate-io/metagate/refstore"
)

// Administrative tools. Each takes an "action" argument selecting the
// operation, the remaining arguments carry the payload; this mirrors the
// REST admin surface one-to-one, including write-time forbidden-key scans
// and audit logging.

func (s *Server) registerAdminTools() {
	adminTool := func(name, description string) mcp.Tool {
		return mcp.NewTool(name,
			mcp.WithDescription(description),
			mcp.WithString("action",
				mcp.Description("Operation to perform; defaults to list"),
			),
			mcp.WithString("auth_token",
				mcp.Description("Admin credential when headers cannot carry it"),
			),
		)
	}

	s.mcp.AddTool(adminTool("metagate.admin_principals",
		"Manage principals: list, create, set_status"), s.handleAdminPrincipals)
	s.mcp.AddTool(adminTool("metagate.admin_profiles",
		"Manage profiles: list, create"), s.handleAdminProfiles)
	s.mcp.AddTool(adminTool("metagate.admin_manifests",
		"Manage manifests: list, create"), s.handleAdminManifests)
	s.mcp.AddTool(adminTool("metagate.admin_bindings",
		"Manage bindings: list, create, activate, deactivate"), s.handleAdminBindings)
	s.mcp.AddTool(adminTool("metagate.admin_secret_refs",
		"Manage secret references: list, create, retire"), s.handleAdminSecretRefs)
}

func (s *Server) handleAdminPrincipals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := s.requireAdmin(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	args := request.GetArguments()

	switch request.GetString("action", "list") {
	case "list":
		principals, err := s.store.ListPrincipals(ctx, actor.TenantKey)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(map[string]any{"principals": principals})

	case "create":
		principalKey := strArg(args, "principal_key")
		authSubject := strArg(args, "auth_subject")
		if principalKey == "" || authSubject == "" {
			return toolError(errors.NewInvalidRequestError("principal_key and auth_subject are required")), nil
		}
		principalType := strArg(args, "principal_type")
		if principalType == "" {
			principalType = "service"
		}
		principal, err := s.store.CreatePrincipal(ctx, &refstore.Principal{
			PrincipalKey:  principalKey,
			AuthSubject:   authSubject,
			PrincipalType: principalType,
			TenantKey:     s.effectiveTenant(actor, strArg(args, "tenant_key")),
			CreatedBy:     actor.PrincipalKey,
		})
		if err != nil {
			return toolError(err), nil
		}
		s.audit(ctx, actor, "CREATE", "principal", principal.ID, principal.PrincipalKey, nil)
		return toolJSON(principal)

	case "set_status":
		key := strArg(args, "principal_key")
		status := strArg(args, "status")
		if status != "active" && status != "suspended" {
			return toolError(errors.NewInvalidRequestError("status must be active or suspended")), nil
		}
		if err := s.store.SetPrincipalStatus(ctx, key, status, actor.PrincipalKey); err != nil {
			return toolError(err), nil
		}
		s.audit(ctx, actor, "UPDATE", "principal", key, key,
			packet.Document{"status": map[string]any{"new": status}})
		return toolJSON(map[string]string{"principal_key": key, "status": status})
	}
	return unsupportedAction(request)
}

func (s *Server) handleAdminProfiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := s.requireAdmin(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	args := request.GetArguments()

	switch request.GetString("action", "list") {
	case "list":
		profiles, err := s.store.ListProfiles(ctx, actor.TenantKey)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(map[string]any{"profiles": profiles})

	case "create":
		profileKey := strArg(args, "profile_key")
		if profileKey == "" {
			return toolError(errors.NewInvalidRequestError("profile_key is required")), nil
		}
		capabilities := docArg(args, "capabilities")
		policy := docArg(args, "policy")
		for section, doc := range map[string]packet.Document{
			"capabilities": capabilities,
			"policy":       policy,
		} {
			if found := packet.ScanForbidden(doc); len(found) > 0 {
				return toolError(errors.Wrapf(errors.ErrForbiddenKey, "%s: %v", section, found)), nil
			}
		}
		profile, err := s.store.CreateProfile(ctx, &refstore.Profile{
			ProfileKey:        profileKey,
			Capabilities:      capabilities,
			Policy:            policy,
			StartupSLASeconds: intArg(args, "startup_sla_seconds"),
			TenantKey:         s.effectiveTenant(actor, strArg(args, "tenant_key")),
			CreatedBy:         actor.PrincipalKey,
		})
		if err != nil {
			return toolError(err), nil
		}
		s.audit(ctx, actor, "CREATE", "profile", profile.ID, profile.ProfileKey, nil)
		return toolJSON(profile)
	}
	return unsupportedAction(request)
}

func (s *Server) handleAdminManifests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := s.requireAdmin(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	args := request.GetArguments()

	switch request.GetString("action", "list") {
	case "list":
		manifests, err := s.store.ListManifests(ctx, actor.TenantKey)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(map[string]any{"manifests": manifests})

	case "create":
		manifestKey := strArg(args, "manifest_key")
		if manifestKey == "" {
			return toolError(errors.NewInvalidRequestError("manifest_key is required")), nil
		}
		sections := map[string]packet.Document{
			"environment": docArg(args, "environment"),
			"services":    docArg(args, "services"),
			"memory_map":  docArg(args, "memory_map"),
			"polling":     docArg(args, "polling"),
			"schemas":     docArg(args, "schemas"),
		}
		for section, doc := range sections {
			if found := packet.ScanForbidden(doc); len(found) > 0 {
				return toolError(errors.Wrapf(errors.ErrForbiddenKey, "%s: %v", section, found)), nil
			}
		}
		manifestVersion := intArg(args, "version")
		if manifestVersion <= 0 {
			manifestVersion = 1
		}
		manifest, err := s.store.CreateManifest(ctx, &refstore.Manifest{
			ManifestKey:   manifestKey,
			DeploymentKey: strArg(args, "deployment_key"),
			Environment:   sections["environment"],
			Services:      sections["services"],
			MemoryMap:     sections["memory_map"],
			Polling:       sections["polling"],
			Schemas:       sections["schemas"],
			Version:       manifestVersion,
			TenantKey:     s.effectiveTenant(actor, strArg(args, "tenant_key")),
			CreatedBy:     actor.PrincipalKey,
		})
		if err != nil {
			return toolError(err), nil
		}
		s.audit(ctx, actor, "CREATE", "manifest", manifest.ID, manifest.ManifestKey, nil)
		return toolJSON(manifest)
	}
	return unsupportedAction(request)
}

func (s *Server) handleAdminBindings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := s.requireAdmin(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	args := request.GetArguments()

	switch request.GetString("action", "list") {
	case "list":
		bindings, err := s.store.ListBindings(ctx, actor.TenantKey)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(map[string]any{"bindings": bindings})

	case "create":
		overrides := docArg(args, "overrides")
		if found := packet.ScanForbidden(overrides); len(found) > 0 {
			return toolError(errors.Wrapf(errors.ErrForbiddenKey, "overrides: %v", found)), nil
		}
		principal, err := refstore.GetPrincipalByKey(ctx, s.store.DB(), strArg(args, "principal_key"))
		if err != nil {
			return toolError(err), nil
		}
		profile, err := refstore.GetProfileByKey(ctx, s.store.DB(), strArg(args, "profile_key"))
		if err != nil {
			return toolError(err), nil
		}
		manifest, err := refstore.GetManifestByKey(ctx, s.store.DB(), strArg(args, "manifest_key"))
		if err != nil {
			return toolError(err), nil
		}
		active, _ := args["active"].(bool)
		binding, err := s.store.CreateBinding(ctx, &refstore.Binding{
			PrincipalID: principal.ID,
			ProfileID:   profile.ID,
			ManifestID:  manifest.ID,
			Overrides:   overrides,
			Active:      active,
			TenantKey:   principal.TenantKey,
			CreatedBy:   actor.PrincipalKey,
		})
		if err != nil {
			return toolError(err), nil
		}
		s.audit(ctx, actor, "CREATE", "binding", binding.ID, principal.PrincipalKey, nil)
		return toolJSON(binding)

	case "activate":
		id := strArg(args, "binding_id")
		if err := s.store.ActivateBinding(ctx, id, actor.PrincipalKey); err != nil {
			return toolError(err), nil
		}
		s.audit(ctx, actor, "UPDATE", "binding", id, "",
			packet.Document{"active": map[string]any{"new": true}})
		return toolJSON(map[string]any{"binding_id": id, "active": true})

	case "deactivate":
		id := strArg(args, "binding_id")
		if err := s.store.DeactivateBinding(ctx, id, actor.PrincipalKey); err != nil {
			return toolError(err), nil
		}
		s.audit(ctx, actor, "UPDATE", "binding", id, "",
			packet.Document{"active": map[string]any{"new": false}})
		return toolJSON(map[string]any{"binding_id": id, "active": false})
	}
	return unsupportedAction(request)
}

func (s *Server) handleAdminSecretRefs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := s.requireAdmin(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	args := request.GetArguments()

	switch request.GetString("action", "list") {
	case "list":
		refs, err := refstore.ListActiveSecretRefs(ctx, s.store.DB(), actor.TenantKey)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(map[string]any{"secret_refs": refs})

	case "create":
		secretKey := strArg(args, "secret_key")
		refName := strArg(args, "ref_name")
		if secretKey == "" || refName == "" {
			return toolError(errors.NewInvalidRequestError("secret_key and ref_name are required")), nil
		}
		ref, err := s.store.CreateSecretRef(ctx, &refstore.SecretRef{
			SecretKey: secretKey,
			RefKind:   strArg(args, "ref_kind"),
			RefName:   refName,
			RefMeta:   docArg(args, "ref_meta"),
			TenantKey: s.effectiveTenant(actor, strArg(args, "tenant_key")),
			CreatedBy: actor.PrincipalKey,
		})
		if err != nil {
			return toolError(err), nil
		}
		s.audit(ctx, actor, "CREATE", "secret_ref", ref.ID, ref.SecretKey, nil)
		return toolJSON(ref)

	case "retire":
		key := strArg(args, "secret_key")
		if err := s.store.SetSecretRefStatus(ctx, key, "retired", actor.PrincipalKey); err != nil {
			return toolError(err), nil
		}
		s.audit(ctx, actor, "UPDATE", "secret_ref", key, key,
			packet.Document{"status": map[string]any{"new": "retired"}})
		return toolJSON(map[string]string{"secret_key": key, "status": "retired"})
	}
	return unsupportedAction(request)
}

// audit records a mutation against the audit log; failures are logged,
// never propagated. The transport carries no client address.
func (s *Server) audit(ctx context.Context, actor *refstore.Principal, action, resourceType, resourceID, resourceKey string, changes packet.Document) {
	entry := &refstore.AuditEntry{
		TenantKey:         actor.TenantKey,
		Action:            action,
		ResourceType:      resourceType,
		ResourceID:        resourceID,
		ResourceKey:       resourceKey,
		ActorPrincipalKey: actor.PrincipalKey,
		ActorUserAgent:    "mcp",
		Changes:           changes,
	}
	if err := s.store.RecordAudit(ctx, entry); err != nil && s.logger != nil {
		s.logger.Warnw("Audit write failed",
			"action", action, "resource_type", resourceType, "error", err)
	}
}

// effectiveTenant scopes a write the same way the REST surface does:
// cross-tenant writes are reserved for the default tenant's admins.
func (s *Server) effectiveTenant(actor *refstore.Principal, requested string) string {
	if requested == "" || requested == actor.TenantKey {
		return actor.TenantKey
	}
	if actor.TenantKey == s.cfg.Bootstrap.DefaultTenant {
		return requested
	}
	return actor.TenantKey
}

func unsupportedAction(request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolError(errors.NewInvalidRequestError(
		"unsupported action: " + request.GetString("action", ""))), nil
}

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func docArg(args map[string]any, key string) packet.Document {
	if m, ok := args[key].(map[string]any); ok {
		return packet.Document(m)
	}
	return nil
}

// intArg tolerates the float64 that JSON decoding produces for numbers.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
