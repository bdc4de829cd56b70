package refstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/packet"
)

// Administrative writes. Uniqueness violations surface as ErrConflict so
// the admin API can answer 409 instead of 500.

func mapConstraintErr(err error, context string) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return errors.Wrap(errors.ErrConflict, context)
	}
	return errors.Wrap(err, context)
}

// CreatePrincipal inserts a new principal and returns it.
func (s *Store) CreatePrincipal(ctx context.Context, p *Principal) (*Principal, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.TenantKey == "" {
		p.TenantKey = "default"
	}
	if p.Status == "" {
		p.Status = "active"
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, tenant_key, principal_key, auth_subject, principal_type,
			status, created_at, updated_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantKey, p.PrincipalKey, p.AuthSubject, p.PrincipalType,
		p.Status, p.CreatedAt, p.UpdatedAt, nullable(p.CreatedBy))
	if err != nil {
		return nil, mapConstraintErr(err, "create principal")
	}
	return p, nil
}

// SetPrincipalStatus activates or suspends a principal.
func (s *Store) SetPrincipalStatus(ctx context.Context, key, status, updatedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals SET status = ?, updated_at = ?, updated_by = ?
		WHERE principal_key = ?`,
		status, time.Now().UTC(), nullable(updatedBy), key)
	if err != nil {
		return errors.Wrap(err, "set principal status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "principal %q", key)
	}
	return nil
}

// ListPrincipals returns principals for a tenant.
func (s *Store) ListPrincipals(ctx context.Context, tenantKey string) ([]*Principal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE tenant_key = ? ORDER BY principal_key`,
		tenantKey)
	if err != nil {
		return nil, errors.Wrap(err, "list principals")
	}
	defer rows.Close()

	var principals []*Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan principal")
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

// CreateProfile inserts a new profile and returns it.
func (s *Store) CreateProfile(ctx context.Context, p *Profile) (*Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.TenantKey == "" {
		p.TenantKey = "default"
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	capabilities, err := marshalDoc(p.Capabilities)
	if err != nil {
		return nil, err
	}
	policy, err := marshalDoc(p.Policy)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, tenant_key, profile_key, capabilities, policy,
			startup_sla_seconds, created_at, updated_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantKey, p.ProfileKey, capabilities, policy,
		p.StartupSLASeconds, p.CreatedAt, p.UpdatedAt, nullable(p.CreatedBy))
	if err != nil {
		return nil, mapConstraintErr(err, "create profile")
	}
	return p, nil
}

// ListProfiles returns profiles for a tenant.
func (s *Store) ListProfiles(ctx context.Context, tenantKey string) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE tenant_key = ? ORDER BY profile_key`,
		tenantKey)
	if err != nil {
		return nil, errors.Wrap(err, "list profiles")
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan profile")
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// CreateManifest inserts a new manifest and returns it.
func (s *Store) CreateManifest(ctx context.Context, m *Manifest) (*Manifest, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.TenantKey == "" {
		m.TenantKey = "default"
	}
	if m.DeploymentKey == "" {
		m.DeploymentKey = "default"
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	docs := make([]string, 5)
	for i, doc := range []packet.Document{m.Environment, m.Services, m.MemoryMap, m.Polling, m.Schemas} {
		raw, err := marshalDoc(doc)
		if err != nil {
			return nil, err
		}
		docs[i] = raw
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifests (id, tenant_key, manifest_key, deployment_key,
			environment, services, memory_map, polling, schemas, version,
			created_at, updated_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantKey, m.ManifestKey, m.DeploymentKey,
		docs[0], docs[1], docs[2], docs[3], docs[4], m.Version,
		m.CreatedAt, m.UpdatedAt, nullable(m.CreatedBy))
	if err != nil {
		return nil, mapConstraintErr(err, "create manifest")
	}
	return m, nil
}

// ListManifests returns manifests for a tenant.
func (s *Store) ListManifests(ctx context.Context, tenantKey string) ([]*Manifest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE tenant_key = ? ORDER BY manifest_key`,
		tenantKey)
	if err != nil {
		return nil, errors.Wrap(err, "list manifests")
	}
	defer rows.Close()

	var manifests []*Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan manifest")
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// CreateBinding inserts a new binding. When active, the partial unique
// index rejects a second active binding for the same principal; that
// constraint violation surfaces as ErrConflict.
func (s *Store) CreateBinding(ctx context.Context, b *Binding) (*Binding, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.TenantKey == "" {
		b.TenantKey = "default"
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now

	overrides, err := marshalDoc(b.Overrides)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bindings (id, tenant_key, principal_id, profile_id, manifest_id,
			overrides, active, created_at, updated_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantKey, b.PrincipalID, b.ProfileID, b.ManifestID,
		overrides, b.Active, b.CreatedAt, b.UpdatedAt, nullable(b.CreatedBy))
	if err != nil {
		return nil, mapConstraintErr(err, "create binding")
	}
	return b, nil
}

// ActivateBinding makes the given binding the principal's single active
// binding: any currently active binding is deactivated in the same
// transaction, so the unique index never sees two active rows.
func (s *Store) ActivateBinding(ctx context.Context, bindingID, updatedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin activate binding")
	}
	defer tx.Rollback()

	b, err := GetBindingByID(ctx, tx, bindingID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE bindings SET active = 0, updated_at = ?, updated_by = ?
		WHERE principal_id = ? AND active = 1`,
		now, nullable(updatedBy), b.PrincipalID); err != nil {
		return errors.Wrap(err, "deactivate current binding")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bindings SET active = 1, updated_at = ?, updated_by = ?
		WHERE id = ?`,
		now, nullable(updatedBy), bindingID); err != nil {
		return mapConstraintErr(err, "activate binding")
	}

	return errors.Wrap(tx.Commit(), "commit activate binding")
}

// DeactivateBinding clears the active flag on a binding.
func (s *Store) DeactivateBinding(ctx context.Context, bindingID, updatedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bindings SET active = 0, updated_at = ?, updated_by = ?
		WHERE id = ?`,
		time.Now().UTC(), nullable(updatedBy), bindingID)
	if err != nil {
		return errors.Wrap(err, "deactivate binding")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "binding %q", bindingID)
	}
	return nil
}

// ListBindings returns bindings for a tenant.
func (s *Store) ListBindings(ctx context.Context, tenantKey string) ([]*Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bindingColumns+` FROM bindings WHERE tenant_key = ? ORDER BY created_at`,
		tenantKey)
	if err != nil {
		return nil, errors.Wrap(err, "list bindings")
	}
	defer rows.Close()

	var bindings []*Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan binding")
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// CreateSecretRef inserts a new secret reference and returns it.
func (s *Store) CreateSecretRef(ctx context.Context, ref *SecretRef) (*SecretRef, error) {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.TenantKey == "" {
		ref.TenantKey = "default"
	}
	if ref.RefKind == "" {
		ref.RefKind = "env"
	}
	if ref.Status == "" {
		ref.Status = "active"
	}
	ref.CreatedAt = time.Now().UTC()

	meta, err := marshalDoc(ref.RefMeta)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secret_refs (id, tenant_key, secret_key, ref_kind, ref_name,
			ref_meta, status, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.TenantKey, ref.SecretKey, ref.RefKind, ref.RefName,
		meta, ref.Status, ref.CreatedAt, nullable(ref.CreatedBy))
	if err != nil {
		return nil, mapConstraintErr(err, "create secret ref")
	}
	return ref, nil
}

// SetSecretRefStatus activates or retires a secret reference.
func (s *Store) SetSecretRefStatus(ctx context.Context, secretKey, status, updatedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE secret_refs SET status = ?, updated_by = ? WHERE secret_key = ?`,
		status, nullable(updatedBy), secretKey)
	if err != nil {
		return errors.Wrap(err, "set secret ref status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "secret ref %q", secretKey)
	}
	return nil
}

// CreateAPIKey stores the hash of a new API key for a principal.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) (*APIKey, error) {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.TenantKey == "" {
		k.TenantKey = "default"
	}
	if k.Status == "" {
		k.Status = "active"
	}
	k.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_key, key_hash, principal_id, name, status,
			expires_at, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.TenantKey, k.KeyHash, k.PrincipalID, k.Name, k.Status,
		k.ExpiresAt, k.CreatedAt, nullable(k.CreatedBy))
	if err != nil {
		return nil, mapConstraintErr(err, "create api key")
	}
	return k, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
