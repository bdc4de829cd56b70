package refstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/packet"
)

// Querier is satisfied by both *sql.DB and *sql.Tx. Read functions take a
// Querier so the resolver can fetch a consistent snapshot inside a single
// read transaction.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store handles reference-data persistence.
type Store struct {
	db *sql.DB
}

// New creates a reference store over the given database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying database for transaction control.
func (s *Store) DB() *sql.DB { return s.db }

const principalColumns = `id, tenant_key, principal_key, auth_subject, principal_type, status,
	created_at, updated_at, COALESCE(created_by, ''), COALESCE(updated_by, '')`

func scanPrincipal(row interface{ Scan(...any) error }) (*Principal, error) {
	var p Principal
	err := row.Scan(&p.ID, &p.TenantKey, &p.PrincipalKey, &p.AuthSubject, &p.PrincipalType,
		&p.Status, &p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.UpdatedBy)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPrincipalBySubject returns the principal whose auth_subject matches,
// regardless of status. Callers decide how to treat suspended principals.
func GetPrincipalBySubject(ctx context.Context, q Querier, subject string) (*Principal, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE auth_subject = ?`, subject)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "principal with subject %q", subject)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get principal by subject")
	}
	return p, nil
}

// GetPrincipalByKey returns the principal with the given principal_key.
func GetPrincipalByKey(ctx context.Context, q Querier, key string) (*Principal, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE principal_key = ?`, key)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "principal %q", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get principal by key")
	}
	return p, nil
}

// GetPrincipalByID returns the principal with the given id.
func GetPrincipalByID(ctx context.Context, q Querier, id string) (*Principal, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE id = ?`, id)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "principal id %q", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get principal by id")
	}
	return p, nil
}

const bindingColumns = `id, tenant_key, principal_id, profile_id, manifest_id, overrides, active,
	created_at, updated_at, COALESCE(created_by, ''), COALESCE(updated_by, '')`

func scanBinding(row interface{ Scan(...any) error }) (*Binding, error) {
	var b Binding
	var overrides sql.NullString
	err := row.Scan(&b.ID, &b.TenantKey, &b.PrincipalID, &b.ProfileID, &b.ManifestID,
		&overrides, &b.Active, &b.CreatedAt, &b.UpdatedAt, &b.CreatedBy, &b.UpdatedBy)
	if err != nil {
		return nil, err
	}
	if overrides.Valid {
		doc, err := packet.DecodeDocument([]byte(overrides.String))
		if err != nil {
			return nil, errors.Wrap(err, "decode binding overrides")
		}
		b.Overrides = doc
	}
	return &b, nil
}

// ListActiveBindings returns every active binding for a principal. The
// schema permits at most one; the resolver treats more as a conflict.
func ListActiveBindings(ctx context.Context, q Querier, principalID string) ([]*Binding, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+bindingColumns+` FROM bindings WHERE principal_id = ? AND active = 1`, principalID)
	if err != nil {
		return nil, errors.Wrap(err, "list active bindings")
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
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate bindings")
	}
	return bindings, nil
}

// GetBindingByID returns a binding by id.
func GetBindingByID(ctx context.Context, q Querier, id string) (*Binding, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM bindings WHERE id = ?`, id)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "binding %q", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get binding")
	}
	return b, nil
}

const profileColumns = `id, tenant_key, profile_key, capabilities, policy, startup_sla_seconds,
	created_at, updated_at, COALESCE(created_by, ''), COALESCE(updated_by, '')`

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	var p Profile
	var capabilities, policy string
	err := row.Scan(&p.ID, &p.TenantKey, &p.ProfileKey, &capabilities, &policy,
		&p.StartupSLASeconds, &p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.UpdatedBy)
	if err != nil {
		return nil, err
	}
	if p.Capabilities, err = packet.DecodeDocument([]byte(capabilities)); err != nil {
		return nil, errors.Wrap(err, "decode profile capabilities")
	}
	if p.Policy, err = packet.DecodeDocument([]byte(policy)); err != nil {
		return nil, errors.Wrap(err, "decode profile policy")
	}
	return &p, nil
}

// GetProfileByID returns a profile by id.
func GetProfileByID(ctx context.Context, q Querier, id string) (*Profile, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "profile id %q", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get profile")
	}
	return p, nil
}

// GetProfileByKey returns a profile by profile_key.
func GetProfileByKey(ctx context.Context, q Querier, key string) (*Profile, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE profile_key = ?`, key)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "profile %q", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get profile by key")
	}
	return p, nil
}

const manifestColumns = `id, tenant_key, manifest_key, deployment_key, environment, services,
	memory_map, polling, schemas, version, created_at, updated_at,
	COALESCE(created_by, ''), COALESCE(updated_by, '')`

func scanManifest(row interface{ Scan(...any) error }) (*Manifest, error) {
	var m Manifest
	var environment, services, memoryMap, polling, schemas string
	err := row.Scan(&m.ID, &m.TenantKey, &m.ManifestKey, &m.DeploymentKey,
		&environment, &services, &memoryMap, &polling, &schemas, &m.Version,
		&m.CreatedAt, &m.UpdatedAt, &m.CreatedBy, &m.UpdatedBy)
	if err != nil {
		return nil, err
	}
	for _, field := range []struct {
		raw string
		dst *packet.Document
	}{
		{environment, &m.Environment},
		{services, &m.Services},
		{memoryMap, &m.MemoryMap},
		{polling, &m.Polling},
		{schemas, &m.Schemas},
	} {
		doc, err := packet.DecodeDocument([]byte(field.raw))
		if err != nil {
			return nil, errors.Wrap(err, "decode manifest document")
		}
		*field.dst = doc
	}
	return &m, nil
}

// GetManifestByID returns a manifest by id.
func GetManifestByID(ctx context.Context, q Querier, id string) (*Manifest, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE id = ?`, id)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "manifest id %q", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get manifest")
	}
	return m, nil
}

// GetManifestByKey returns a manifest by manifest_key.
func GetManifestByKey(ctx context.Context, q Querier, key string) (*Manifest, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE manifest_key = ?`, key)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "manifest %q", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get manifest by key")
	}
	return m, nil
}

// ListActiveSecretRefs returns the active secret references for a tenant,
// ordered by secret_key for stable packet content.
func ListActiveSecretRefs(ctx context.Context, q Querier, tenantKey string) ([]*SecretRef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant_key, secret_key, ref_kind, ref_name, ref_meta, status,
		       created_at, COALESCE(created_by, ''), COALESCE(updated_by, '')
		FROM secret_refs
		WHERE tenant_key = ? AND status = 'active'
		ORDER BY secret_key`, tenantKey)
	if err != nil {
		return nil, errors.Wrap(err, "list secret refs")
	}
	defer rows.Close()

	var refs []*SecretRef
	for rows.Next() {
		var ref SecretRef
		var meta sql.NullString
		if err := rows.Scan(&ref.ID, &ref.TenantKey, &ref.SecretKey, &ref.RefKind,
			&ref.RefName, &meta, &ref.Status, &ref.CreatedAt, &ref.CreatedBy, &ref.UpdatedBy); err != nil {
			return nil, errors.Wrap(err, "scan secret ref")
		}
		if meta.Valid {
			doc, err := packet.DecodeDocument([]byte(meta.String))
			if err != nil {
				return nil, errors.Wrap(err, "decode secret ref meta")
			}
			ref.RefMeta = doc
		}
		refs = append(refs, &ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate secret refs")
	}
	return refs, nil
}

// GetAPIKeyByHash returns the active, unexpired API key matching the hash,
// or ErrNotFound.
func GetAPIKeyByHash(ctx context.Context, q Querier, keyHash string, now time.Time) (*APIKey, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tenant_key, key_hash, principal_id, name, status,
		       last_used_at, expires_at, created_at, COALESCE(created_by, '')
		FROM api_keys WHERE key_hash = ? AND status = 'active'`, keyHash)

	var k APIKey
	err := row.Scan(&k.ID, &k.TenantKey, &k.KeyHash, &k.PrincipalID, &k.Name, &k.Status,
		&k.LastUsedAt, &k.ExpiresAt, &k.CreatedAt, &k.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "api key")
	}
	if err != nil {
		return nil, errors.Wrap(err, "get api key")
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(now) {
		return nil, errors.Wrap(errors.ErrNotFound, "api key expired")
	}
	return &k, nil
}

// TouchAPIKey updates last_used_at. Best effort; callers log failures.
func TouchAPIKey(ctx context.Context, q Querier, id string, now time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now, id)
	return errors.Wrap(err, "touch api key")
}

func marshalDoc(doc packet.Document) (string, error) {
	if doc == nil {
		doc = packet.Document{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal document")
	}
	return string(raw), nil
}
