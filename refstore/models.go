// Package refstore persists the reference data the bootstrap core reads:
// principals, profiles, manifests, bindings and secret references, plus the
// API keys and audit log used by the administrative surface. The core only
// ever reads through this package; writes belong to admin operations.
package refstore

import (
	"time"

	"github.com/metagate-io/metagate/packet"
)

// Principal is a stable identity derived from a verified auth subject.
// Exactly one principal exists per subject.
type Principal struct {
	ID            string    `json:"id"`
	TenantKey     string    `json:"tenant_key"`
	PrincipalKey  string    `json:"principal_key"`
	AuthSubject   string    `json:"auth_subject"`
	PrincipalType string    `json:"principal_type"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
	UpdatedBy     string    `json:"updated_by,omitempty"`
}

// Active reports whether the principal may bootstrap.
func (p *Principal) Active() bool { return p.Status == "active" }

// Profile is a named archetype: capability set, policy constraints and the
// default startup SLA. Immutable at resolution time.
type Profile struct {
	ID                string          `json:"id"`
	TenantKey         string          `json:"tenant_key"`
	ProfileKey        string          `json:"profile_key"`
	Capabilities      packet.Document `json:"capabilities"`
	Policy            packet.Document `json:"policy"`
	StartupSLASeconds int             `json:"startup_sla_seconds"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CreatedBy         string          `json:"created_by,omitempty"`
	UpdatedBy         string          `json:"updated_by,omitempty"`
}

// StartupSLA returns the profile's SLA, or fallback when unset.
func (p *Profile) StartupSLA(fallback time.Duration) time.Duration {
	if p.StartupSLASeconds <= 0 {
		return fallback
	}
	return time.Duration(p.StartupSLASeconds) * time.Second
}

// Manifest describes the operating environment: service addresses, memory
// and endpoint maps, polling-location pointers (addresses only, never
// payloads) and schema references. Immutable at resolution time.
type Manifest struct {
	ID            string          `json:"id"`
	TenantKey     string          `json:"tenant_key"`
	ManifestKey   string          `json:"manifest_key"`
	DeploymentKey string          `json:"deployment_key"`
	Environment   packet.Document `json:"environment"`
	Services      packet.Document `json:"services"`
	MemoryMap     packet.Document `json:"memory_map"`
	Polling       packet.Document `json:"polling"`
	Schemas       packet.Document `json:"schemas"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CreatedBy     string          `json:"created_by,omitempty"`
	UpdatedBy     string          `json:"updated_by,omitempty"`
}

// Binding ties a principal to a profile and manifest, with an optional
// override map. At most one binding per principal is active at any time;
// the partial unique index in the schema enforces this.
type Binding struct {
	ID          string          `json:"id"`
	TenantKey   string          `json:"tenant_key"`
	PrincipalID string          `json:"principal_id"`
	ProfileID   string          `json:"profile_id"`
	ManifestID  string          `json:"manifest_id"`
	Overrides   packet.Document `json:"overrides,omitempty"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CreatedBy   string          `json:"created_by,omitempty"`
	UpdatedBy   string          `json:"updated_by,omitempty"`
}

// SecretRef is a named pointer to a secret: environment variable or file
// reference. The value is never stored and never dereferenced here.
type SecretRef struct {
	ID        string          `json:"id"`
	TenantKey string          `json:"tenant_key"`
	SecretKey string          `json:"secret_key"`
	RefKind   string          `json:"ref_kind"`
	RefName   string          `json:"ref_name"`
	RefMeta   packet.Document `json:"ref_meta,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	CreatedBy string          `json:"created_by,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// APIKey authenticates a caller as a principal. Only the SHA-256 hash of
// the key material is stored.
type APIKey struct {
	ID          string     `json:"id"`
	TenantKey   string     `json:"tenant_key"`
	KeyHash     string     `json:"-"`
	PrincipalID string     `json:"principal_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by,omitempty"`
}
