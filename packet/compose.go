package packet

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/metagate-io/metagate/errors"
)

// SecretRef is a pointer to a secret embedded in a packet: key, kind and
// name only. Values are never stored and never dereferenced here.
type SecretRef struct {
	SecretKey string   `json:"secret_key"`
	RefKind   string   `json:"ref_kind"`
	RefName   string   `json:"ref_name"`
	RefMeta   Document `json:"ref_meta,omitempty"`
}

// Source holds the resolved inputs to a composition: profile-derived
// fields, manifest base fields and binding overrides, all read-only.
type Source struct {
	PrincipalKey    string
	ComponentKey    string
	ProfileKey      string
	ManifestKey     string
	ManifestVersion int

	// Profile-derived
	Capabilities Document
	Policy       Document

	// Manifest base
	Environment Document
	Services    Document
	MemoryMap   Document
	Polling     Document
	Schemas     Document

	// Binding overrides, highest precedence. May be nil.
	Overrides Document

	// Active secret references for the principal's tenant.
	RequiredEnv []SecretRef
}

// Packet is a composed Welcome Packet. The identifying fields plus the
// merged sections form the fingerprinted body; PacketID and IssuedAt are
// volatile and deliberately excluded from it.
type Packet struct {
	PacketID string    `json:"packet_id"`
	IssuedAt time.Time `json:"issued_at"`

	PrincipalKey    string `json:"principal_key"`
	ComponentKey    string `json:"component_key"`
	ProfileKey      string `json:"profile"`
	ManifestKey     string `json:"manifest"`
	ManifestVersion int    `json:"manifest_version"`

	Capabilities Document `json:"capabilities"`
	Policy       Document `json:"policy"`
	Environment  Document `json:"environment"`
	Services     Document `json:"services"`
	MemoryMap    Document `json:"memory_map"`
	Polling      Document `json:"polling"`
	Schemas      Document `json:"schemas"`

	RequiredEnv []SecretRef `json:"required_env"`

	// Fingerprint is the cache validator: a blake3 hash over the
	// canonicalized packet body.
	Fingerprint string `json:"packet_etag"`
}


// Compose merges the source documents in fixed precedence order (manifest
// base, then profile-derived fields, then binding overrides key by key),
// rejects forbidden keys, and computes the content fingerprint. No partial
// packet is ever returned: a forbidden key anywhere fails the whole
// composition with ErrForbiddenKey naming the offending path.
func Compose(src Source) (*Packet, error) {
	// Overrides are scanned as-is first: a forbidden top-level override key
	// must be caught even when it maps to no known section.
	if found := ScanForbidden(src.Overrides); len(found) > 0 {
		return nil, forbiddenErr(found)
	}

	p := &Packet{
		PacketID: uuid.NewString(),
		IssuedAt: time.Now().UTC(),

		PrincipalKey:    src.PrincipalKey,
		ComponentKey:    src.ComponentKey,
		ProfileKey:      src.ProfileKey,
		ManifestKey:     src.ManifestKey,
		ManifestVersion: src.ManifestVersion,

		Capabilities: applyOverride(src.Capabilities, src.Overrides, "capabilities"),
		Policy:       applyOverride(src.Policy, src.Overrides, "policy"),
		Environment:  applyOverride(src.Environment, src.Overrides, "environment"),
		Services:     applyOverride(src.Services, src.Overrides, "services"),
		MemoryMap:    applyOverride(src.MemoryMap, src.Overrides, "memory_map"),
		Polling:      applyOverride(src.Polling, src.Overrides, "polling"),
		Schemas:      applyOverride(src.Schemas, src.Overrides, "schemas"),

		RequiredEnv: src.RequiredEnv,
	}
	if p.RequiredEnv == nil {
		p.RequiredEnv = []SecretRef{}
	}

	body := p.fingerprintBody()
	if found := ScanForbidden(body); len(found) > 0 {
		return nil, forbiddenErr(found)
	}

	fp, err := fingerprint(body)
	if err != nil {
		return nil, err
	}
	p.Fingerprint = fp

	return p, nil
}

func applyOverride(base, overrides Document, section string) Document {
	merged := base.Clone()
	if overrides == nil {
		return merged
	}
	if over, ok := asMap(overrides[section]); ok {
		merged = merged.Merge(over)
	}
	return merged
}

func forbiddenErr(paths []string) error {
	return errors.Wrapf(errors.ErrForbiddenKey,
		"forbidden keys detected: %s", strings.Join(paths, ", "))
}

// fingerprintBody assembles the canonical content of the packet: everything
// that describes the world, nothing volatile. Repeat bootstraps with
// unchanged reference data hash to the same fingerprint.
func (p *Packet) fingerprintBody() Document {
	env := make([]any, 0, len(p.RequiredEnv))
	for _, ref := range p.RequiredEnv {
		entry := map[string]any{
			"secret_key": ref.SecretKey,
			"ref_kind":   ref.RefKind,
			"ref_name":   ref.RefName,
		}
		if ref.RefMeta != nil {
			entry["ref_meta"] = map[string]any(ref.RefMeta)
		}
		env = append(env, entry)
	}

	return Document{
		"principal_key":    p.PrincipalKey,
		"component_key":    p.ComponentKey,
		"profile":          p.ProfileKey,
		"manifest":         p.ManifestKey,
		"manifest_version": p.ManifestVersion,
		"capabilities":     map[string]any(p.Capabilities),
		"policy":           map[string]any(p.Policy),
		"environment":      map[string]any(p.Environment),
		"services":         map[string]any(p.Services),
		"memory_map":       map[string]any(p.MemoryMap),
		"polling":          map[string]any(p.Polling),
		"schemas":          map[string]any(p.Schemas),
		"required_env":     env,
	}
}

func fingerprint(body Document) (string, error) {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return "", errors.Wrap(err, "canonicalize packet body")
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// RedactedDigest is a short hash over the packet's identifying fields
// only, safe for logs and the startup ledger. Addresses, capabilities and
// secret references never feed into it.
func (p *Packet) RedactedDigest() string {
	body := Document{
		"principal_key": p.PrincipalKey,
		"component_key": p.ComponentKey,
		"profile":       p.ProfileKey,
		"manifest":      p.ManifestKey,
	}
	canonical, err := CanonicalJSON(body)
	if err != nil {
		// Body is built from plain strings; canonicalization cannot fail.
		panic(err)
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:8])
}
