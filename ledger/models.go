package ledger

import (
	"time"

	"github.com/metagate-io/metagate/packet"
)

// Attempt lifecycle states. OPEN transitions exactly once, to READY or
// FAILED; terminal states never transition again.
const (
	StatusOpen   = "OPEN"
	StatusReady  = "READY"
	StatusFailed = "FAILED"
)

// Mirror export states for the best-effort receipt outbox.
const (
	MirrorPending = "PENDING"
	MirrorSent    = "SENT"
	MirrorSkipped = "SKIPPED"
	MirrorFailed  = "FAILED"
)

// StartupAttempt is one row in the startup ledger: a single bootstrap call
// and its lifecycle. The ledger owns these rows exclusively.
type StartupAttempt struct {
	ID             string          `json:"startup_id"`
	TenantKey      string          `json:"tenant_key"`
	DeploymentKey  string          `json:"deployment_key"`
	PrincipalKey   string          `json:"principal_key"`
	ComponentKey   string          `json:"component_key"`
	ProfileKey     string          `json:"profile_key"`
	ManifestKey    string          `json:"manifest_key"`
	Fingerprint    string          `json:"packet_etag"`
	DigestRedacted string          `json:"digest_redacted"`
	Status         string          `json:"status"`
	OpenedAt       time.Time       `json:"opened_at"`
	DeadlineAt     time.Time       `json:"deadline_at"`
	ReadyAt        *time.Time      `json:"ready_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	ReadyPayload   packet.Document `json:"ready_payload,omitempty"`
	FailurePayload packet.Document `json:"failure_payload,omitempty"`
	MirrorStatus   string          `json:"-"`
}

// Terminal reports whether the attempt has reached READY or FAILED.
func (a *StartupAttempt) Terminal() bool {
	return a.Status == StatusReady || a.Status == StatusFailed
}

// Overdue reports whether the attempt is still OPEN past its deadline.
// Overdue is a computed observation, never a stored state: the ledger
// exposes it but takes no action on it.
func (a *StartupAttempt) Overdue(now time.Time) bool {
	return a.Status == StatusOpen && now.After(a.DeadlineAt)
}
