// Package mirror exports startup lifecycle receipts to an external
// collector. Everything here is best effort: export failure never fails
// or delays the request that produced the attempt. Attempts carry a
// mirror status (PENDING/SENT/SKIPPED/FAILED) and a background drainer
// works through the pending ones.
package mirror

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/metagate-io/metagate/ledger"
)

// Receipt phases mirror the attempt lifecycle.
const (
	PhaseAccepted  = "accepted"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// BuildReceipt assembles the collector's receipt payload for an attempt.
// Fields the collector requires but this system has no value for are
// filled with "NA" per its schema.
func BuildReceipt(attempt *ledger.StartupAttempt) map[string]any {
	phase, status, outcome, completedAt := lifecycle(attempt)

	receipt := map[string]any{
		"schema_version":        "1.0",
		"tenant_id":             attempt.TenantKey,
		"receipt_id":            uuid.NewString(),
		"task_id":               "startup-" + attempt.ID,
		"parent_task_id":        "NA",
		"caused_by_receipt_id":  "NA",
		"dedupe_key":            fmt.Sprintf("startup:%s:%s", attempt.ID, phase),
		"attempt":               0,
		"from_principal":        attempt.PrincipalKey,
		"for_principal":         attempt.PrincipalKey,
		"source_system":         "metagate",
		"recipient_ai":          attempt.ComponentKey,
		"trust_domain":          "default",
		"phase":                 phase,
		"status":                status,
		"realtime":              false,
		"task_type":             "startup",
		"task_summary":          fmt.Sprintf("Startup %s for %s", phase, attempt.ComponentKey),
		"task_body":             fmt.Sprintf("Startup attempt %s for %s", attempt.ID, attempt.ComponentKey),
		"expected_outcome_kind": "response_text",
		"outcome_kind":          "response_text",
		"outcome_text":          outcome,
		"created_at":            attempt.OpenedAt.Format(time.RFC3339),
		"started_at":            attempt.OpenedAt.Format(time.RFC3339),
		"completed_at":          completedAt,
		"inputs": map[string]any{
			"startup_id":     attempt.ID,
			"component_key":  attempt.ComponentKey,
			"profile_key":    attempt.ProfileKey,
			"manifest_key":   attempt.ManifestKey,
			"deployment_key": attempt.DeploymentKey,
			"packet_etag":    attempt.Fingerprint,
		},
		"metadata": map[string]any{
			"startup_id":    attempt.ID,
			"component_key": attempt.ComponentKey,
			"digest":        attempt.DigestRedacted,
		},
	}

	if phase == PhaseAccepted {
		receipt["status"] = "NA"
		receipt["outcome_kind"] = "NA"
		receipt["outcome_text"] = "NA"
		receipt["completed_at"] = nil
	}
	return receipt
}

func lifecycle(attempt *ledger.StartupAttempt) (phase, status, outcome string, completedAt any) {
	switch attempt.Status {
	case ledger.StatusReady:
		outcome := fmt.Sprintf("Component %s reported READY", attempt.ComponentKey)
		return PhaseCompleted, "success", outcome, format(attempt.ReadyAt)
	case ledger.StatusFailed:
		outcome := fmt.Sprintf("Component %s reported FAILED", attempt.ComponentKey)
		return PhaseFailed, "failure", outcome, format(attempt.FailedAt)
	default:
		return PhaseAccepted, "NA", "NA", nil
	}
}

func format(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
