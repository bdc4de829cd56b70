// Package ledger is the startup lifecycle state machine: one OPEN record
// per bootstrap, at most one terminal transition per record, and an
// overdue predicate computed against each attempt's SLA deadline.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/packet"
)

// Store persists startup attempts. All transitions are single guarded
// writes so concurrent reporters cannot double-terminate an attempt.
type Store struct {
	db *sql.DB
}

// New creates a ledger store over the given database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenParams carries everything resolved upstream of the ledger that an
// OPEN record snapshots.
type OpenParams struct {
	TenantKey      string
	DeploymentKey  string
	PrincipalKey   string
	ComponentKey   string
	ProfileKey     string
	ManifestKey    string
	Fingerprint    string
	DigestRedacted string
	SLA            time.Duration
}

// CreateAttempt inserts a new OPEN attempt. It is the only write on the
// bootstrap hot path and does nothing but the insert itself.
func (s *Store) CreateAttempt(ctx context.Context, p OpenParams) (*StartupAttempt, error) {
	now := time.Now().UTC()
	attempt := &StartupAttempt{
		ID:             uuid.New().String(),
		TenantKey:      p.TenantKey,
		DeploymentKey:  p.DeploymentKey,
		PrincipalKey:   p.PrincipalKey,
		ComponentKey:   p.ComponentKey,
		ProfileKey:     p.ProfileKey,
		ManifestKey:    p.ManifestKey,
		Fingerprint:    p.Fingerprint,
		DigestRedacted: p.DigestRedacted,
		Status:         StatusOpen,
		OpenedAt:       now,
		DeadlineAt:     now.Add(p.SLA),
		MirrorStatus:   MirrorPending,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO startup_attempts (
			id, tenant_key, deployment_key, principal_key, component_key,
			profile_key, manifest_key, fingerprint, digest_redacted,
			status, opened_at, deadline_at, mirror_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.TenantKey, attempt.DeploymentKey, attempt.PrincipalKey,
		attempt.ComponentKey, attempt.ProfileKey, attempt.ManifestKey,
		attempt.Fingerprint, attempt.DigestRedacted,
		attempt.Status, attempt.OpenedAt, attempt.DeadlineAt, attempt.MirrorStatus,
		now, now)
	if err != nil {
		return nil, errors.Wrap(err, "create startup attempt")
	}
	return attempt, nil
}

const attemptColumns = `id, tenant_key, deployment_key, principal_key, component_key,
	profile_key, manifest_key, fingerprint, digest_redacted, status,
	opened_at, deadline_at, ready_at, failed_at, ready_payload, failure_payload,
	mirror_status`

func scanAttempt(row interface{ Scan(...any) error }) (*StartupAttempt, error) {
	var a StartupAttempt
	var readyPayload, failurePayload sql.NullString
	err := row.Scan(&a.ID, &a.TenantKey, &a.DeploymentKey, &a.PrincipalKey, &a.ComponentKey,
		&a.ProfileKey, &a.ManifestKey, &a.Fingerprint, &a.DigestRedacted, &a.Status,
		&a.OpenedAt, &a.DeadlineAt, &a.ReadyAt, &a.FailedAt, &readyPayload, &failurePayload,
		&a.MirrorStatus)
	if err != nil {
		return nil, err
	}
	if readyPayload.Valid {
		doc, err := packet.DecodeDocument([]byte(readyPayload.String))
		if err != nil {
			return nil, errors.Wrap(err, "decode ready payload")
		}
		a.ReadyPayload = doc
	}
	if failurePayload.Valid {
		doc, err := packet.DecodeDocument([]byte(failurePayload.String))
		if err != nil {
			return nil, errors.Wrap(err, "decode failure payload")
		}
		a.FailurePayload = doc
	}
	return &a, nil
}

// GetAttempt returns an attempt by id, or ErrAttemptNotFound.
func (s *Store) GetAttempt(ctx context.Context, id string) (*StartupAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM startup_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrAttemptNotFound, "attempt %q", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get startup attempt")
	}
	return a, nil
}

// MarkReady transitions an OPEN attempt to READY, stamping ready_at and
// storing the readiness payload. Returns ErrAttemptNotFound for unknown
// ids, ErrPrincipalMismatch when the reporter is not the attempt's owner,
// and ErrInvalidTransition when the attempt is already terminal. A losing
// concurrent reporter gets ErrInvalidTransition; the winner's payload and
// timestamp are never overwritten.
func (s *Store) MarkReady(ctx context.Context, id, principalKey string, payload packet.Document) (*StartupAttempt, error) {
	return s.terminate(ctx, id, principalKey, StatusReady, payload)
}

// MarkFailed transitions an OPEN attempt to FAILED, symmetric to MarkReady.
func (s *Store) MarkFailed(ctx context.Context, id, principalKey string, payload packet.Document) (*StartupAttempt, error) {
	return s.terminate(ctx, id, principalKey, StatusFailed, payload)
}

func (s *Store) terminate(ctx context.Context, id, principalKey, target string, payload packet.Document) (*StartupAttempt, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var query string
	switch target {
	case StatusReady:
		query = `UPDATE startup_attempts
			SET status = 'READY', ready_at = ?, ready_payload = ?, updated_at = ?
			WHERE id = ? AND principal_key = ? AND status = 'OPEN'`
	case StatusFailed:
		query = `UPDATE startup_attempts
			SET status = 'FAILED', failed_at = ?, failure_payload = ?, updated_at = ?
			WHERE id = ? AND principal_key = ? AND status = 'OPEN'`
	default:
		return nil, errors.AssertionFailedf("unknown target status %q", target)
	}

	res, err := s.db.ExecContext(ctx, query, now, raw, now, id, principalKey)
	if err != nil {
		return nil, errors.Wrapf(err, "mark attempt %s", target)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return s.GetAttempt(ctx, id)
	}

	// The guarded write matched nothing. Fetch the row to tell the caller
	// which precondition failed.
	attempt, err := s.GetAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt.PrincipalKey != principalKey {
		return nil, errors.Wrapf(errors.ErrPrincipalMismatch,
			"attempt %q belongs to %q", id, attempt.PrincipalKey)
	}
	return nil, errors.Wrapf(errors.ErrInvalidTransition,
		"attempt %q is already %s", id, attempt.Status)
}

// ListOverdue returns OPEN attempts whose deadline has passed. Read-only:
// reporting an attempt as overdue changes nothing about it.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*StartupAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM startup_attempts
		WHERE status = 'OPEN' AND deadline_at < ?
		ORDER BY deadline_at LIMIT ?`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list overdue attempts")
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// ListPendingMirror returns attempts awaiting receipt export, oldest first.
func (s *Store) ListPendingMirror(ctx context.Context, limit int) ([]*StartupAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM startup_attempts
		WHERE mirror_status = 'PENDING'
		ORDER BY opened_at LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list pending mirror attempts")
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// SetMirrorStatus records the outcome of a receipt export attempt.
func (s *Store) SetMirrorStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE startup_attempts SET mirror_status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return errors.Wrap(err, "set mirror status")
}

// DeleteTerminalBefore removes READY and FAILED attempts opened before the
// cutoff. OPEN attempts are never deleted, however old; an abandoned OPEN
// record stays visible as overdue.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM startup_attempts
		WHERE status IN ('READY', 'FAILED') AND opened_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete terminal attempts")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}

func collectAttempts(rows *sql.Rows) ([]*StartupAttempt, error) {
	var attempts []*StartupAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan startup attempt")
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate startup attempts")
	}
	return attempts, nil
}

func marshalPayload(doc packet.Document) (string, error) {
	if doc == nil {
		doc = packet.Document{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal payload")
	}
	return string(raw), nil
}
