package refstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/packet"
)

// AuditEntry records who did what to which resource. Admin mutations write
// one entry each; failures are logged by the caller, never propagated.
type AuditEntry struct {
	ID                string          `json:"id"`
	TenantKey         string          `json:"tenant_key"`
	Timestamp         time.Time       `json:"timestamp"`
	Action            string          `json:"action"` // CREATE, UPDATE, DELETE, ACTIVATE, DEACTIVATE
	ResourceType      string          `json:"resource_type"`
	ResourceID        string          `json:"resource_id"`
	ResourceKey       string          `json:"resource_key,omitempty"`
	ActorPrincipalKey string          `json:"actor_principal_key"`
	ActorIP           string          `json:"actor_ip,omitempty"`
	ActorUserAgent    string          `json:"actor_user_agent,omitempty"`
	Changes           packet.Document `json:"changes,omitempty"`
	Metadata          packet.Document `json:"metadata,omitempty"`
}

// RecordAudit writes an audit log entry.
func (s *Store) RecordAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.TenantKey == "" {
		entry.TenantKey = "default"
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	changes, err := marshalDoc(entry.Changes)
	if err != nil {
		return err
	}
	metadata, err := marshalDoc(entry.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_key, timestamp, action, resource_type,
			resource_id, resource_key, actor_principal_key, actor_ip,
			actor_user_agent, changes, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantKey, entry.Timestamp, entry.Action, entry.ResourceType,
		entry.ResourceID, nullable(entry.ResourceKey), entry.ActorPrincipalKey,
		nullable(entry.ActorIP), nullable(entry.ActorUserAgent), changes, metadata)
	return errors.Wrap(err, "record audit entry")
}

// ListAuditEntries returns recent audit entries for a tenant, newest first.
func (s *Store) ListAuditEntries(ctx context.Context, tenantKey string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_key, timestamp, action, resource_type, resource_id,
		       COALESCE(resource_key, ''), actor_principal_key,
		       COALESCE(actor_ip, ''), COALESCE(actor_user_agent, ''),
		       COALESCE(changes, ''), COALESCE(metadata, '')
		FROM audit_log WHERE tenant_key = ?
		ORDER BY timestamp DESC LIMIT ?`, tenantKey, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list audit entries")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var changes, metadata string
		if err := rows.Scan(&e.ID, &e.TenantKey, &e.Timestamp, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.ResourceKey, &e.ActorPrincipalKey, &e.ActorIP,
			&e.ActorUserAgent, &changes, &metadata); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		if e.Changes, err = packet.DecodeDocument([]byte(changes)); err != nil {
			return nil, errors.Wrap(err, "decode audit changes")
		}
		if e.Metadata, err = packet.DecodeDocument([]byte(metadata)); err != nil {
			return nil, errors.Wrap(err, "decode audit metadata")
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
