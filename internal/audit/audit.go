package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"northstar/internal/domain"
)

// Actions recorded in the audit trail.
const (
	ActionCreate       = "CREATE"
	ActionUpdate       = "UPDATE"
	ActionUpdateStatus = "UPDATE_STATUS"
)

// Resource tags recorded in the audit trail.
const (
	ResourceServiceRequest   = "SERVICE_REQUEST"
	ResourceProviderResponse = "PROVIDER_RESPONSE"
	ResourceNote             = "NOTE"
	ResourceUser             = "USER"
	ResourceJob              = "JOB"
)

// WriteError marks a failed audit append. Operations that must not succeed
// without their audit trail treat it as fatal.
type WriteError struct {
	Err error
}

func (e WriteError) Error() string {
	return fmt.Sprintf("audit write failed: %v", e.Err)
}

func (e WriteError) Unwrap() error { return e.Err }

// Recorder appends immutable audit records.
type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Record appends an audit row inside the caller's transaction so the record
// commits or rolls back with the change it describes.
func (r Recorder) Record(ctx context.Context, tx *sql.Tx, actorID, action, resource, resourceID string, metadata map[string]any) error {
	ts := r.now().UTC().Format(time.RFC3339)
	var meta any
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return WriteError{Err: fmt.Errorf("marshal audit metadata: %w", err)}
		}
		meta = string(data)
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO audit_logs(actor_id,action,resource,resource_id,metadata_json,created_at) VALUES (?,?,?,?,?,?)`,
		actorID, action, resource, resourceID, meta, ts)
	if err != nil {
		return WriteError{Err: err}
	}
	return nil
}

// Filter narrows List results.
type Filter struct {
	ActorID  string
	Resource string
	Action   string
	Limit    int
	Offset   int
}

// List returns audit records newest first plus the total matching count.
func (r Recorder) List(ctx context.Context, f Filter) ([]domain.AuditRecord, int, error) {
	var clauses []string
	var args []any
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Resource != "" {
		clauses = append(clauses, "resource=?")
		args = append(args, f.Resource)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id,actor_id,action,resource,resource_id,metadata_json,created_at FROM audit_logs` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var records []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var meta sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ActorID, &rec.Action, &rec.Resource, &rec.ResourceID, &meta, &rec.CreatedAt); err != nil {
			return nil, 0, err
		}
		if meta.Valid {
			rec.MetadataJSON = &meta.String
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// DeleteOlderThan removes audit records created before cutoff and returns the
// number deleted. Used by the maintenance queue handler.
func (r Recorder) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
