package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"northstar/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict marks a compare-and-swap that lost a race: the row exists but no
// longer has the expected status.
var ErrConflict = errors.New("status conflict")

const requestColumns = `id,owner_id,title,COALESCE(description,'') AS description,priority,metadata_json,status,submitted_at,created_at,updated_at`

func scanRequest(scan func(dest ...any) error) (domain.ServiceRequest, error) {
	var req domain.ServiceRequest
	var metadata, submittedAt sql.NullString
	err := scan(&req.ID, &req.OwnerID, &req.Title, &req.Description, &req.Priority, &metadata, &req.Status, &submittedAt, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if metadata.Valid {
		req.MetadataJSON = &metadata.String
	}
	if submittedAt.Valid {
		req.SubmittedAt = &submittedAt.String
	}
	return req, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.ServiceRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO service_requests(id,owner_id,title,description,priority,metadata_json,status,submitted_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.OwnerID, req.Title, nullable(req.Description), req.Priority, nullablePtr(req.MetadataJSON), req.Status, nullablePtr(req.SubmittedAt), req.CreatedAt, req.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.ServiceRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	Status      domain.Status
	OwnerID     string
	Query       string
	MinPriority *int
	MaxPriority *int
	StartDate   string
	EndDate     string
	Sort        string
	Limit       int
	Offset      int
}

var sortFields = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"priority":   "priority",
	"status":     "status",
}

// ListRequests returns matching requests plus the total count before paging.
func (r Repo) ListRequests(ctx context.Context, f RequestFilter) ([]domain.ServiceRequest, int, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Query != "" {
		clauses = append(clauses, "(title LIKE ? OR description LIKE ?)")
		needle := "%" + f.Query + "%"
		args = append(args, needle, needle)
	}
	if f.MinPriority != nil {
		clauses = append(clauses, "priority>=?")
		args = append(args, *f.MinPriority)
	}
	if f.MaxPriority != nil {
		clauses = append(clauses, "priority<=?")
		args = append(args, *f.MaxPriority)
	}
	if f.StartDate != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.StartDate)
	}
	if f.EndDate != "" {
		clauses = append(clauses, "created_at<=?")
		args = append(args, f.EndDate)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM service_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	orderBy := "created_at DESC"
	if f.Sort != "" {
		parts := strings.SplitN(f.Sort, ":", 2)
		field, ok := sortFields[parts[0]]
		if ok {
			dir := "DESC"
			if len(parts) == 2 && strings.EqualFold(parts[1], "asc") {
				dir = "ASC"
			}
			orderBy = field + " " + dir
		}
	}
	query := `SELECT ` + requestColumns + ` FROM service_requests` + where + ` ORDER BY ` + orderBy + `, id DESC`
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
	var requests []domain.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		requests = append(requests, req)
	}
	return requests, total, rows.Err()
}

// UpdateRequestStatus performs the atomic compare-and-swap from one status to
// another. ErrConflict means the request no longer has the expected status;
// ErrNotFound means it does not exist at all.
func (r Repo) UpdateRequestStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status, submittedAt *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE service_requests SET status=?, submitted_at=COALESCE(?, submitted_at), updated_at=? WHERE id=? AND status=?`,
		to, nullablePtr(submittedAt), updatedAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		row := tx.QueryRowContext(ctx, `SELECT 1 FROM service_requests WHERE id=?`, id)
		if scanErr := row.Scan(&exists); scanErr == sql.ErrNoRows {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// RequestUpdate carries owner-editable fields; nil means leave unchanged.
type RequestUpdate struct {
	Title        *string
	Description  *string
	Priority     *int
	MetadataJSON *string
}

func (r Repo) UpdateRequestFields(ctx context.Context, tx *sql.Tx, id string, upd RequestUpdate, updatedAt string) error {
	var fields []string
	var args []any
	if upd.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*upd.Description))
	}
	if upd.Priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, *upd.Priority)
	}
	if upd.MetadataJSON != nil {
		fields = append(fields, "metadata_json=?")
		args = append(args, nullable(*upd.MetadataJSON))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE service_requests SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM service_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Status]int{}
	for rows.Next() {
		var status domain.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
