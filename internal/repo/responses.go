package repo

import (
	"context"
	"database/sql"

	"northstar/internal/domain"
)

const responseColumns = `id,request_id,provider_id,quote,COALESCE(message,''),estimated_days,status,created_at`

func (r Repo) InsertResponse(ctx context.Context, tx *sql.Tx, resp domain.ProviderResponse) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO provider_responses(id,request_id,provider_id,quote,message,estimated_days,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		resp.ID, resp.RequestID, resp.ProviderID, resp.Quote, nullable(resp.Message), nullableInt(resp.EstimatedDays), resp.Status, resp.CreatedAt)
	return err
}

func (r Repo) ListResponsesByRequest(ctx context.Context, requestID string) ([]domain.ProviderResponse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+responseColumns+` FROM provider_responses WHERE request_id=? ORDER BY created_at DESC, id DESC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectResponses(rows)
}

// ListResponsesByProvider pages a provider's responses newest first.
func (r Repo) ListResponsesByProvider(ctx context.Context, providerID string, limit, offset int) ([]domain.ProviderResponse, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM provider_responses WHERE provider_id=?`, providerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + responseColumns + ` FROM provider_responses WHERE provider_id=? ORDER BY created_at DESC, id DESC`
	args := []any{providerID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	responses, err := collectResponses(rows)
	return responses, total, err
}

func (r Repo) CountPendingResponses(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM provider_responses WHERE status='PENDING'`).Scan(&n)
	return n, err
}

func collectResponses(rows *sql.Rows) ([]domain.ProviderResponse, error) {
	var responses []domain.ProviderResponse
	for rows.Next() {
		var resp domain.ProviderResponse
		var days sql.NullInt64
		if err := rows.Scan(&resp.ID, &resp.RequestID, &resp.ProviderID, &resp.Quote, &resp.Message, &days, &resp.Status, &resp.CreatedAt); err != nil {
			return nil, err
		}
		if days.Valid {
			d := int(days.Int64)
			resp.EstimatedDays = &d
		}
		responses = append(responses, resp)
	}
	return responses, rows.Err()
}
