package repo

import (
	"context"
	"database/sql"

	"northstar/internal/domain"
)

func (r Repo) InsertNote(ctx context.Context, tx *sql.Tx, n domain.Note) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notes(id,request_id,author_id,body,created_at) VALUES (?,?,?,?,?)`,
		n.ID, n.RequestID, n.AuthorID, n.Body, n.CreatedAt)
	return err
}

func (r Repo) ListNotes(ctx context.Context, requestID string) ([]domain.Note, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,author_id,body,created_at FROM notes WHERE request_id=? ORDER BY created_at DESC, id DESC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []domain.Note
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.ID, &n.RequestID, &n.AuthorID, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// CountNotesByRequest returns the note count for a single request.
func (r Repo) CountNotesByRequest(ctx context.Context, requestID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM notes WHERE request_id=?`, requestID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
