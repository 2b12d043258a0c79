package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const diaryCols = `id, state_code, gazette_date, content_hash, storage_path, text_path,
	status, error_message, attempts, uploader_id, created_at, updated_at`

// InsertDiary adds a new diary. A duplicate content hash surfaces as the
// driver's UNIQUE constraint error; callers translate it (see ingest).
func (s *Store) InsertDiary(ctx context.Context, d *Diary) error {
	now := time.Now().UnixMilli()
	if d.ID == "" {
		d.ID = s.newID()
	}
	if d.Status == "" {
		d.Status = StatusPendente
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO diaries (`+diaryCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.StateCode, d.GazetteDate, d.ContentHash, d.StoragePath, d.TextPath,
		d.Status, d.ErrorMessage, d.Attempts, d.UploaderID, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

// GetDiary retrieves a diary by ID. Returns nil, nil if not found.
func (s *Store) GetDiary(ctx context.Context, id string) (*Diary, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+diaryCols+` FROM diaries WHERE id = ?`, id)
	return scanDiary(row.Scan)
}

// GetDiaryByHash retrieves a diary by content hash. Returns nil, nil if not found.
func (s *Store) GetDiaryByHash(ctx context.Context, hash string) (*Diary, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+diaryCols+` FROM diaries WHERE content_hash = ?`, hash)
	return scanDiary(row.Scan)
}

// ListDiaries returns diaries newest-first, optionally filtered by status.
func (s *Store) ListDiaries(ctx context.Context, status string, limit int) ([]*Diary, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + diaryCols + ` FROM diaries`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var diaries []*Diary
	for rows.Next() {
		d, err := scanDiary(rows.Scan)
		if err != nil {
			return nil, err
		}
		diaries = append(diaries, d)
	}
	return diaries, rows.Err()
}

// DeleteDiary removes a diary; occurrences and runs cascade at the schema
// level. Stored file artifacts are the caller's responsibility.
func (s *Store) DeleteDiary(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM diaries WHERE id = ?`, id)
	return err
}

// SetDiaryStatus updates a diary's processing status and error message.
func (s *Store) SetDiaryStatus(ctx context.Context, id, status, errMsg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE diaries SET status=?, error_message=?, updated_at=? WHERE id=?`,
		status, errMsg, time.Now().UnixMilli(), id)
	return err
}

// SetDiaryTextPath records where the extracted-text artifact was stored.
func (s *Store) SetDiaryTextPath(ctx context.Context, id, textPath string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE diaries SET text_path=?, updated_at=? WHERE id=?`,
		textPath, time.Now().UnixMilli(), id)
	return err
}

// ClaimDiaryForProcessing atomically flips a diary to processando and bumps
// its attempt counter, but only if no run is already in flight. Returns
// false when another run holds the diary — the compare-and-set on the
// status column is the per-diary lock.
func (s *Store) ClaimDiaryForProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE diaries SET status=?, attempts=attempts+1, updated_at=?
		WHERE id=? AND status != ?`,
		StatusProcessando, time.Now().UnixMilli(), id, StatusProcessando)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetDiaryAttempts clears the attempt counter (manual reprocess override).
func (s *Store) ResetDiaryAttempts(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE diaries SET attempts=0, error_message='', updated_at=? WHERE id=?`,
		time.Now().UnixMilli(), id)
	return err
}

func scanDiary(scan func(...any) error) (*Diary, error) {
	var d Diary
	err := scan(
		&d.ID, &d.StateCode, &d.GazetteDate, &d.ContentHash, &d.StoragePath, &d.TextPath,
		&d.Status, &d.ErrorMessage, &d.Attempts, &d.UploaderID, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan diary: %w", err)
	}
	return &d, nil
}
