package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const runCols = `id, diary_id, run_type, mode, status, error_message,
	total_occurrences, new_occurrences, retired_occurrences, metadata,
	started_at, finished_at, created_at`

// InsertRun records the start of a processing run. Status begins as
// processando — a run row only exists once work is actually under way.
func (s *Store) InsertRun(ctx context.Context, r *ProcessingRun) error {
	now := time.Now().UnixMilli()
	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.RunType == "" {
		r.RunType = RunInitial
	}
	if r.Mode == "" {
		r.Mode = ModeFull
	}
	if r.Status == "" {
		r.Status = StatusProcessando
	}
	if r.Metadata == "" {
		r.Metadata = "{}"
	}
	if r.StartedAt == 0 {
		r.StartedAt = now
	}
	r.CreatedAt = now

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO processing_runs (`+runCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.DiaryID, r.RunType, r.Mode, r.Status, r.ErrorMessage,
		r.TotalOccurrences, r.NewOccurrences, r.RetiredOccurrences, r.Metadata,
		r.StartedAt, r.FinishedAt, r.CreatedAt,
	)
	return err
}

// FinishRun closes a run with its final status, error message and counts.
func (s *Store) FinishRun(ctx context.Context, r *ProcessingRun) error {
	r.FinishedAt = time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE processing_runs SET status=?, error_message=?,
		total_occurrences=?, new_occurrences=?, retired_occurrences=?,
		metadata=?, finished_at=? WHERE id=?`,
		r.Status, r.ErrorMessage,
		r.TotalOccurrences, r.NewOccurrences, r.RetiredOccurrences,
		r.Metadata, r.FinishedAt, r.ID,
	)
	return err
}

// GetRun retrieves a run by ID. Returns nil, nil if not found.
func (s *Store) GetRun(ctx context.Context, id string) (*ProcessingRun, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM processing_runs WHERE id = ?`, id)
	return scanRun(row.Scan)
}

// ListRunsByDiary returns all runs for a diary, newest first. Runs are the
// diary's processing history and are never pruned.
func (s *Store) ListRunsByDiary(ctx context.Context, diaryID string) ([]*ProcessingRun, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+runCols+` FROM processing_runs WHERE diary_id = ? ORDER BY created_at DESC`,
		diaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ProcessingRun
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(scan func(...any) error) (*ProcessingRun, error) {
	var r ProcessingRun
	err := scan(
		&r.ID, &r.DiaryID, &r.RunType, &r.Mode, &r.Status, &r.ErrorMessage,
		&r.TotalOccurrences, &r.NewOccurrences, &r.RetiredOccurrences, &r.Metadata,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}
