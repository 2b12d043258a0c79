package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/diariolab/gazeta/dbopen"
)

const occurrenceCols = `id, diary_id, company_id, run_id, match_kind, term,
	context, start_offset, end_offset, page, score, reliability, review_status,
	active, notified_email, notified_email_at, notified_whatsapp,
	notified_whatsapp_at, created_at`

// ReplaceOccurrences atomically retires a diary's currently-active
// occurrences and inserts the new set produced by a run. Retired rows stay
// in the table with active=0 and their original run_id — the processing
// history of a diary is never rewritten. Returns the number retired.
func (s *Store) ReplaceOccurrences(ctx context.Context, diaryID, runID string, occs []*Occurrence) (retired int, err error) {
	now := time.Now().UnixMilli()
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE occurrences SET active = 0 WHERE diary_id = ? AND active = 1`,
			diaryID)
		if err != nil {
			return fmt.Errorf("retire occurrences: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		retired = int(n)

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO occurrences (`+occurrenceCols+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, o := range occs {
			if o.ID == "" {
				o.ID = s.newID()
			}
			o.DiaryID = diaryID
			o.RunID = runID
			if o.ReviewStatus == "" {
				o.ReviewStatus = ReviewPendente
			}
			o.Active = true
			o.CreatedAt = now
			_, err := stmt.ExecContext(ctx,
				o.ID, o.DiaryID, o.CompanyID, o.RunID, o.MatchKind, o.Term,
				o.Context, o.StartOffset, o.EndOffset, o.Page, o.Score,
				o.Reliability, o.ReviewStatus,
				o.Active, o.NotifiedEmail, o.NotifiedEmailAt, o.NotifiedWhatsApp,
				o.NotifiedWhatsAppAt, o.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert occurrence: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return retired, nil
}

// GetOccurrence retrieves an occurrence by ID. Returns nil, nil if not found.
func (s *Store) GetOccurrence(ctx context.Context, id string) (*Occurrence, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+occurrenceCols+` FROM occurrences WHERE id = ?`, id)
	return scanOccurrence(row.Scan)
}

// ListOccurrencesByDiary returns a diary's occurrences, active first then
// newest. Set activeOnly to hide retired rows.
func (s *Store) ListOccurrencesByDiary(ctx context.Context, diaryID string, activeOnly bool) ([]*Occurrence, error) {
	q := `SELECT ` + occurrenceCols + ` FROM occurrences WHERE diary_id = ?`
	if activeOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY active DESC, created_at DESC, start_offset`
	return s.queryOccurrences(ctx, q, diaryID)
}

// ListOccurrencesByCompany returns a company's active occurrences,
// newest first.
func (s *Store) ListOccurrencesByCompany(ctx context.Context, companyID string, limit int) ([]*Occurrence, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOccurrences(ctx,
		`SELECT `+occurrenceCols+` FROM occurrences
		WHERE company_id = ? AND active = 1
		ORDER BY created_at DESC LIMIT ?`,
		companyID, limit)
}

// ListOccurrencesByRun returns every occurrence a run produced, in
// document order.
func (s *Store) ListOccurrencesByRun(ctx context.Context, runID string) ([]*Occurrence, error) {
	return s.queryOccurrences(ctx,
		`SELECT `+occurrenceCols+` FROM occurrences WHERE run_id = ? ORDER BY start_offset`,
		runID)
}

// SetOccurrenceReview records a reviewer's verdict on an occurrence.
func (s *Store) SetOccurrenceReview(ctx context.Context, id, reviewStatus string) error {
	switch reviewStatus {
	case ReviewPendente, ReviewAprovado, ReviewFalsoPositivo:
	default:
		return fmt.Errorf("store: invalid review status %q", reviewStatus)
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE occurrences SET review_status = ? WHERE id = ?`, reviewStatus, id)
	return err
}

// MarkNotified flags an occurrence as notified on one channel. The
// conditional update makes the operation idempotent: a second delivery
// attempt for the same channel affects zero rows and reports false, so
// duplicate queue claims never double-send.
func (s *Store) MarkNotified(ctx context.Context, id, channel string) (bool, error) {
	var q string
	switch channel {
	case ChannelEmail:
		q = `UPDATE occurrences SET notified_email = 1, notified_email_at = ?
			WHERE id = ? AND notified_email = 0`
	case ChannelWhatsApp:
		q = `UPDATE occurrences SET notified_whatsapp = 1, notified_whatsapp_at = ?
			WHERE id = ? AND notified_whatsapp = 0`
	default:
		return false, fmt.Errorf("store: unknown notification channel %q", channel)
	}
	res, err := s.DB.ExecContext(ctx, q, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) queryOccurrences(ctx context.Context, q string, args ...any) ([]*Occurrence, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var occs []*Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows.Scan)
		if err != nil {
			return nil, err
		}
		occs = append(occs, o)
	}
	return occs, rows.Err()
}

func scanOccurrence(scan func(...any) error) (*Occurrence, error) {
	var o Occurrence
	var active, notifEmail, notifWA int
	err := scan(
		&o.ID, &o.DiaryID, &o.CompanyID, &o.RunID, &o.MatchKind, &o.Term,
		&o.Context, &o.StartOffset, &o.EndOffset, &o.Page, &o.Score,
		&o.Reliability, &o.ReviewStatus,
		&active, &notifEmail, &o.NotifiedEmailAt, &notifWA,
		&o.NotifiedWhatsAppAt, &o.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan occurrence: %w", err)
	}
	o.Active = active != 0
	o.NotifiedEmail = notifEmail != 0
	o.NotifiedWhatsApp = notifWA != 0
	return &o, nil
}
