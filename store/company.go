package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diariolab/gazeta/match"
)

const companyCols = `id, name, cnpj, inscricao_estadual, custom_terms, variants,
	min_confidence, active, created_at, updated_at`

// InsertCompany adds a company. Variants are regenerated from the
// identifying fields before the write — never trust a caller-supplied list.
func (s *Store) InsertCompany(ctx context.Context, c *Company) error {
	now := time.Now().UnixMilli()
	if c.ID == "" {
		c.ID = s.newID()
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.7
	}
	c.CNPJ = match.DigitsOnly(c.CNPJ)
	c.Variants = match.BuildVariants(c.Name, c.CNPJ, c.InscricaoEstadual, c.CustomTerms)
	c.CreatedAt = now
	c.UpdatedAt = now

	terms, variants, err := marshalCompanyJSON(c)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO companies (`+companyCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.CNPJ, c.InscricaoEstadual, terms, variants,
		c.MinConfidence, c.Active, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// UpdateCompany updates a company's fields and regenerates its variant set.
func (s *Store) UpdateCompany(ctx context.Context, c *Company) error {
	c.CNPJ = match.DigitsOnly(c.CNPJ)
	c.Variants = match.BuildVariants(c.Name, c.CNPJ, c.InscricaoEstadual, c.CustomTerms)
	c.UpdatedAt = time.Now().UnixMilli()

	terms, variants, err := marshalCompanyJSON(c)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE companies SET name=?, cnpj=?, inscricao_estadual=?, custom_terms=?,
		variants=?, min_confidence=?, active=?, updated_at=? WHERE id=?`,
		c.Name, c.CNPJ, c.InscricaoEstadual, terms, variants,
		c.MinConfidence, c.Active, c.UpdatedAt, c.ID,
	)
	return err
}

// GetCompany retrieves a company by ID. Returns nil, nil if not found.
func (s *Store) GetCompany(ctx context.Context, id string) (*Company, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+companyCols+` FROM companies WHERE id = ?`, id)
	return scanCompany(row.Scan)
}

// ListCompanies returns all companies ordered by name.
func (s *Store) ListCompanies(ctx context.Context) ([]*Company, error) {
	return s.queryCompanies(ctx, `SELECT `+companyCols+` FROM companies ORDER BY name`)
}

// ListActiveCompanies returns active companies — the matcher's target set.
func (s *Store) ListActiveCompanies(ctx context.Context) ([]*Company, error) {
	return s.queryCompanies(ctx,
		`SELECT `+companyCols+` FROM companies WHERE active = 1 ORDER BY name`)
}

// DeleteCompany removes a company. Fails if occurrences reference it.
func (s *Store) DeleteCompany(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM companies WHERE id = ?`, id)
	return err
}

func (s *Store) queryCompanies(ctx context.Context, q string, args ...any) ([]*Company, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var companies []*Company
	for rows.Next() {
		c, err := scanCompany(rows.Scan)
		if err != nil {
			return nil, err
		}
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

func marshalCompanyJSON(c *Company) (terms, variants string, err error) {
	if c.CustomTerms == nil {
		c.CustomTerms = []string{}
	}
	tb, err := json.Marshal(c.CustomTerms)
	if err != nil {
		return "", "", fmt.Errorf("marshal custom terms: %w", err)
	}
	vb, err := json.Marshal(c.Variants)
	if err != nil {
		return "", "", fmt.Errorf("marshal variants: %w", err)
	}
	return string(tb), string(vb), nil
}

func scanCompany(scan func(...any) error) (*Company, error) {
	var c Company
	var terms, variants string
	var active int
	err := scan(
		&c.ID, &c.Name, &c.CNPJ, &c.InscricaoEstadual, &terms, &variants,
		&c.MinConfidence, &active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan company: %w", err)
	}
	c.Active = active != 0
	if err := json.Unmarshal([]byte(terms), &c.CustomTerms); err != nil {
		return nil, fmt.Errorf("unmarshal custom terms: %w", err)
	}
	if err := json.Unmarshal([]byte(variants), &c.Variants); err != nil {
		return nil, fmt.Errorf("unmarshal variants: %w", err)
	}
	return &c, nil
}
