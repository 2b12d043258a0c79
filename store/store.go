// Package store provides the data access layer for the gazeta database.
//
// All services share one SQLite database. The store receives an
// already-opened *sql.DB (see dbopen) and never opens connections itself.
package store

import (
	"context"
	"database/sql"

	"github.com/diariolab/gazeta/idgen"
)

// Store wraps the gazeta database.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets a custom ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, newID: idgen.Default}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ApplySchema creates all tables and indexes if they don't exist. Idempotent.
func (s *Store) ApplySchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}
