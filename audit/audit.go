// Package audit keeps an append-only trail of pipeline and admin actions:
// uploads, run outcomes, review verdicts, notification deliveries and
// terminal failures. Entries are inserted and queried, never updated.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/diariolab/gazeta/idgen"
)

// Entry statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Entry is one recorded action.
type Entry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	Component string `json:"component"` // "ingest", "pipeline", "notify", "admin"
	Action    string `json:"action"`    // "diary_upload", "run_finished", ...
	ActorID   string `json:"actor_id,omitempty"`
	EntityID  string `json:"entity_id,omitempty"` // diary, occurrence or company ID
	Detail    string `json:"detail,omitempty"`    // JSON
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Filter narrows a Query. Zero values mean "any".
type Filter struct {
	Component string
	Action    string
	EntityID  string
	Status    string
	Since     int64 // milliseconds since epoch
	Until     int64
	Limit     int // default 100
}

// Trail persists audit entries. Writes can be synchronous (Log) or
// buffered (LogAsync); the buffered path falls back to a synchronous
// insert when full so entries are never silently dropped.
type Trail struct {
	db    *sql.DB
	newID idgen.Generator
	log   *slog.Logger
	ch    chan *Entry
	stop  chan struct{}
	done  chan struct{}
}

// Option configures a Trail.
type Option func(*Trail)

// WithIDGenerator sets a custom ID generator for entry IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(t *Trail) { t.newID = gen }
}

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Trail) { t.log = log }
}

// New creates a Trail with an async flush goroutine. Call Close on
// shutdown to drain the buffer.
func New(db *sql.DB, opts ...Option) *Trail {
	t := &Trail{
		db:    db,
		newID: idgen.Prefixed("audit_", idgen.Default),
		log:   slog.Default(),
		ch:    make(chan *Entry, 1000),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	go t.flushLoop()
	return t
}

// EnsureTable creates the audit table and indexes if they don't exist.
func (t *Trail) EnsureTable(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_trail (
			id        TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			component TEXT NOT NULL,
			action    TEXT NOT NULL,
			actor_id  TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			detail    TEXT NOT NULL DEFAULT '',
			status    TEXT NOT NULL,
			error     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_trail (timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_trail (entity_id, timestamp);
	`)
	return err
}

// Record builds an entry from an action and its outcome. detail is
// marshalled to JSON; a marshal failure leaves it empty rather than
// failing the audit write.
func (t *Trail) Record(component, action, actorID, entityID string, detail any, actionErr error) *Entry {
	e := &Entry{
		ID:        t.newID(),
		Timestamp: time.Now().UnixMilli(),
		Component: component,
		Action:    action,
		ActorID:   actorID,
		EntityID:  entityID,
		Status:    StatusOK,
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			e.Detail = string(b)
		}
	}
	if actionErr != nil {
		e.Status = StatusError
		e.Error = actionErr.Error()
	}
	return e
}

// Log inserts an entry synchronously.
func (t *Trail) Log(ctx context.Context, e *Entry) error {
	t.fillDefaults(e)
	return t.insert(ctx, e)
}

// LogAsync queues an entry for background persistence, falling back to a
// synchronous insert when the buffer is full.
func (t *Trail) LogAsync(e *Entry) {
	t.fillDefaults(e)
	select {
	case t.ch <- e:
	default:
		t.log.Warn("audit: buffer full, sync fallback", "component", e.Component)
		if err := t.insert(context.Background(), e); err != nil {
			t.log.Error("audit: sync fallback failed", "error", err)
		}
	}
}

// Query retrieves entries matching the filter, newest first.
func (t *Trail) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	q := `SELECT id, timestamp, component, action, actor_id, entity_id, detail, status, error
		FROM audit_trail WHERE 1=1`
	var args []any
	var conds []string

	if f.Component != "" {
		conds = append(conds, "component = ?")
		args = append(args, f.Component)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Since > 0 {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.Until)
	}
	if len(conds) > 0 {
		q += " AND " + strings.Join(conds, " AND ")
	}

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(&e.ID, &e.Timestamp, &e.Component, &e.Action,
			&e.ActorID, &e.EntityID, &e.Detail, &e.Status, &e.Error)
		if err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close drains the buffer and stops the flush goroutine.
func (t *Trail) Close() error {
	close(t.stop)
	<-t.done
	return nil
}

func (t *Trail) fillDefaults(e *Entry) {
	if e.ID == "" {
		e.ID = t.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusOK
		}
	}
}

func (t *Trail) flushLoop() {
	defer close(t.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			t.log.Error("audit: begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if err := insertTx(ctx, tx, e); err != nil {
				t.log.Error("audit: insert", "error", err, "id", e.ID)
			}
		}
		if err := tx.Commit(); err != nil {
			t.log.Error("audit: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-t.stop:
			for {
				select {
				case e := <-t.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-t.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

const insertSQL = `INSERT INTO audit_trail
	(id, timestamp, component, action, actor_id, entity_id, detail, status, error)
	VALUES (?,?,?,?,?,?,?,?,?)`

func (t *Trail) insert(ctx context.Context, e *Entry) error {
	_, err := t.db.ExecContext(ctx, insertSQL,
		e.ID, e.Timestamp, e.Component, e.Action, e.ActorID, e.EntityID,
		e.Detail, e.Status, e.Error)
	return err
}

func insertTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, insertSQL,
		e.ID, e.Timestamp, e.Component, e.Action, e.ActorID, e.EntityID,
		e.Detail, e.Status, e.Error)
	return err
}
