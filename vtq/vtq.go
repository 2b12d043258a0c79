// Package vtq implements a visibility-timeout job queue backed by SQLite.
//
// A claimed job is invisible to other consumers for a configurable
// duration. If the holder finishes it acks (deletes) the job; if it
// crashes or stalls past the timeout the job reappears and another
// consumer claims it. There is no external broker — the queue shares the
// application's SQLite database.
//
// The gazeta pipeline runs two queues on this primitive: diary processing
// jobs and notification deliveries. Delayed visibility (PublishIn,
// NackAfter) doubles as the retry-backoff and business-hours rescheduling
// mechanism.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// ErrTerminal marks a handler failure that retrying cannot fix (malformed
// payload, recipient rejected, diary deleted mid-flight). A job failing
// with it is removed immediately and reported through OnExhausted.
var ErrTerminal = errors.New("vtq: terminal failure")

// DeferError is returned by a handler to reschedule a job without
// consuming an attempt — the job is not failing, it is just too early
// (a WhatsApp delivery claimed outside the allowed window).
type DeferError struct {
	Delay time.Duration
}

func (e *DeferError) Error() string {
	return "vtq: deferred for " + e.Delay.String()
}

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Backoff computes the delay before a failed job becomes visible again.
// attempt is 1-based (the attempt that just failed). The job is passed so
// a policy can vary by payload; the stock policies ignore it.
type Backoff func(job *Job, attempt int) time.Duration

// FixedBackoff retries after the same delay every time.
func FixedBackoff(d time.Duration) Backoff {
	return func(*Job, int) time.Duration { return d }
}

// StepBackoff walks through the given delays, repeating the last one for
// attempts beyond the list.
func StepBackoff(steps ...time.Duration) Backoff {
	return func(_ *Job, attempt int) time.Duration {
		if len(steps) == 0 {
			return 0
		}
		if attempt > len(steps) {
			attempt = len(steps)
		}
		if attempt < 1 {
			attempt = 1
		}
		return steps[attempt-1]
	}
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues share the table.
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries before a job is dropped and reported
	// through OnExhausted. 0 means unlimited.
	MaxAttempts int
	// Backoff delays retries after a handler failure. Nil retries
	// immediately.
	Backoff Backoff
	// OnExhausted is called when a job is dropped — terminal error or
	// MaxAttempts exceeded. It runs after the job is already removed.
	OnExhausted func(ctx context.Context, job *Job, err error)
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup, then
// Publish and Claim (or Run) as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the vtq_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
	`)
	return err
}

// Publish inserts a job that is immediately visible.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	return q.PublishIn(ctx, id, payload, 0)
}

// PublishIn inserts a job that becomes visible after delay. Notification
// jobs outside the delivery window are published straight into the next
// window this way.
//
// Publishing an ID that is already queued is a no-op, so producers can use
// deterministic job IDs to get exactly-once enqueueing for free.
func (q *Q) PublishIn(ctx context.Context, id string, payload []byte, delay time.Duration) error {
	now := time.Now()
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO vtq_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	return err
}

// Claim atomically picks the oldest visible job, marks it invisible for
// the configured visibility duration, and returns it. Returns nil, nil if
// no job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// NackAfter makes a job visible again after delay. A zero delay hands it
// straight back to the next consumer.
func (q *Q) NackAfter(ctx context.Context, id string, delay time.Duration) error {
	visibleAt := int64(0)
	if delay > 0 {
		visibleAt = time.Now().Add(delay).UnixMilli()
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		visibleAt, id, q.opts.Queue,
	)
	return err
}

// Defer reschedules a claimed job to become visible after delay and
// undoes the attempt increment from the claim. Used when a job cannot
// run yet through no fault of its own.
func (q *Q) Defer(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ?, attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END
		WHERE id = ? AND queue = ?`,
		time.Now().Add(delay).UnixMilli(), id, q.opts.Queue,
	)
	return err
}

// Extend pushes the visibility timeout forward for a job that needs more
// processing time (heartbeat pattern — large diaries take a while).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		hideUntil, id, q.opts.Queue,
	)
	return err
}

// Len returns the total number of jobs (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Purge deletes all jobs in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE queue = ?`, q.opts.Queue,
	)
	return err
}

// Handler processes a claimed job. Return nil to ack. Return an error to
// retry with backoff; wrap ErrTerminal to drop the job instead.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs and calls handler for each one. It blocks
// until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started",
		"queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.poll(ctx, handler, log)
		}
	}
}

func (q *Q) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
			return
		}
		if job == nil {
			return // nothing visible
		}
		q.dispatch(ctx, job, handler, log)
	}
}

// dispatch runs the handler for one claimed job and settles it: ack on
// success, drop on terminal or exhausted, otherwise schedule a retry.
func (q *Q) dispatch(ctx context.Context, job *Job, handler Handler, log *slog.Logger) {
	err := handler(ctx, job)
	if err == nil {
		_ = q.Ack(ctx, job.ID)
		return
	}

	var deferred *DeferError
	if errors.As(err, &deferred) {
		log.Info("vtq: job deferred",
			"id", job.ID, "queue", q.opts.Queue, "delay", deferred.Delay)
		_ = q.Defer(ctx, job.ID, deferred.Delay)
		return
	}

	exhausted := q.opts.MaxAttempts > 0 && job.Attempts >= q.opts.MaxAttempts
	if errors.Is(err, ErrTerminal) || exhausted {
		log.Warn("vtq: dropping job",
			"id", job.ID, "queue", q.opts.Queue,
			"attempts", job.Attempts, "error", err)
		_ = q.Ack(ctx, job.ID)
		if q.opts.OnExhausted != nil {
			q.opts.OnExhausted(ctx, job, err)
		}
		return
	}

	var delay time.Duration
	if q.opts.Backoff != nil {
		delay = q.opts.Backoff(job, job.Attempts)
	}
	log.Warn("vtq: handler failed, retrying",
		"id", job.ID, "queue", q.opts.Queue,
		"attempts", job.Attempts, "retry_in", delay, "error", err)
	_ = q.NackAfter(ctx, job.ID, delay)
}
