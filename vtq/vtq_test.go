package vtq_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diariolab/gazeta/dbopen"
	"github.com/diariolab/gazeta/vtq"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t)
}

func newQ(t *testing.T, db *sql.DB, opts vtq.Options) *vtq.Q {
	t.Helper()
	q := vtq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestPublishAndClaim(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "j1" || string(job.Payload) != "hello" {
		t.Fatalf("got %+v", job)
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}

	// Second claim returns nil — job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected nil, job should be invisible")
	}
}

func TestPublishIn_DelayedVisibility(t *testing.T) {
	// WHAT: a job published with a delay cannot be claimed until the delay
	// passes — this is how out-of-window notifications wait for the next
	// delivery window.
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.PublishIn(ctx, "j1", nil, 60*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Claim(ctx)
	if job != nil {
		t.Fatal("delayed job claimed too early")
	}

	time.Sleep(80 * time.Millisecond)
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("delayed job never became visible")
	}
}

func TestPublish_DuplicateIDIsNoOp(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, "j1", []byte("second")); err != nil {
		t.Fatalf("duplicate publish errored: %v", err)
	}

	n, _ := q.Len(ctx)
	if n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
	job, _ := q.Claim(ctx)
	if string(job.Payload) != "first" {
		t.Fatalf("payload = %q, original should win", job.Payload)
	}
}

func TestAck(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("queue should be empty after ack, got %d", n)
	}
}

func TestNackAfter(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: 10 * time.Second})
	ctx := context.Background()

	q.Publish(ctx, "j1", []byte("retry-me"))
	job, _ := q.Claim(ctx)

	// Zero delay hands the job straight back.
	if err := q.NackAfter(ctx, job.ID, 0); err != nil {
		t.Fatal(err)
	}
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil {
		t.Fatal("expected job after nack")
	}
	if job2.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job2.Attempts)
	}

	// A delayed nack keeps the job invisible for the duration.
	if err := q.NackAfter(ctx, job2.ID, 60*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("job visible during backoff delay")
	}
	time.Sleep(80 * time.Millisecond)
	if j, _ := q.Claim(ctx); j == nil {
		t.Fatal("job never reappeared after backoff")
	}
}

func TestVisibilityTimeout(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	q.Claim(ctx) // claimed, invisible for 50ms

	// Immediately invisible.
	job, _ := q.Claim(ctx)
	if job != nil {
		t.Fatal("job should be invisible")
	}

	// Wait for visibility to expire.
	time.Sleep(80 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("job should have reappeared")
	}
	if job.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job.Attempts)
	}
}

func TestExtend(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	job, _ := q.Claim(ctx)

	// Extend by 500ms — should not reappear after the original 50ms.
	if err := q.Extend(ctx, job.ID, 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)

	job2, _ := q.Claim(ctx)
	if job2 != nil {
		t.Fatal("job should still be invisible after extend")
	}
}

func TestMultipleQueues(t *testing.T) {
	db := openDB(t)
	q1 := newQ(t, db, vtq.Options{Queue: "processing", Visibility: time.Second})
	q2 := newQ(t, db, vtq.Options{Queue: "notifications", Visibility: time.Second})
	ctx := context.Background()

	q1.Publish(ctx, "p1", []byte("diary"))
	q2.Publish(ctx, "n1", []byte("email"))

	j1, _ := q1.Claim(ctx)
	j2, _ := q2.Claim(ctx)

	if j1 == nil || j1.ID != "p1" {
		t.Fatal("processing queue should get p1")
	}
	if j2 == nil || j2.ID != "n1" {
		t.Fatal("notifications queue should get n1")
	}

	// Queues don't see each other's jobs.
	if j, _ := q1.Claim(ctx); j != nil {
		t.Fatal("processing queue should have no more jobs")
	}
}

func TestRunConsumer(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	q.Publish(ctx, "j1", []byte("one"))
	q.Publish(ctx, "j2", []byte("two"))
	q.Publish(ctx, "j3", []byte("three"))

	var mu sync.Mutex
	var got []string

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *vtq.Job) error {
		mu.Lock()
		got = append(got, j.ID)
		mu.Unlock()
		if len(got) == 3 {
			cancel()
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 jobs, got %d: %v", len(got), got)
	}
}

func TestRun_RetriesWithBackoff(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
		Backoff:      vtq.FixedBackoff(30 * time.Millisecond),
	})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)

	var mu sync.Mutex
	attempts := 0
	var gaps []time.Time

	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *vtq.Job) error {
		mu.Lock()
		attempts++
		gaps = append(gaps, time.Now())
		a := attempts
		mu.Unlock()
		if a == 1 {
			return errors.New("transient failure")
		}
		cancel()
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
	if gap := gaps[1].Sub(gaps[0]); gap < 30*time.Millisecond {
		t.Fatalf("retry came after %v, before the backoff delay", gap)
	}
}

func TestRun_TerminalErrorDropsJob(t *testing.T) {
	// WHAT: a handler failure wrapping ErrTerminal removes the job without
	// retries and reports it through OnExhausted.
	db := openDB(t)

	var mu sync.Mutex
	var dropped []string
	var droppedErr error

	q := newQ(t, db, vtq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
		OnExhausted: func(_ context.Context, j *vtq.Job, err error) {
			mu.Lock()
			dropped = append(dropped, j.ID)
			droppedErr = err
			mu.Unlock()
		},
	})
	ctx := context.Background()
	q.Publish(ctx, "j1", nil)

	attempts := 0
	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *vtq.Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return fmt.Errorf("recipient rejected: %w", vtq.ErrTerminal)
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("terminal job retried: %d attempts", attempts)
	}
	if len(dropped) != 1 || dropped[0] != "j1" {
		t.Fatalf("dropped = %v", dropped)
	}
	if !errors.Is(droppedErr, vtq.ErrTerminal) {
		t.Fatalf("dropped err = %v", droppedErr)
	}
	n, _ := q.Len(context.Background())
	if n != 0 {
		t.Fatalf("terminal job still queued, len=%d", n)
	}
}

func TestRun_MaxAttemptsExhausts(t *testing.T) {
	db := openDB(t)

	var mu sync.Mutex
	var dropped []string

	q := newQ(t, db, vtq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  3,
		OnExhausted: func(_ context.Context, j *vtq.Job, _ error) {
			mu.Lock()
			dropped = append(dropped, j.ID)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	q.Publish(ctx, "j1", nil)

	attempts := 0
	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *vtq.Job) error {
		mu.Lock()
		attempts++
		if attempts == 3 {
			// Give the queue a moment to settle the last attempt.
			time.AfterFunc(50*time.Millisecond, cancel)
		}
		mu.Unlock()
		return errors.New("still failing")
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want exactly 3", attempts)
	}
	if len(dropped) != 1 {
		t.Fatalf("dropped = %v, want [j1]", dropped)
	}
	n, _ := q.Len(context.Background())
	if n != 0 {
		t.Fatalf("exhausted job still queued, len=%d", n)
	}
}

func TestRun_DeferDoesNotConsumeAttempt(t *testing.T) {
	// WHAT: a DeferError reschedules the job and rolls back the claim's
	// attempt increment, so waiting for a delivery window never counts
	// against MaxAttempts.
	db := openDB(t)
	q := newQ(t, db, vtq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  1,
	})
	ctx := context.Background()
	q.Publish(ctx, "j1", nil)

	var mu sync.Mutex
	calls := 0

	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *vtq.Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return &vtq.DeferError{Delay: 30 * time.Millisecond}
		}
		if j.Attempts != 1 {
			t.Errorf("attempts after defer = %d, want 1", j.Attempts)
		}
		cancel()
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (defer then success)", calls)
	}
	n, _ := q.Len(context.Background())
	if n != 0 {
		t.Fatalf("job not acked after deferred success, len=%d", n)
	}
}

func TestStepBackoff(t *testing.T) {
	b := vtq.StepBackoff(time.Minute, 5*time.Minute, 15*time.Minute)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{4, 15 * time.Minute}, // past the list, last step repeats
		{0, time.Minute},
	}
	for _, tt := range tests {
		if got := b(nil, tt.attempt); got != tt.want {
			t.Errorf("StepBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPurge(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, vtq.Options{})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	q.Publish(ctx, "j2", nil)

	if err := q.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("expected 0 after purge, got %d", n)
	}
}
