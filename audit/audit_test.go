package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/diariolab/gazeta/dbopen"

	_ "modernc.org/sqlite"
)

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	db := dbopen.OpenMemory(t)
	tr := New(db)
	if err := tr.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestLog_FillsDefaults(t *testing.T) {
	tr := newTestTrail(t)

	e := &Entry{Component: "ingest", Action: "diary_upload", EntityID: "dia_1"}
	if err := tr.Log(context.Background(), e); err != nil {
		t.Fatalf("log: %v", err)
	}
	if e.ID == "" {
		t.Fatal("id not generated")
	}
	if e.Timestamp == 0 {
		t.Fatal("timestamp not set")
	}
	if e.Status != StatusOK {
		t.Fatalf("status = %q, want ok", e.Status)
	}
}

func TestLog_ErrorEntry(t *testing.T) {
	tr := newTestTrail(t)

	e := &Entry{Component: "pipeline", Action: "run_finished",
		EntityID: "dia_1", Error: "extraction failed"}
	if err := tr.Log(context.Background(), e); err != nil {
		t.Fatalf("log: %v", err)
	}
	if e.Status != StatusError {
		t.Fatalf("status = %q, want error", e.Status)
	}
}

func TestRecord(t *testing.T) {
	tr := newTestTrail(t)

	e := tr.Record("notify", "notification_sent", "", "occ_1",
		map[string]string{"channel": "email"}, nil)
	if e.Status != StatusOK || e.Detail == "" {
		t.Fatalf("entry = %+v", e)
	}

	e = tr.Record("notify", "notification_failed", "", "occ_2", nil,
		errors.New("smtp unreachable"))
	if e.Status != StatusError || e.Error != "smtp unreachable" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestLogAsync_FlushedOnClose(t *testing.T) {
	db := dbopen.OpenMemory(t)
	tr := New(db)
	if err := tr.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}

	for i := 0; i < 50; i++ {
		tr.LogAsync(&Entry{Component: "pipeline", Action: "batch_probe"})
	}
	tr.Close() // drains the buffer

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_trail WHERE action='batch_probe'").Scan(&count)
	if count != 50 {
		t.Fatalf("flushed count = %d, want 50", count)
	}
}

func TestQuery_Filters(t *testing.T) {
	tr := newTestTrail(t)
	ctx := context.Background()

	entries := []*Entry{
		{Component: "ingest", Action: "diary_upload", EntityID: "dia_1"},
		{Component: "pipeline", Action: "run_finished", EntityID: "dia_1"},
		{Component: "pipeline", Action: "run_finished", EntityID: "dia_2",
			Error: "no text"},
		{Component: "notify", Action: "notification_sent", EntityID: "occ_1"},
	}
	for _, e := range entries {
		if err := tr.Log(ctx, e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	got, err := tr.Query(ctx, Filter{EntityID: "dia_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entity filter = %d entries, want 2", len(got))
	}

	got, err = tr.Query(ctx, Filter{Component: "pipeline", Status: StatusError})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].EntityID != "dia_2" {
		t.Fatalf("status filter = %+v", got)
	}

	got, err = tr.Query(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit = %d entries, want 2", len(got))
	}
}
