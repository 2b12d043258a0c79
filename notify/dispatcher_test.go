package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/diariolab/gazeta/audit"
	"github.com/diariolab/gazeta/dbopen"
	"github.com/diariolab/gazeta/settings"
	"github.com/diariolab/gazeta/store"
	"github.com/diariolab/gazeta/vtq"

	_ "modernc.org/sqlite"
)

type fakeEmail struct {
	mu   sync.Mutex
	sent []string // recipient addresses
	fail error
}

func (f *fakeEmail) SendEmail(_ context.Context, to, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakeWhatsApp struct {
	mu   sync.Mutex
	sent []string // phone numbers
	fail error
}

func (f *fakeWhatsApp) SendWhatsApp(_ context.Context, phone, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.sent = append(f.sent, phone)
	return "wamid-1", nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      *store.Store
	queue      *vtq.Q
	email      *fakeEmail
	whatsapp   *fakeWhatsApp
	occurrence *store.Occurrence
}

// mondayMorning is inside the default delivery window.
var mondayMorning = time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)

func newFixture(t *testing.T, reliability string) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbopen.OpenMemory(t)

	st := store.New(db)
	if err := st.ApplySchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	cfg := settings.New(db)
	if err := cfg.EnsureTable(ctx); err != nil {
		t.Fatalf("settings: %v", err)
	}
	trail := audit.New(db)
	if err := trail.EnsureTable(ctx); err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(func() { trail.Close() })
	queue := vtq.New(db, vtq.Options{Queue: "notifications"})
	if err := queue.EnsureTable(ctx); err != nil {
		t.Fatalf("queue: %v", err)
	}

	diary := &store.Diary{StateCode: "SP", GazetteDate: "2026-08-24",
		ContentHash: "h1", StoragePath: "diaries/h1.pdf"}
	if err := st.InsertDiary(ctx, diary); err != nil {
		t.Fatalf("diary: %v", err)
	}
	company := &store.Company{Name: "Petrobras SA", Active: true}
	if err := st.InsertCompany(ctx, company); err != nil {
		t.Fatalf("company: %v", err)
	}
	run := &store.ProcessingRun{DiaryID: diary.ID}
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := st.ReplaceOccurrences(ctx, diary.ID, run.ID, []*store.Occurrence{
		{CompanyID: company.ID, MatchKind: "nome", Term: "petrobras sa",
			Context:     "contrato com petrobras sa assinado",
			StartOffset: 10, EndOffset: 22, Page: 3, Score: 0.9,
			Reliability: reliability},
	}); err != nil {
		t.Fatalf("occurrences: %v", err)
	}
	occs, _ := st.ListOccurrencesByDiary(ctx, diary.ID, true)

	user := &store.User{Name: "Ana", Email: "ana@example.com", Phone: "11 99999-0000"}
	if err := st.InsertUser(ctx, user); err != nil {
		t.Fatalf("user: %v", err)
	}
	if err := st.Subscribe(ctx, &store.Subscription{
		UserID: user.ID, CompanyID: company.ID,
		NotifyEmail: true, NotifyWhatsApp: true,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	email := &fakeEmail{}
	whatsapp := &fakeWhatsApp{}
	d := New(st, cfg, trail, queue, email, whatsapp,
		WithClock(func() time.Time { return mondayMorning }))

	return &fixture{
		dispatcher: d, store: st, queue: queue,
		email: email, whatsapp: whatsapp, occurrence: occs[0],
	}
}

func TestFanOut_EnqueuesBothChannels(t *testing.T) {
	f := newFixture(t, "alta")
	ctx := context.Background()

	if err := f.dispatcher.FanOut(ctx, []*store.Occurrence{f.occurrence}); err != nil {
		t.Fatalf("fanout: %v", err)
	}
	n, _ := f.queue.Len(ctx)
	if n != 2 {
		t.Fatalf("queued jobs = %d, want 2 (email + whatsapp)", n)
	}

	// A second fan-out of the same occurrence adds nothing.
	if err := f.dispatcher.FanOut(ctx, []*store.Occurrence{f.occurrence}); err != nil {
		t.Fatalf("fanout again: %v", err)
	}
	n, _ = f.queue.Len(ctx)
	if n != 2 {
		t.Fatalf("after refanout, queued = %d, want 2", n)
	}
}

func TestFanOut_SuspeitoWaitsForReview(t *testing.T) {
	// WHY: low-confidence hits notify only after a human approves them, so
	// the automatic fan-out must not enqueue anything for them.
	f := newFixture(t, "suspeito")
	ctx := context.Background()

	if err := f.dispatcher.FanOut(ctx, []*store.Occurrence{f.occurrence}); err != nil {
		t.Fatalf("fanout: %v", err)
	}
	n, _ := f.queue.Len(ctx)
	if n != 0 {
		t.Fatalf("suspeito occurrence enqueued %d jobs", n)
	}

	// Review approval notifies it explicitly.
	if err := f.dispatcher.NotifyOccurrence(ctx, f.occurrence); err != nil {
		t.Fatalf("notify: %v", err)
	}
	n, _ = f.queue.Len(ctx)
	if n != 2 {
		t.Fatalf("after approval, queued = %d, want 2", n)
	}
}

func TestHandle_EmailDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, "alta")
	ctx := context.Background()

	job := &vtq.Job{Payload: []byte(fmt.Sprintf(
		`{"occurrence_id":%q,"channel":"email"}`, f.occurrence.ID))}
	if err := f.dispatcher.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.email.sent) != 1 || f.email.sent[0] != "ana@example.com" {
		t.Fatalf("sent = %v", f.email.sent)
	}

	occ, _ := f.store.GetOccurrence(ctx, f.occurrence.ID)
	if !occ.NotifiedEmail || occ.NotifiedEmailAt == 0 {
		t.Fatalf("occurrence not marked notified: %+v", occ)
	}

	// A redelivered job sends nothing.
	if err := f.dispatcher.Handle(ctx, job); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(f.email.sent) != 1 {
		t.Fatalf("redelivery sent again: %v", f.email.sent)
	}
}

func TestHandle_WhatsAppNormalizesPhone(t *testing.T) {
	f := newFixture(t, "alta")
	ctx := context.Background()

	job := &vtq.Job{Payload: []byte(fmt.Sprintf(
		`{"occurrence_id":%q,"channel":"whatsapp"}`, f.occurrence.ID))}
	if err := f.dispatcher.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.whatsapp.sent) != 1 || f.whatsapp.sent[0] != "+5511999990000" {
		t.Fatalf("sent = %v", f.whatsapp.sent)
	}
	occ, _ := f.store.GetOccurrence(ctx, f.occurrence.ID)
	if !occ.NotifiedWhatsApp {
		t.Fatal("occurrence not marked whatsapp-notified")
	}
}

func TestHandle_WhatsAppOutsideWindowDefers(t *testing.T) {
	f := newFixture(t, "alta")
	// Sunday afternoon.
	f.dispatcher.now = func() time.Time {
		return time.Date(2026, 8, 30, 15, 0, 0, 0, time.Local)
	}

	job := &vtq.Job{Payload: []byte(fmt.Sprintf(
		`{"occurrence_id":%q,"channel":"whatsapp"}`, f.occurrence.ID))}
	err := f.dispatcher.Handle(context.Background(), job)

	var deferred *vtq.DeferError
	if !errors.As(err, &deferred) {
		t.Fatalf("err = %v, want DeferError", err)
	}
	// Monday 08:00 is 17h away from Sunday 15:00.
	if deferred.Delay != 17*time.Hour {
		t.Fatalf("delay = %v, want 17h", deferred.Delay)
	}
	if len(f.whatsapp.sent) != 0 {
		t.Fatal("message sent outside the window")
	}
}

func TestHandle_RetryLimitIsTerminal(t *testing.T) {
	// WHY: a redelivered job that has burned its channel's retry budget
	// must be dropped through the terminal path, not retried forever.
	f := newFixture(t, "alta")
	f.email.fail = errors.New("relay down")

	job := &vtq.Job{
		Payload: []byte(fmt.Sprintf(
			`{"occurrence_id":%q,"channel":"email"}`, f.occurrence.ID)),
		Attempts: 4, // default limit is 3
	}
	err := f.dispatcher.Handle(context.Background(), job)
	if !errors.Is(err, vtq.ErrTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
	if len(f.email.sent) != 0 {
		t.Fatal("exhausted job still sent")
	}
}

func TestDeliveryBackoff_PerChannel(t *testing.T) {
	// Email retries wait a flat five minutes; WhatsApp walks the step
	// curve and then repeats the last step.
	email := &vtq.Job{Payload: []byte(`{"occurrence_id":"occ_1","channel":"email"}`)}
	for attempt := 1; attempt <= 4; attempt++ {
		if d := DeliveryBackoff(email, attempt); d != 5*time.Minute {
			t.Errorf("email attempt %d backoff = %v, want 5m", attempt, d)
		}
	}

	wa := &vtq.Job{Payload: []byte(`{"occurrence_id":"occ_1","channel":"whatsapp"}`)}
	want := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, 15 * time.Minute}
	for i, w := range want {
		if d := DeliveryBackoff(wa, i+1); d != w {
			t.Errorf("whatsapp attempt %d backoff = %v, want %v", i+1, d, w)
		}
	}
}

func TestHandle_MissingOccurrenceIsTerminal(t *testing.T) {
	f := newFixture(t, "alta")

	job := &vtq.Job{Payload: []byte(`{"occurrence_id":"occ_gone","channel":"email"}`)}
	err := f.dispatcher.Handle(context.Background(), job)
	if !errors.Is(err, vtq.ErrTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
}

func TestHandle_RetiredOccurrenceSkipped(t *testing.T) {
	f := newFixture(t, "alta")
	ctx := context.Background()

	// Retire the occurrence by replacing it with an empty set.
	run := &store.ProcessingRun{DiaryID: f.occurrence.DiaryID, RunType: store.RunReprocess}
	if err := f.store.InsertRun(ctx, run); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := f.store.ReplaceOccurrences(ctx, f.occurrence.DiaryID, run.ID, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}

	job := &vtq.Job{Payload: []byte(fmt.Sprintf(
		`{"occurrence_id":%q,"channel":"email"}`, f.occurrence.ID))}
	if err := f.dispatcher.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.email.sent) != 0 {
		t.Fatal("retired occurrence was notified")
	}
}

func TestWhatsAppClient_StatusClassification(t *testing.T) {
	// WHAT: gateway 4xx responses are terminal, 5xx are retryable.
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"messageId":"m1","error":"boom"}`)
	}))
	defer srv.Close()

	c := NewWhatsAppClient(srv.URL, "token")
	ctx := context.Background()

	status = http.StatusOK
	id, err := c.SendWhatsApp(ctx, "+5511999990000", "oi")
	if err != nil || id != "m1" {
		t.Fatalf("ok case: id=%q err=%v", id, err)
	}

	status = http.StatusBadRequest
	_, err = c.SendWhatsApp(ctx, "+5511999990000", "oi")
	if !IsTerminal(err) {
		t.Fatalf("4xx err = %v, want terminal", err)
	}

	status = http.StatusBadGateway
	_, err = c.SendWhatsApp(ctx, "+5511999990000", "oi")
	if err == nil || IsTerminal(err) {
		t.Fatalf("5xx err = %v, want transient", err)
	}
}

func TestWhatsAppClient_ReadsSettingsPerSend(t *testing.T) {
	// WHY: the gateway URL and token are admin-tunable; a change through
	// the settings API must reach the next delivery without a restart.
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	cfg := settings.New(db)
	if err := cfg.EnsureTable(ctx); err != nil {
		t.Fatalf("settings: %v", err)
	}

	var hits []string
	gateway := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits = append(hits, name+" "+r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"messageId":"m1"}`)
		}))
	}
	first := gateway("first")
	defer first.Close()
	second := gateway("second")
	defer second.Close()

	if err := cfg.Set(ctx, settings.KeyWhatsAppWebhookURL, first.URL); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Set(ctx, settings.KeyWhatsAppToken, "tok-old"); err != nil {
		t.Fatal(err)
	}
	c := NewWhatsAppClientFromSettings(cfg)
	if _, err := c.SendWhatsApp(ctx, "+5511999990000", "oi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := cfg.Set(ctx, settings.KeyWhatsAppWebhookURL, second.URL); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Set(ctx, settings.KeyWhatsAppToken, "tok-new"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendWhatsApp(ctx, "+5511999990000", "oi"); err != nil {
		t.Fatalf("send after change: %v", err)
	}

	want := []string{"first Bearer tok-old", "second Bearer tok-new"}
	if len(hits) != 2 || hits[0] != want[0] || hits[1] != want[1] {
		t.Fatalf("gateway hits = %v, want %v", hits, want)
	}
}
