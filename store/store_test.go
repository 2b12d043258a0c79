package store

import (
	"context"
	"testing"

	"github.com/diariolab/gazeta/dbopen"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := New(db)
	if err := s.ApplySchema(context.Background()); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return s
}

func seedDiary(t *testing.T, s *Store, hash string) *Diary {
	t.Helper()
	d := &Diary{
		StateCode:   "SP",
		GazetteDate: "2026-08-28",
		ContentHash: hash,
		StoragePath: "diaries/" + hash + ".pdf",
	}
	if err := s.InsertDiary(context.Background(), d); err != nil {
		t.Fatalf("insert diary: %v", err)
	}
	return d
}

func seedCompany(t *testing.T, s *Store, name, cnpj string) *Company {
	t.Helper()
	c := &Company{Name: name, CNPJ: cnpj, Active: true}
	if err := s.InsertCompany(context.Background(), c); err != nil {
		t.Fatalf("insert company: %v", err)
	}
	return c
}

func TestDiary_InsertGetByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDiary(t, s, "abc123")
	if d.Status != StatusPendente {
		t.Fatalf("status = %q, want pendente", d.Status)
	}

	got, err := s.GetDiaryByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got == nil || got.ID != d.ID {
		t.Fatalf("got %+v, want id %s", got, d.ID)
	}

	missing, err := s.GetDiaryByHash(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing hash, got %+v", missing)
	}
}

func TestDiary_DuplicateHashRejected(t *testing.T) {
	// WHY: the UNIQUE constraint on content_hash is the last line of defence
	// against concurrent uploads of the same PDF.
	s := newTestStore(t)
	seedDiary(t, s, "samehash")

	err := s.InsertDiary(context.Background(), &Diary{
		StateCode:   "RJ",
		GazetteDate: "2026-08-28",
		ContentHash: "samehash",
		StoragePath: "diaries/other.pdf",
	})
	if err == nil {
		t.Fatal("expected unique constraint error, got nil")
	}
}

func TestDiary_ClaimForProcessing(t *testing.T) {
	// WHAT: the compare-and-set claim succeeds once, then fails while the
	// diary stays in processando — the per-diary lock for concurrent runs.
	s := newTestStore(t)
	ctx := context.Background()
	d := seedDiary(t, s, "claim1")

	ok, err := s.ClaimDiaryForProcessing(ctx, d.ID)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimDiaryForProcessing(ctx, d.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("second claim succeeded while diary is processando")
	}

	got, _ := s.GetDiary(ctx, d.ID)
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}

	// After the run completes the diary can be claimed again (reprocess).
	if err := s.SetDiaryStatus(ctx, d.ID, StatusConcluido, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}
	ok, err = s.ClaimDiaryForProcessing(ctx, d.ID)
	if err != nil || !ok {
		t.Fatalf("reclaim after concluido: ok=%v err=%v", ok, err)
	}
}

func TestCompany_VariantsRegeneratedOnWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := seedCompany(t, s, "Acme Ltda", "11.222.333/0001-81")
	got, err := s.GetCompany(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CNPJ != "11222333000181" {
		t.Fatalf("cnpj = %q, want digits only", got.CNPJ)
	}
	if len(got.Variants) == 0 {
		t.Fatal("variants not generated on insert")
	}

	got.Name = "Acme Indústria Ltda"
	got.CustomTerms = []string{"acme industrial"}
	if err := s.UpdateCompany(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _ := s.GetCompany(ctx, c.ID)
	found := false
	for _, v := range got2.Variants {
		if v.Term == "acme industrial" {
			found = true
		}
	}
	if !found {
		t.Fatalf("custom term not in regenerated variants: %+v", got2.Variants)
	}
}

func TestCompany_ListActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCompany(t, s, "Ativa SA", "")
	inactive := seedCompany(t, s, "Inativa SA", "")
	inactive.Active = false
	if err := s.UpdateCompany(ctx, inactive); err != nil {
		t.Fatalf("update: %v", err)
	}

	active, err := s.ListActiveCompanies(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Name != "Ativa SA" {
		t.Fatalf("active = %+v", active)
	}
}

func TestReplaceOccurrences_PreservesHistory(t *testing.T) {
	// WHAT: reprocessing retires the previous run's occurrences instead of
	// deleting them, so every run's output stays queryable afterwards.
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDiary(t, s, "occhist")
	c := seedCompany(t, s, "Petrobras SA", "")

	run1 := &ProcessingRun{DiaryID: d.ID}
	if err := s.InsertRun(ctx, run1); err != nil {
		t.Fatalf("insert run1: %v", err)
	}
	retired, err := s.ReplaceOccurrences(ctx, d.ID, run1.ID, []*Occurrence{
		{CompanyID: c.ID, MatchKind: "nome", Term: "petrobras sa",
			StartOffset: 10, EndOffset: 22, Page: 1, Score: 0.9, Reliability: "alta"},
	})
	if err != nil {
		t.Fatalf("replace run1: %v", err)
	}
	if retired != 0 {
		t.Fatalf("first run retired %d, want 0", retired)
	}

	run2 := &ProcessingRun{DiaryID: d.ID, RunType: RunReprocess}
	if err := s.InsertRun(ctx, run2); err != nil {
		t.Fatalf("insert run2: %v", err)
	}
	retired, err = s.ReplaceOccurrences(ctx, d.ID, run2.ID, []*Occurrence{
		{CompanyID: c.ID, MatchKind: "nome", Term: "petrobras sa",
			StartOffset: 10, EndOffset: 22, Page: 1, Score: 0.9, Reliability: "alta"},
		{CompanyID: c.ID, MatchKind: "variante", Term: "petrobras",
			StartOffset: 400, EndOffset: 409, Page: 2, Score: 0.6, Reliability: "suspeito"},
	})
	if err != nil {
		t.Fatalf("replace run2: %v", err)
	}
	if retired != 1 {
		t.Fatalf("second run retired %d, want 1", retired)
	}

	active, err := s.ListOccurrencesByDiary(ctx, d.ID, true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	all, err := s.ListOccurrencesByDiary(ctx, d.ID, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("total = %d, want 3 (history preserved)", len(all))
	}

	// The retired row still belongs to run1.
	fromRun1, err := s.ListOccurrencesByRun(ctx, run1.ID)
	if err != nil {
		t.Fatalf("list run1: %v", err)
	}
	if len(fromRun1) != 1 || fromRun1[0].Active {
		t.Fatalf("run1 occurrences = %+v", fromRun1)
	}
}

func TestDeleteDiary_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDiary(t, s, "cascade")
	c := seedCompany(t, s, "Cascata SA", "")
	run := &ProcessingRun{DiaryID: d.ID}
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	_, err := s.ReplaceOccurrences(ctx, d.ID, run.ID, []*Occurrence{
		{CompanyID: c.ID, MatchKind: "nome", Term: "cascata sa",
			StartOffset: 0, EndOffset: 10, Page: 1, Score: 0.9, Reliability: "alta"},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	if err := s.DeleteDiary(ctx, d.ID); err != nil {
		t.Fatalf("delete diary: %v", err)
	}
	occs, err := s.ListOccurrencesByDiary(ctx, d.ID, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(occs) != 0 {
		t.Fatalf("occurrences survived diary deletion: %+v", occs)
	}
	runs, err := s.ListRunsByDiary(ctx, d.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("runs survived diary deletion: %+v", runs)
	}
}

func TestMarkNotified_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDiary(t, s, "notif")
	c := seedCompany(t, s, "Notifica SA", "")
	run := &ProcessingRun{DiaryID: d.ID}
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if _, err := s.ReplaceOccurrences(ctx, d.ID, run.ID, []*Occurrence{
		{CompanyID: c.ID, MatchKind: "nome", Term: "notifica sa",
			StartOffset: 0, EndOffset: 11, Page: 1, Score: 0.9, Reliability: "alta"},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	occs, _ := s.ListOccurrencesByDiary(ctx, d.ID, true)
	id := occs[0].ID

	first, err := s.MarkNotified(ctx, id, ChannelEmail)
	if err != nil || !first {
		t.Fatalf("first mark: ok=%v err=%v", first, err)
	}
	second, err := s.MarkNotified(ctx, id, ChannelEmail)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second {
		t.Fatal("second mark reported a fresh update; duplicate send possible")
	}

	// The other channel is independent.
	wa, err := s.MarkNotified(ctx, id, ChannelWhatsApp)
	if err != nil || !wa {
		t.Fatalf("whatsapp mark: ok=%v err=%v", wa, err)
	}

	if _, err := s.MarkNotified(ctx, id, "pombo-correio"); err == nil {
		t.Fatal("unknown channel accepted")
	}
}

func TestSetOccurrenceReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDiary(t, s, "review")
	c := seedCompany(t, s, "Revisão SA", "")
	run := &ProcessingRun{DiaryID: d.ID}
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if _, err := s.ReplaceOccurrences(ctx, d.ID, run.ID, []*Occurrence{
		{CompanyID: c.ID, MatchKind: "variante", Term: "revisao",
			StartOffset: 0, EndOffset: 7, Page: 1, Score: 0.6, Reliability: "suspeito"},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	occs, _ := s.ListOccurrencesByDiary(ctx, d.ID, true)
	if occs[0].ReviewStatus != ReviewPendente {
		t.Fatalf("initial review = %q", occs[0].ReviewStatus)
	}

	if err := s.SetOccurrenceReview(ctx, occs[0].ID, ReviewFalsoPositivo); err != nil {
		t.Fatalf("set review: %v", err)
	}
	got, _ := s.GetOccurrence(ctx, occs[0].ID)
	if got.ReviewStatus != ReviewFalsoPositivo {
		t.Fatalf("review = %q", got.ReviewStatus)
	}

	if err := s.SetOccurrenceReview(ctx, occs[0].ID, "talvez"); err == nil {
		t.Fatal("invalid review status accepted")
	}
}

func TestSubscribers_JoinAndFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := seedCompany(t, s, "Assinada SA", "")
	u1 := &User{Name: "Ana", Email: "ana@example.com", Phone: "11999990000"}
	u2 := &User{Name: "Bruno", Email: "bruno@example.com"}
	for _, u := range []*User{u1, u2} {
		if err := s.InsertUser(ctx, u); err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}
	if err := s.Subscribe(ctx, &Subscription{
		UserID: u1.ID, CompanyID: c.ID, NotifyEmail: true, NotifyWhatsApp: true,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Subscribe(ctx, &Subscription{
		UserID: u2.ID, CompanyID: c.ID, NotifyEmail: true,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subs, err := s.Subscribers(ctx, c.ID)
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("subscribers = %d, want 2", len(subs))
	}
	if subs[0].Name != "Ana" || !subs[0].NotifyWhatsApp {
		t.Fatalf("ana = %+v", subs[0])
	}
	if subs[1].Name != "Bruno" || subs[1].NotifyWhatsApp {
		t.Fatalf("bruno = %+v", subs[1])
	}

	// Upsert flips flags in place instead of failing on the primary key.
	if err := s.Subscribe(ctx, &Subscription{
		UserID: u1.ID, CompanyID: c.ID, NotifyEmail: false, NotifyWhatsApp: true,
	}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	subs, _ = s.Subscribers(ctx, c.ID)
	if subs[0].NotifyEmail {
		t.Fatalf("email flag not updated: %+v", subs[0])
	}
}
