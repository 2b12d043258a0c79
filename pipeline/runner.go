// Package pipeline drives diary processing runs: claim the diary, extract
// its text, match it against active companies, version the occurrence set
// and hand fresh hits to the notifier.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/diariolab/gazeta/audit"
	"github.com/diariolab/gazeta/blob"
	"github.com/diariolab/gazeta/extract"
	"github.com/diariolab/gazeta/ingest"
	"github.com/diariolab/gazeta/match"
	"github.com/diariolab/gazeta/notify"
	"github.com/diariolab/gazeta/settings"
	"github.com/diariolab/gazeta/store"
	"github.com/diariolab/gazeta/vtq"
)

// ProcessJob is the queue payload for one processing run.
type ProcessJob struct {
	DiaryID string `json:"diary_id"`
	Mode    string `json:"mode,omitempty"` // full (default) or search_only
	Notify  bool   `json:"notify"`         // fan fresh hits out to subscribers
}

// Runner executes processing runs off the processing queue.
type Runner struct {
	store      *store.Store
	blobs      *blob.Store
	matcher    *match.Matcher
	dispatcher *notify.Dispatcher
	settings   *settings.Service
	trail      *audit.Trail
	queue      *vtq.Q

	log *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// New creates a Runner. queue must be the processing queue.
func New(st *store.Store, blobs *blob.Store, matcher *match.Matcher,
	dispatcher *notify.Dispatcher, cfg *settings.Service, trail *audit.Trail,
	queue *vtq.Q, opts ...Option) *Runner {
	r := &Runner{
		store:      st,
		blobs:      blobs,
		matcher:    matcher,
		dispatcher: dispatcher,
		settings:   cfg,
		trail:      trail,
		queue:      queue,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Enqueue schedules a processing run for a diary. notify=false suppresses
// the notification fan-out for the run (a silent re-index). The job ID is
// derived from the diary so a diary has at most one pending job.
func (r *Runner) Enqueue(ctx context.Context, diaryID, mode string, notify bool) error {
	payload, err := json.Marshal(ProcessJob{DiaryID: diaryID, Mode: mode, Notify: notify})
	if err != nil {
		return fmt.Errorf("pipeline: marshal job: %w", err)
	}
	return r.queue.Publish(ctx, "proc_"+diaryID, payload)
}

// Reprocess resets a diary's attempt budget and schedules a new run.
// This is the manual override for diaries stuck in erro.
func (r *Runner) Reprocess(ctx context.Context, diaryID, mode, actorID string, notify bool) error {
	diary, err := r.store.GetDiary(ctx, diaryID)
	if err != nil {
		return err
	}
	if diary == nil {
		return fmt.Errorf("pipeline: diary %s not found", diaryID)
	}
	if diary.Status == store.StatusProcessando {
		return fmt.Errorf("pipeline: diary %s is already being processed", diaryID)
	}
	if err := r.store.ResetDiaryAttempts(ctx, diaryID); err != nil {
		return err
	}
	r.trail.LogAsync(r.trail.Record("pipeline", "reprocess_requested", actorID,
		diaryID, map[string]any{"mode": mode, "notify": notify}, nil))
	return r.Enqueue(ctx, diaryID, mode, notify)
}

// Handle is the vtq handler for the processing queue.
func (r *Runner) Handle(ctx context.Context, job *vtq.Job) error {
	var pj ProcessJob
	if err := json.Unmarshal(job.Payload, &pj); err != nil {
		return fmt.Errorf("pipeline: bad job payload: %v: %w", err, vtq.ErrTerminal)
	}

	diary, err := r.store.GetDiary(ctx, pj.DiaryID)
	if err != nil {
		return err
	}
	if diary == nil {
		// Deleted while the job waited; nothing to do.
		return fmt.Errorf("pipeline: diary %s gone: %w", pj.DiaryID, vtq.ErrTerminal)
	}

	claimed, err := r.store.ClaimDiaryForProcessing(ctx, diary.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another run holds the diary; this job is redundant.
		r.log.Info("pipeline: diary already claimed", "diary", diary.ID)
		return nil
	}
	diary.Attempts++

	maxRetries := r.settings.Int(ctx, settings.KeyMaxRetries, 3)
	if diary.Attempts > maxRetries {
		msg := fmt.Sprintf("tentativas excedidas (%d)", diary.Attempts)
		_ = r.store.SetDiaryStatus(ctx, diary.ID, store.StatusErro, msg)
		return fmt.Errorf("pipeline: diary %s: %s: %w", diary.ID, msg, vtq.ErrTerminal)
	}

	prior, err := r.store.ListRunsByDiary(ctx, diary.ID)
	if err != nil {
		r.release(ctx, diary, maxRetries, err)
		return err
	}
	run := &store.ProcessingRun{
		DiaryID: diary.ID,
		RunType: RunTypeFor(len(prior)),
		Mode:    pj.Mode,
	}
	if err := r.store.InsertRun(ctx, run); err != nil {
		r.release(ctx, diary, maxRetries, err)
		return err
	}

	fresh, runErr := r.execute(ctx, diary, run)

	run.Status = store.StatusConcluido
	if runErr != nil {
		run.Status = store.StatusErro
		run.ErrorMessage = runErr.Error()
	}
	if err := r.store.FinishRun(ctx, run); err != nil {
		r.log.Error("pipeline: finish run", "run", run.ID, "error", err)
	}

	if runErr != nil {
		r.trail.LogAsync(r.trail.Record("pipeline", "run_finished", "", diary.ID,
			map[string]any{"run_id": run.ID}, runErr))
		if errors.Is(runErr, extract.ErrNoText) {
			// Retrying a scanned image-only PDF never helps.
			_ = r.store.SetDiaryStatus(ctx, diary.ID, store.StatusErro, runErr.Error())
			return fmt.Errorf("pipeline: %v: %w", runErr, vtq.ErrTerminal)
		}
		r.release(ctx, diary, maxRetries, runErr)
		return runErr
	}

	if err := r.store.SetDiaryStatus(ctx, diary.ID, store.StatusConcluido, ""); err != nil {
		return err
	}
	r.log.Info("pipeline: run finished",
		"diary", diary.ID, "run", run.ID, "type", run.RunType,
		"total", run.TotalOccurrences, "new", run.NewOccurrences,
		"retired", run.RetiredOccurrences)
	r.trail.LogAsync(r.trail.Record("pipeline", "run_finished", "", diary.ID,
		map[string]any{
			"run_id":  run.ID,
			"total":   run.TotalOccurrences,
			"new":     run.NewOccurrences,
			"retired": run.RetiredOccurrences,
		}, nil))

	if !pj.Notify {
		if len(fresh) > 0 {
			r.log.Info("pipeline: notifications suppressed for run",
				"diary", diary.ID, "fresh", len(fresh))
		}
		return nil
	}
	if err := r.dispatcher.FanOut(ctx, fresh); err != nil {
		// Notification fan-out failing must not fail the completed run;
		// the occurrences stay unnotified and visible in the panel.
		r.log.Error("pipeline: notification fan-out", "diary", diary.ID, "error", err)
	}
	return nil
}

// OnExhausted marks a diary erro when its processing job runs out of
// queue attempts.
func (r *Runner) OnExhausted(ctx context.Context, job *vtq.Job, err error) {
	var pj ProcessJob
	_ = json.Unmarshal(job.Payload, &pj)
	if pj.DiaryID == "" {
		return
	}
	r.log.Error("pipeline: processing abandoned", "diary", pj.DiaryID, "error", err)
	if diary, gerr := r.store.GetDiary(ctx, pj.DiaryID); gerr == nil && diary != nil &&
		diary.Status != store.StatusConcluido {
		_ = r.store.SetDiaryStatus(ctx, pj.DiaryID, store.StatusErro, err.Error())
	}
	r.trail.LogAsync(r.trail.Record("pipeline", "processing_abandoned", "",
		pj.DiaryID, map[string]any{"attempts": job.Attempts}, err))
}

// release puts a diary back where a failed run leaves it: pendente while
// retries remain, erro when the budget is spent.
func (r *Runner) release(ctx context.Context, diary *store.Diary, maxRetries int, cause error) {
	status := FailureStatus(diary.Attempts, maxRetries)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := r.store.SetDiaryStatus(ctx, diary.ID, status, msg); err != nil {
		r.log.Error("pipeline: release diary", "diary", diary.ID, "error", err)
	}
}

// execute runs extraction and matching for one claimed diary and stores
// the new occurrence set. It returns the occurrences that should trigger
// notifications (fresh hits not carried over from the previous run).
func (r *Runner) execute(ctx context.Context, diary *store.Diary, run *store.ProcessingRun) ([]*store.Occurrence, error) {
	res, err := r.extractText(ctx, diary, run.Mode)
	if err != nil {
		return nil, err
	}

	companies, err := r.store.ListActiveCompanies(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]match.Target, 0, len(companies))
	for _, c := range companies {
		targets = append(targets, match.Target{
			CompanyID:     c.ID,
			Variants:      c.Variants,
			MinConfidence: c.MinConfidence,
		})
	}

	candidates := r.matcher.Match(res.FullText, res.PageOffsets, targets)

	previous, err := r.store.ListOccurrencesByDiary(ctx, diary.ID, true)
	if err != nil {
		return nil, err
	}
	carried := make(map[string]*store.Occurrence, len(previous))
	for _, p := range previous {
		carried[occurrenceKey(p.CompanyID, p.StartOffset, p.EndOffset, p.Term)] = p
	}

	occs := make([]*store.Occurrence, 0, len(candidates))
	var fresh []*store.Occurrence
	for _, c := range candidates {
		o := &store.Occurrence{
			CompanyID:   c.CompanyID,
			MatchKind:   string(c.Kind),
			Term:        c.Term,
			Context:     c.Context,
			StartOffset: c.Start,
			EndOffset:   c.End,
			Page:        c.Page,
			Score:       c.Score,
			Reliability: c.Reliability,
		}
		// A hit unchanged since the previous run keeps its review verdict
		// and notified flags — reprocessing must not re-notify it.
		if p, ok := carried[occurrenceKey(o.CompanyID, o.StartOffset, o.EndOffset, o.Term)]; ok {
			o.ReviewStatus = p.ReviewStatus
			o.NotifiedEmail = p.NotifiedEmail
			o.NotifiedEmailAt = p.NotifiedEmailAt
			o.NotifiedWhatsApp = p.NotifiedWhatsApp
			o.NotifiedWhatsAppAt = p.NotifiedWhatsAppAt
		} else {
			fresh = append(fresh, o)
		}
		occs = append(occs, o)
	}

	retired, err := r.store.ReplaceOccurrences(ctx, diary.ID, run.ID, occs)
	if err != nil {
		return nil, err
	}
	run.TotalOccurrences = len(occs)
	run.NewOccurrences = len(fresh)
	run.RetiredOccurrences = retired - len(occs) + len(fresh)
	if run.RetiredOccurrences < 0 {
		run.RetiredOccurrences = 0
	}
	return fresh, nil
}

// extractText produces the diary's text. Full mode extracts from the PDF
// and caches the result as a blob artifact; search_only reuses the cached
// artifact and falls back to full extraction when none exists.
func (r *Runner) extractText(ctx context.Context, diary *store.Diary, mode string) (*extract.Result, error) {
	if mode == store.ModeSearchOnly && diary.TextPath != "" {
		f, err := r.blobs.Open(diary.TextPath)
		if err == nil {
			defer f.Close()
			var res extract.Result
			if err := json.NewDecoder(f).Decode(&res); err == nil {
				return &res, nil
			}
			r.log.Warn("pipeline: cached text unreadable, re-extracting", "diary", diary.ID)
		}
	}

	pdf, err := r.blobs.Open(diary.StoragePath)
	if err != nil {
		return nil, err
	}
	defer pdf.Close()

	res, err := extract.PDF(pdf)
	if err != nil {
		return nil, err
	}

	textKey := ingest.TextKey(diary.ContentHash)
	artifact, err := json.Marshal(res)
	if err == nil {
		if _, err := r.blobs.Put(textKey, bytes.NewReader(artifact)); err != nil {
			r.log.Warn("pipeline: caching text artifact", "diary", diary.ID, "error", err)
		} else if err := r.store.SetDiaryTextPath(ctx, diary.ID, textKey); err != nil {
			r.log.Warn("pipeline: recording text path", "diary", diary.ID, "error", err)
		}
	}
	return res, nil
}

func occurrenceKey(companyID string, start, end int, term string) string {
	return fmt.Sprintf("%s|%d|%d|%s", companyID, start, end, term)
}
