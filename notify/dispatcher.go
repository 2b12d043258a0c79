// Package notify fans occurrence notifications out to subscribers over
// email and WhatsApp.
//
// Delivery runs through the notifications queue: the pipeline (or a review
// approval) enqueues one job per occurrence and channel, and the queue
// consumer delivers it with channel-specific retry policies. The
// notified-at flags on the occurrence make delivery idempotent across
// queue redeliveries.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/diariolab/gazeta/audit"
	"github.com/diariolab/gazeta/match"
	"github.com/diariolab/gazeta/settings"
	"github.com/diariolab/gazeta/store"
	"github.com/diariolab/gazeta/vtq"
)

// whatsappBackoff grows the wait between gateway retries: a quick first
// retry for hiccups, then longer waits for real outages.
var whatsappBackoff = vtq.StepBackoff(time.Minute, 5*time.Minute, 15*time.Minute)

// DeliveryBackoff is the per-channel retry policy for delivery jobs:
// email relays get a fixed five-minute wait, the WhatsApp gateway gets
// the growing step curve.
func DeliveryBackoff(job *vtq.Job, attempt int) time.Duration {
	var del Delivery
	_ = json.Unmarshal(job.Payload, &del)
	if del.Channel == store.ChannelEmail {
		return 5 * time.Minute
	}
	return whatsappBackoff(job, attempt)
}

// Delivery is the queue payload for one occurrence/channel pair.
type Delivery struct {
	OccurrenceID string `json:"occurrence_id"`
	Channel      string `json:"channel"`
}

// Dispatcher resolves recipients and delivers notifications.
type Dispatcher struct {
	store    *store.Store
	settings *settings.Service
	trail    *audit.Trail
	queue    *vtq.Q
	email    EmailSender
	whatsapp WhatsAppSender

	log *slog.Logger
	now func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithClock overrides the wall clock, for window tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher. queue must be the notifications queue.
func New(st *store.Store, cfg *settings.Service, trail *audit.Trail, queue *vtq.Q,
	email EmailSender, whatsapp WhatsAppSender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		settings: cfg,
		trail:    trail,
		queue:    queue,
		email:    email,
		whatsapp: whatsapp,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// FanOut enqueues delivery jobs for a batch of fresh occurrences. Only
// alta-reliability hits notify automatically; suspeito ones wait for
// review approval (see NotifyOccurrence). Disabled channels are skipped
// at enqueue time.
func (d *Dispatcher) FanOut(ctx context.Context, occs []*store.Occurrence) error {
	for _, occ := range occs {
		if occ.Reliability != match.ReliabilityAlta {
			continue
		}
		if err := d.NotifyOccurrence(ctx, occ); err != nil {
			return err
		}
	}
	return nil
}

// NotifyOccurrence enqueues delivery jobs for one occurrence on every
// enabled channel. Channels already marked notified are skipped.
func (d *Dispatcher) NotifyOccurrence(ctx context.Context, occ *store.Occurrence) error {
	if d.settings.Bool(ctx, settings.KeyEmailEnabled, true) && !occ.NotifiedEmail {
		if err := d.enqueue(ctx, occ.ID, store.ChannelEmail); err != nil {
			return err
		}
	}
	if d.settings.Bool(ctx, settings.KeyWhatsAppEnabled, true) && !occ.NotifiedWhatsApp {
		if err := d.enqueue(ctx, occ.ID, store.ChannelWhatsApp); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, occurrenceID, channel string) error {
	payload, err := json.Marshal(Delivery{OccurrenceID: occurrenceID, Channel: channel})
	if err != nil {
		return fmt.Errorf("notify: marshal delivery: %w", err)
	}
	jobID := fmt.Sprintf("ntf_%s_%s", occurrenceID, channel)

	var delay time.Duration
	if channel == store.ChannelWhatsApp {
		if next := d.window(ctx).NextOpening(d.now()); next.After(d.now()) {
			delay = next.Sub(d.now())
		}
	}
	// Deterministic job IDs make re-enqueueing the same delivery a no-op.
	return d.queue.PublishIn(ctx, jobID, payload, delay)
}

// Handle is the vtq handler for the notifications queue.
func (d *Dispatcher) Handle(ctx context.Context, job *vtq.Job) error {
	var del Delivery
	if err := json.Unmarshal(job.Payload, &del); err != nil {
		return fmt.Errorf("notify: bad delivery payload: %v: %w", err, vtq.ErrTerminal)
	}

	occ, err := d.store.GetOccurrence(ctx, del.OccurrenceID)
	if err != nil {
		return err
	}
	if occ == nil {
		// Diary (and its occurrences) deleted while the job waited.
		return fmt.Errorf("notify: occurrence %s gone: %w", del.OccurrenceID, vtq.ErrTerminal)
	}
	if !occ.Active || occ.ReviewStatus == store.ReviewFalsoPositivo {
		d.log.Info("notify: skipping retired or rejected occurrence",
			"occurrence", occ.ID, "channel", del.Channel)
		return nil
	}

	switch del.Channel {
	case store.ChannelEmail:
		if occ.NotifiedEmail {
			return nil
		}
		if limit := d.settings.Int(ctx, settings.KeyEmailRetryAttempts, 3); job.Attempts > limit {
			return fmt.Errorf("notify: email retry limit %d reached: %w", limit, vtq.ErrTerminal)
		}
		return d.deliverEmail(ctx, occ)
	case store.ChannelWhatsApp:
		if occ.NotifiedWhatsApp {
			return nil
		}
		if limit := d.settings.Int(ctx, settings.KeyWhatsAppRetryAttempts, 3); job.Attempts > limit {
			return fmt.Errorf("notify: whatsapp retry limit %d reached: %w", limit, vtq.ErrTerminal)
		}
		return d.deliverWhatsApp(ctx, occ)
	default:
		return fmt.Errorf("notify: unknown channel %q: %w", del.Channel, vtq.ErrTerminal)
	}
}

// OnExhausted records a permanently failed delivery in the audit trail.
func (d *Dispatcher) OnExhausted(ctx context.Context, job *vtq.Job, err error) {
	var del Delivery
	_ = json.Unmarshal(job.Payload, &del)
	d.log.Error("notify: delivery abandoned",
		"occurrence", del.OccurrenceID, "channel", del.Channel,
		"attempts", job.Attempts, "error", err)
	d.trail.LogAsync(d.trail.Record("notify", "notification_abandoned", "",
		del.OccurrenceID, map[string]any{
			"channel":  del.Channel,
			"attempts": job.Attempts,
		}, err))
}

func (d *Dispatcher) deliverEmail(ctx context.Context, occ *store.Occurrence) error {
	company, diary, subs, err := d.resolve(ctx, occ)
	if err != nil {
		return err
	}

	subject := Subject(company, diary)
	body := Body(company, diary, occ)
	sent := 0
	for _, sub := range subs {
		if !sub.NotifyEmail || sub.Email == "" {
			continue
		}
		if err := d.email.SendEmail(ctx, sub.Email, subject, body); err != nil {
			return fmt.Errorf("notify: email %s: %w", sub.Email, err)
		}
		sent++
	}

	if _, err := d.store.MarkNotified(ctx, occ.ID, store.ChannelEmail); err != nil {
		return err
	}
	d.log.Info("notify: email delivered",
		"occurrence", occ.ID, "company", company.ID, "recipients", sent)
	d.trail.LogAsync(d.trail.Record("notify", "notification_sent", "", occ.ID,
		map[string]any{"channel": store.ChannelEmail, "recipients": sent}, nil))
	return nil
}

func (d *Dispatcher) deliverWhatsApp(ctx context.Context, occ *store.Occurrence) error {
	// The window is re-checked at delivery time: a retry or a long queue
	// backlog can push a job outside the hours it was enqueued for.
	if win := d.window(ctx); !win.Open(d.now()) {
		return &vtq.DeferError{Delay: win.NextOpening(d.now()).Sub(d.now())}
	}

	company, diary, subs, err := d.resolve(ctx, occ)
	if err != nil {
		return err
	}

	prefix, _ := d.settings.Get(ctx, settings.KeyDefaultPhonePrefix)
	body := Body(company, diary, occ)
	sent := 0
	for _, sub := range subs {
		if !sub.NotifyWhatsApp || sub.Phone == "" {
			continue
		}
		phone, err := NormalizePhone(sub.Phone, prefix)
		if err != nil {
			d.log.Warn("notify: skipping unparseable phone",
				"user", sub.ID, "error", err)
			continue
		}
		providerID, err := d.whatsapp.SendWhatsApp(ctx, phone, body)
		if err != nil {
			return err
		}
		d.log.Info("notify: whatsapp delivered",
			"occurrence", occ.ID, "user", sub.ID, "provider_id", providerID)
		sent++
	}

	if _, err := d.store.MarkNotified(ctx, occ.ID, store.ChannelWhatsApp); err != nil {
		return err
	}
	d.trail.LogAsync(d.trail.Record("notify", "notification_sent", "", occ.ID,
		map[string]any{"channel": store.ChannelWhatsApp, "recipients": sent}, nil))
	return nil
}

// resolve loads the occurrence's company, diary and subscriber set.
func (d *Dispatcher) resolve(ctx context.Context, occ *store.Occurrence) (*store.Company, *store.Diary, []*store.Subscriber, error) {
	company, err := d.store.GetCompany(ctx, occ.CompanyID)
	if err != nil {
		return nil, nil, nil, err
	}
	if company == nil {
		return nil, nil, nil, fmt.Errorf("notify: company %s gone: %w", occ.CompanyID, vtq.ErrTerminal)
	}
	diary, err := d.store.GetDiary(ctx, occ.DiaryID)
	if err != nil {
		return nil, nil, nil, err
	}
	if diary == nil {
		return nil, nil, nil, fmt.Errorf("notify: diary %s gone: %w", occ.DiaryID, vtq.ErrTerminal)
	}
	subs, err := d.store.Subscribers(ctx, occ.CompanyID)
	if err != nil {
		return nil, nil, nil, err
	}
	return company, diary, subs, nil
}

func (d *Dispatcher) window(ctx context.Context) Window {
	return Window{
		Start: d.settings.Clock(ctx, settings.KeyWhatsAppWindowStart, DefaultWindow.Start),
		End:   d.settings.Clock(ctx, settings.KeyWhatsAppWindowEnd, DefaultWindow.End),
	}
}
