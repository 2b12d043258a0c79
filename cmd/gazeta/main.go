// Command gazeta runs the gazette monitoring service: PDF ingestion,
// text extraction and company matching, plus the notification consumers
// and the JSON API that drives the admin panel.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/diariolab/gazeta/audit"
	"github.com/diariolab/gazeta/auth"
	"github.com/diariolab/gazeta/blob"
	"github.com/diariolab/gazeta/dbopen"
	"github.com/diariolab/gazeta/ingest"
	"github.com/diariolab/gazeta/match"
	"github.com/diariolab/gazeta/notify"
	"github.com/diariolab/gazeta/pipeline"
	"github.com/diariolab/gazeta/settings"
	"github.com/diariolab/gazeta/shield"
	"github.com/diariolab/gazeta/store"
	"github.com/diariolab/gazeta/vtq"
)

// maxUploadBytes caps a single gazette PDF upload.
const maxUploadBytes = 100 << 20

func main() {
	configPath := flag.String("config", env("CONFIG", "gazeta.yml"), "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	jwtSecret := []byte(cfg.JWTSecret)
	if err := auth.ValidateSecret(jwtSecret); err != nil {
		slog.Error("jwt secret", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.ApplySchema(ctx); err != nil {
		slog.Error("apply schema", "error", err)
		os.Exit(1)
	}
	if err := shield.Init(db); err != nil {
		slog.Error("shield schema", "error", err)
		os.Exit(1)
	}

	cfgSvc := settings.New(db)
	if err := cfgSvc.EnsureTable(ctx); err != nil {
		slog.Error("settings schema", "error", err)
		os.Exit(1)
	}
	trail := audit.New(db, audit.WithLogger(logger))
	if err := trail.EnsureTable(ctx); err != nil {
		slog.Error("audit schema", "error", err)
		os.Exit(1)
	}
	defer trail.Close()

	// Blob storage for PDFs and cached text artifacts.
	blobs, err := blob.New(cfg.DataDir)
	if err != nil {
		slog.Error("blob store", "error", err)
		os.Exit(1)
	}

	// WhatsApp gateway credentials from the config file seed the settings
	// table so the admin API shows (and can change) the live values.
	if cfg.WhatsApp.URL != "" {
		if err := cfgSvc.Set(ctx, settings.KeyWhatsAppWebhookURL, cfg.WhatsApp.URL); err != nil {
			slog.Error("seed whatsapp url", "error", err)
			os.Exit(1)
		}
	}
	if cfg.WhatsApp.Token != "" {
		if err := cfgSvc.Set(ctx, settings.KeyWhatsAppToken, cfg.WhatsApp.Token); err != nil {
			slog.Error("seed whatsapp token", "error", err)
			os.Exit(1)
		}
	}
	// Queues. OnExhausted closures are bound after the runner and
	// dispatcher exist; the queues only start consuming in Run below.
	var runner *pipeline.Runner
	var dispatcher *notify.Dispatcher

	jobTimeout := time.Duration(cfgSvc.Int(ctx, settings.KeyProcessingTimeout, 300)) * time.Second
	maxRetries := cfgSvc.Int(ctx, settings.KeyMaxRetries, 3)
	procQ := vtq.New(db, vtq.Options{
		Queue:       "processing",
		Visibility:  jobTimeout,
		MaxAttempts: maxRetries,
		Backoff:     vtq.FixedBackoff(time.Minute),
		OnExhausted: func(ctx context.Context, job *vtq.Job, err error) {
			runner.OnExhausted(ctx, job, err)
		},
		Logger: logger,
	})
	// Per-channel retry limits are enforced inside the dispatcher, so the
	// queue itself places no attempt ceiling on delivery jobs.
	notifQ := vtq.New(db, vtq.Options{
		Queue:   "notifications",
		Backoff: notify.DeliveryBackoff,
		OnExhausted: func(ctx context.Context, job *vtq.Job, err error) {
			dispatcher.OnExhausted(ctx, job, err)
		},
		Logger: logger,
	})
	for _, q := range []*vtq.Q{procQ, notifQ} {
		if err := q.EnsureTable(ctx); err != nil {
			slog.Error("queue schema", "error", err)
			os.Exit(1)
		}
	}

	dispatcher = notify.New(st, cfgSvc, trail, notifQ,
		notify.NewSMTPSender(cfg.SMTP),
		notify.NewWhatsAppClientFromSettings(cfgSvc),
		notify.WithLogger(logger))
	runner = pipeline.New(st, blobs, match.New(), dispatcher, cfgSvc, trail, procQ,
		pipeline.WithLogger(logger))
	gate := ingest.New(st, blobs)

	if err := seedAdmin(ctx, st, cfg); err != nil {
		slog.Error("seed admin", "error", err)
		os.Exit(1)
	}

	// Consumers.
	go procQ.Run(ctx, runner.Handle)
	go notifQ.Run(ctx, dispatcher.Handle)

	// Router.
	api := &api{
		store:      st,
		blobs:      blobs,
		gate:       gate,
		runner:     runner,
		dispatcher: dispatcher,
		settings:   cfgSvc,
		trail:      trail,
		jwtSecret:  jwtSecret,
	}
	rl := shield.NewRateLimiter(db, "/health")
	rl.StartReloader(ctx.Done())

	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}
	r.Use(rl.Middleware)
	r.Use(auth.Middleware(jwtSecret)) // soft parse; route groups enforce

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Post("/api/auth/login", api.login)
	r.Post("/api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		auth.ClearTokenCookie(w)
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireSession)

		r.Get("/api/auth/me", api.me)

		r.Post("/api/diaries", api.uploadDiary)
		r.Get("/api/diaries", api.listDiaries)
		r.Get("/api/diaries/{id}", api.getDiary)
		r.Get("/api/diaries/{id}/runs", api.listRuns)
		r.Get("/api/diaries/{id}/occurrences", api.listDiaryOccurrences)

		r.Get("/api/occurrences/{id}", api.getOccurrence)
		r.Post("/api/occurrences/{id}/review", api.reviewOccurrence)

		r.Get("/api/companies", api.listCompanies)
		r.Get("/api/companies/{id}", api.getCompany)
		r.Get("/api/companies/{id}/occurrences", api.listCompanyOccurrences)

		r.Get("/api/users/{id}/subscriptions", api.listSubscriptions)
		r.Put("/api/users/{id}/subscriptions/{companyID}", api.subscribe)
		r.Delete("/api/users/{id}/subscriptions/{companyID}", api.unsubscribe)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireSession, requireAdmin)

		r.Post("/api/diaries/{id}/reprocess", api.reprocessDiary)
		r.Delete("/api/diaries/{id}", api.deleteDiary)

		r.Post("/api/companies", api.createCompany)
		r.Put("/api/companies/{id}", api.updateCompany)
		r.Delete("/api/companies/{id}", api.deleteCompany)

		r.Get("/api/users", api.listUsers)
		r.Post("/api/users", api.createUser)

		r.Get("/api/settings", api.getSettings)
		r.Put("/api/settings", api.putSettings)

		r.Get("/api/audit", api.queryAudit)
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// --- Auth middleware ---

// requireSession returns 401 JSON if no valid JWT claims in context.
// auth.Middleware (applied globally) does the soft parsing.
func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.GetClaims(r.Context()) == nil {
			writeJSON(w, 401, map[string]string{"error": "não autenticado"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := auth.GetClaims(r.Context())
		if c == nil || !c.IsAdmin() {
			writeJSON(w, 403, map[string]string{"error": "acesso restrito a administradores"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// seedAdmin creates the bootstrap admin account when no active admin
// exists, so a fresh install is reachable.
func seedAdmin(ctx context.Context, st *store.Store, cfg *Config) error {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.Role == auth.RoleAdmin && u.Status == "active" {
			return nil
		}
	}

	email := cfg.AdminEmail
	if email == "" {
		email = "admin@gazeta.local"
	}
	password := cfg.AdminPassword
	if password == "" {
		password = "admin123!!!"
		slog.Warn("admin seeded with default password, change it", "email", email)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u := &store.User{
		Name:         "admin",
		Email:        email,
		PasswordHash: string(hash),
		Role:         auth.RoleAdmin,
	}
	if err := st.InsertUser(ctx, u); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	slog.Info("admin user seeded", "email", email, "id", u.ID)
	return nil
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

var errNotFound = errors.New("não encontrado")
