package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/diariolab/gazeta/audit"
	"github.com/diariolab/gazeta/auth"
	"github.com/diariolab/gazeta/blob"
	"github.com/diariolab/gazeta/ingest"
	"github.com/diariolab/gazeta/notify"
	"github.com/diariolab/gazeta/pipeline"
	"github.com/diariolab/gazeta/settings"
	"github.com/diariolab/gazeta/shield"
	"github.com/diariolab/gazeta/store"
)

// api bundles the service handles the HTTP handlers need.
type api struct {
	store      *store.Store
	blobs      *blob.Store
	gate       *ingest.Gate
	runner     *pipeline.Runner
	dispatcher *notify.Dispatcher
	settings   *settings.Service
	trail      *audit.Trail
	jwtSecret  []byte
}

// --- Auth ---

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	u, err := a.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if u == nil || u.Status != "active" ||
		bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeJSON(w, 401, map[string]string{"error": "credenciais inválidas"})
		return
	}
	token, err := auth.GenerateToken(a.jwtSecret, &auth.Claims{
		UserID: u.ID, Name: u.Name, Role: u.Role, Email: u.Email,
	}, 24*time.Hour)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	auth.SetTokenCookie(w, token, secure)
	writeJSON(w, 200, map[string]string{
		"token": token, "id": u.ID, "name": u.Name, "role": u.Role,
	})
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	u, err := a.store.GetUser(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if u == nil {
		writeError(w, 404, errNotFound)
		return
	}
	writeJSON(w, 200, u)
}

// --- Diaries ---

func (a *api) uploadDiary(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, 400, err)
		return
	}
	defer file.Close()

	req := ingest.Request{
		StateCode:   r.FormValue("state_code"),
		GazetteDate: r.FormValue("gazette_date"),
		UploaderID:  auth.GetClaims(r.Context()).UserID,
	}
	if req.StateCode == "" {
		writeJSON(w, 400, map[string]string{"error": "state_code obrigatório"})
		return
	}
	if _, err := time.Parse("2006-01-02", req.GazetteDate); err != nil {
		writeJSON(w, 400, map[string]string{"error": "gazette_date deve ser YYYY-MM-DD"})
		return
	}

	diary, err := a.gate.Ingest(r.Context(), req, file)
	if err != nil {
		var dup *ingest.DuplicateError
		if errors.As(err, &dup) {
			writeJSON(w, 409, map[string]string{
				"error":             "diário já cadastrado",
				"existing_diary_id": dup.ExistingDiaryID,
			})
			return
		}
		writeError(w, 500, err)
		return
	}

	if err := a.runner.Enqueue(r.Context(), diary.ID, store.ModeFull, true); err != nil {
		writeError(w, 500, err)
		return
	}
	a.trail.LogAsync(a.trail.Record("diary", "diary_uploaded",
		req.UploaderID, diary.ID, map[string]string{
			"state_code":   diary.StateCode,
			"gazette_date": diary.GazetteDate,
			"content_hash": diary.ContentHash,
		}, nil))
	writeJSON(w, 201, diary)
}

func (a *api) listDiaries(w http.ResponseWriter, r *http.Request) {
	diaries, err := a.store.ListDiaries(r.Context(),
		r.URL.Query().Get("status"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, diaries)
}

func (a *api) getDiary(w http.ResponseWriter, r *http.Request) {
	diary, err := a.store.GetDiary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if diary == nil {
		writeError(w, 404, errNotFound)
		return
	}
	writeJSON(w, 200, diary)
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.store.ListRunsByDiary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, runs)
}

func (a *api) listDiaryOccurrences(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	occs, err := a.store.ListOccurrencesByDiary(r.Context(), chi.URLParam(r, "id"), activeOnly)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, occs)
}

func (a *api) reprocessDiary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode   string `json:"mode"`
		Notify *bool  `json:"notify"`
	}
	// An empty body means default mode with notifications on.
	_ = json.NewDecoder(r.Body).Decode(&req)
	notify := req.Notify == nil || *req.Notify
	id := chi.URLParam(r, "id")
	actorID := auth.GetClaims(r.Context()).UserID
	if err := a.runner.Reprocess(r.Context(), id, req.Mode, actorID, notify); err != nil {
		writeError(w, 409, err)
		return
	}
	writeJSON(w, 202, map[string]string{"status": "agendado"})
}

func (a *api) deleteDiary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	diary, err := a.store.GetDiary(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if diary == nil {
		writeError(w, 404, errNotFound)
		return
	}
	if err := a.store.DeleteDiary(ctx, diary.ID); err != nil {
		writeError(w, 500, err)
		return
	}
	// Blob cleanup is best effort: the rows are already gone.
	if err := a.blobs.Delete(diary.StoragePath); err != nil {
		shield.GetLogger(ctx).Warn("delete pdf blob", "error", err)
	}
	if diary.TextPath != "" {
		if err := a.blobs.Delete(diary.TextPath); err != nil {
			shield.GetLogger(ctx).Warn("delete text blob", "error", err)
		}
	}
	a.trail.LogAsync(a.trail.Record("diary", "diary_deleted",
		auth.GetClaims(ctx).UserID, diary.ID, nil, nil))
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

// --- Occurrences ---

func (a *api) getOccurrence(w http.ResponseWriter, r *http.Request) {
	occ, err := a.store.GetOccurrence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if occ == nil {
		writeError(w, 404, errNotFound)
		return
	}
	writeJSON(w, 200, occ)
}

func (a *api) reviewOccurrence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewStatus string `json:"review_status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	ctx := r.Context()
	occ, err := a.store.GetOccurrence(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if occ == nil {
		writeError(w, 404, errNotFound)
		return
	}
	if err := a.store.SetOccurrenceReview(ctx, occ.ID, req.ReviewStatus); err != nil {
		writeError(w, 400, err)
		return
	}
	occ.ReviewStatus = req.ReviewStatus

	// An approved suspeito hit is notifiable now.
	if req.ReviewStatus == store.ReviewAprovado {
		if err := a.dispatcher.NotifyOccurrence(ctx, occ); err != nil {
			writeError(w, 500, err)
			return
		}
	}
	a.trail.LogAsync(a.trail.Record("occurrence", "occurrence_reviewed",
		auth.GetClaims(ctx).UserID, occ.ID,
		map[string]string{"review_status": req.ReviewStatus}, nil))
	writeJSON(w, 200, occ)
}

// --- Companies ---

func (a *api) listCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := a.store.ListCompanies(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, companies)
}

func (a *api) getCompany(w http.ResponseWriter, r *http.Request) {
	c, err := a.store.GetCompany(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if c == nil {
		writeError(w, 404, errNotFound)
		return
	}
	writeJSON(w, 200, c)
}

func (a *api) createCompany(w http.ResponseWriter, r *http.Request) {
	var c store.Company
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, 400, err)
		return
	}
	if c.Name == "" {
		writeJSON(w, 400, map[string]string{"error": "name obrigatório"})
		return
	}
	if err := a.store.InsertCompany(r.Context(), &c); err != nil {
		writeError(w, 500, err)
		return
	}
	a.trail.LogAsync(a.trail.Record("company", "company_created",
		auth.GetClaims(r.Context()).UserID, c.ID, nil, nil))
	writeJSON(w, 201, c)
}

func (a *api) updateCompany(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	existing, err := a.store.GetCompany(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if existing == nil {
		writeError(w, 404, errNotFound)
		return
	}
	var c store.Company
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, 400, err)
		return
	}
	c.ID = existing.ID
	c.CreatedAt = existing.CreatedAt
	if err := a.store.UpdateCompany(ctx, &c); err != nil {
		writeError(w, 500, err)
		return
	}
	a.trail.LogAsync(a.trail.Record("company", "company_updated",
		auth.GetClaims(ctx).UserID, c.ID, nil, nil))
	writeJSON(w, 200, c)
}

func (a *api) deleteCompany(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := a.store.DeleteCompany(ctx, id); err != nil {
		writeError(w, 500, err)
		return
	}
	a.trail.LogAsync(a.trail.Record("company", "company_deleted",
		auth.GetClaims(ctx).UserID, id, nil, nil))
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (a *api) listCompanyOccurrences(w http.ResponseWriter, r *http.Request) {
	occs, err := a.store.ListOccurrencesByCompany(r.Context(),
		chi.URLParam(r, "id"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, occs)
}

// --- Users and subscriptions ---

func (a *api) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, users)
}

func (a *api) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Phone    string `json:"phone"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, 400, map[string]string{"error": "email e password obrigatórios"})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	u := &store.User{
		Name:         req.Name,
		Email:        req.Email,
		Phone:        req.Phone,
		PasswordHash: string(hash),
		Role:         req.Role,
	}
	if err := a.store.InsertUser(r.Context(), u); err != nil {
		writeError(w, 500, err)
		return
	}
	a.trail.LogAsync(a.trail.Record("user", "user_created",
		auth.GetClaims(r.Context()).UserID, u.ID, nil, nil))
	writeJSON(w, 201, u)
}

// canManageSubscriptions allows users to manage their own subscriptions;
// admins can manage anyone's.
func canManageSubscriptions(r *http.Request, userID string) bool {
	c := auth.GetClaims(r.Context())
	return c != nil && (c.IsAdmin() || c.UserID == userID)
}

func (a *api) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !canManageSubscriptions(r, userID) {
		writeJSON(w, 403, map[string]string{"error": "acesso negado"})
		return
	}
	subs, err := a.store.ListSubscriptionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, subs)
}

func (a *api) subscribe(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !canManageSubscriptions(r, userID) {
		writeJSON(w, 403, map[string]string{"error": "acesso negado"})
		return
	}
	var req struct {
		NotifyEmail    bool `json:"notify_email"`
		NotifyWhatsApp bool `json:"notify_whatsapp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	sub := &store.Subscription{
		UserID:         userID,
		CompanyID:      chi.URLParam(r, "companyID"),
		NotifyEmail:    req.NotifyEmail,
		NotifyWhatsApp: req.NotifyWhatsApp,
	}
	if err := a.store.Subscribe(r.Context(), sub); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, sub)
}

func (a *api) unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !canManageSubscriptions(r, userID) {
		writeJSON(w, 403, map[string]string{"error": "acesso negado"})
		return
	}
	if err := a.store.Unsubscribe(r.Context(), userID, chi.URLParam(r, "companyID")); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

// --- Settings and audit ---

func (a *api) getSettings(w http.ResponseWriter, r *http.Request) {
	all, err := a.settings.All(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, all)
}

func (a *api) putSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	ctx := r.Context()
	for name, value := range req {
		switch name {
		case settings.KeyWhatsAppWindowStart, settings.KeyWhatsAppWindowEnd:
			if _, err := settings.ParseClockTime(value); err != nil {
				writeError(w, 400, err)
				return
			}
		case settings.KeyMaxRetries, settings.KeyProcessingTimeout,
			settings.KeyEmailRetryAttempts, settings.KeyWhatsAppRetryAttempts:
			if _, err := strconv.Atoi(value); err != nil {
				writeJSON(w, 400, map[string]string{"error": name + " deve ser inteiro"})
				return
			}
		}
		if err := a.settings.Set(ctx, name, value); err != nil {
			writeError(w, 500, err)
			return
		}
	}
	a.trail.LogAsync(a.trail.Record("settings", "settings_updated",
		auth.GetClaims(ctx).UserID, "", req, nil))
	all, err := a.settings.All(ctx)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, all)
}

func (a *api) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := a.trail.Query(r.Context(), audit.Filter{
		Component: q.Get("component"),
		Action:    q.Get("action"),
		EntityID:  q.Get("entity_id"),
		Status:    q.Get("status"),
		Limit:     queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, entries)
}
