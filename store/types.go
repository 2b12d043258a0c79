package store

import "github.com/diariolab/gazeta/match"

// Diary / ProcessingRun statuses.
const (
	StatusPendente    = "pendente"
	StatusProcessando = "processando"
	StatusConcluido   = "concluido"
	StatusErro        = "erro"
)

// ProcessingRun types.
const (
	RunInitial   = "initial"
	RunReprocess = "reprocess"
)

// ProcessingRun modes.
const (
	ModeFull       = "full"
	ModeSearchOnly = "search_only"
)

// Occurrence review statuses.
const (
	ReviewPendente      = "pendente"
	ReviewAprovado      = "aprovado"
	ReviewFalsoPositivo = "falso_positivo"
)

// Notification channels.
const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"
)

// Diary is one uploaded gazette PDF for a given state and date.
type Diary struct {
	ID           string `json:"id"`
	StateCode    string `json:"state_code"`
	GazetteDate  string `json:"gazette_date"` // YYYY-MM-DD
	ContentHash  string `json:"content_hash"`
	StoragePath  string `json:"storage_path"`
	TextPath     string `json:"text_path"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Attempts     int    `json:"attempts"`
	UploaderID   string `json:"uploader_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Company is an entity monitored for mentions in diaries.
//
// Variants is a derived field: it is regenerated from name, CNPJ,
// inscrição estadual and custom terms on every write, never edited directly.
type Company struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	CNPJ              string          `json:"cnpj,omitempty"`
	InscricaoEstadual string          `json:"inscricao_estadual,omitempty"`
	CustomTerms       []string        `json:"custom_terms"`
	Variants          []match.Variant `json:"variants"`
	MinConfidence     float64         `json:"min_confidence"`
	Active            bool            `json:"active"`
	CreatedAt         int64           `json:"created_at"`
	UpdatedAt         int64           `json:"updated_at"`
}

// ProcessingRun is one attempt (initial or reprocess) to match a diary
// against all active companies.
type ProcessingRun struct {
	ID                 string `json:"id"`
	DiaryID            string `json:"diary_id"`
	RunType            string `json:"run_type"`
	Mode               string `json:"mode"`
	Status             string `json:"status"`
	ErrorMessage       string `json:"error_message,omitempty"`
	TotalOccurrences   int    `json:"total_occurrences"`
	NewOccurrences     int    `json:"new_occurrences"`
	RetiredOccurrences int    `json:"retired_occurrences"`
	Metadata           string `json:"metadata"` // free-form JSON
	StartedAt          int64  `json:"started_at"`
	FinishedAt         int64  `json:"finished_at"`
	CreatedAt          int64  `json:"created_at"`
}

// Occurrence is one match of a company inside a diary, produced by a
// specific processing run. Superseded occurrences are deactivated, never
// deleted (audit trail) — except by cascading diary deletion.
type Occurrence struct {
	ID                 string  `json:"id"`
	DiaryID            string  `json:"diary_id"`
	CompanyID          string  `json:"company_id"`
	RunID              string  `json:"run_id"`
	MatchKind          string  `json:"match_kind"`
	Term               string  `json:"term"`
	Context            string  `json:"context"`
	StartOffset        int     `json:"start_offset"`
	EndOffset          int     `json:"end_offset"`
	Page               int     `json:"page"`
	Score              float64 `json:"score"`
	Reliability        string  `json:"reliability"`
	ReviewStatus       string  `json:"review_status"`
	Active             bool    `json:"active"`
	NotifiedEmail      bool    `json:"notified_email"`
	NotifiedEmailAt    int64   `json:"notified_email_at,omitempty"`
	NotifiedWhatsApp   bool    `json:"notified_whatsapp"`
	NotifiedWhatsAppAt int64   `json:"notified_whatsapp_at,omitempty"`
	CreatedAt          int64   `json:"created_at"`
}

// User is a notification recipient (and admin-panel account).
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"created_at"`
}

// Subscription links a user to a company with per-channel opt-in flags.
type Subscription struct {
	UserID         string `json:"user_id"`
	CompanyID      string `json:"company_id"`
	NotifyEmail    bool   `json:"notify_email"`
	NotifyWhatsApp bool   `json:"notify_whatsapp"`
	CreatedAt      int64  `json:"created_at"`
}

// Subscriber is a resolved notification recipient for a company: the user
// joined with their subscription flags.
type Subscriber struct {
	User
	NotifyEmail    bool `json:"notify_email"`
	NotifyWhatsApp bool `json:"notify_whatsapp"`
}
