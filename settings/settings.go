// Package settings stores runtime-tunable configuration in SQLite.
//
// Unlike the bootstrap config (file/env, read once at startup), settings
// change while the system runs: retry limits, channel toggles, the
// WhatsApp delivery window. Reads hit an in-memory cache; writes update
// the database and invalidate the cache synchronously, so a read after a
// write always sees the new value.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Well-known setting names.
const (
	KeyProcessingTimeout     = "processing.timeout" // seconds
	KeyMaxRetries            = "processing.max_retries"
	KeyEmailEnabled          = "notifications.email_enabled"
	KeyEmailRetryAttempts    = "notifications.email_retry_attempts"
	KeyWhatsAppEnabled       = "notifications.whatsapp_enabled"
	KeyWhatsAppRetryAttempts = "notifications.whatsapp_retry_attempts"
	KeyWhatsAppWindowStart   = "notifications.whatsapp_timeout_start"
	KeyWhatsAppWindowEnd     = "notifications.whatsapp_timeout_end"
	KeyWhatsAppWebhookURL    = "notifications.whatsapp_webhook_url"
	KeyWhatsAppToken         = "notifications.whatsapp_token"
	KeyDefaultPhonePrefix    = "notifications.default_phone_prefix"
)

// defaults apply when a setting has never been written.
var defaults = map[string]string{
	KeyProcessingTimeout:     "300",
	KeyMaxRetries:            "3",
	KeyEmailEnabled:          "true",
	KeyEmailRetryAttempts:    "3",
	KeyWhatsAppEnabled:       "true",
	KeyWhatsAppRetryAttempts: "3",
	KeyWhatsAppWindowStart:   "08:00",
	KeyWhatsAppWindowEnd:     "22:00",
	KeyDefaultPhonePrefix:    "+55",
}

// Service reads and writes settings with a write-through cache.
type Service struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]string
}

// New creates a settings Service. Call EnsureTable once at startup.
func New(db *sql.DB) *Service {
	return &Service{db: db, cache: make(map[string]string)}
}

// EnsureTable creates the settings table if it doesn't exist.
func (s *Service) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settings (
			name       TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

// Get returns a setting's value, falling back to the registered default.
// Unknown names with no default return "".
func (s *Service) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	v, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		value = defaults[name]
	} else if err != nil {
		return "", fmt.Errorf("settings: get %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()
	return value, nil
}

// Set writes a setting and refreshes the cache before returning.
func (s *Service) Set(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (name, value, updated_at) VALUES (?,?,?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", name, err)
	}
	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()
	return nil
}

// All returns every stored setting merged over the defaults.
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// Bool returns a boolean setting. Unparseable values fall back to def.
func (s *Service) Bool(ctx context.Context, name string, def bool) bool {
	v, err := s.Get(ctx, name)
	if err != nil || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int returns an integer setting. Unparseable values fall back to def.
func (s *Service) Int(ctx context.Context, name string, def int) int {
	v, err := s.Get(ctx, name)
	if err != nil || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ClockTime is a time of day with minute resolution ("HH:MM").
type ClockTime struct {
	Hour, Minute int
}

// Minutes returns the time of day as minutes since midnight.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("settings: invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("settings: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("settings: invalid minute in %q", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// Clock returns a time-of-day setting. Unparseable values fall back to def.
func (s *Service) Clock(ctx context.Context, name string, def ClockTime) ClockTime {
	v, err := s.Get(ctx, name)
	if err != nil || v == "" {
		return def
	}
	ct, err := ParseClockTime(v)
	if err != nil {
		return def
	}
	return ct
}
