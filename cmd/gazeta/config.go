package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/diariolab/gazeta/notify"
)

// Config is the process bootstrap configuration. Everything operational
// (retry budgets, delivery windows, channel toggles) lives in the
// settings table instead, where it can change without a restart.
type Config struct {
	Port      int    `yaml:"port"`
	DataDir   string `yaml:"data_dir"`
	DBPath    string `yaml:"db_path"`
	JWTSecret string `yaml:"jwt_secret"`
	LogLevel  string `yaml:"log_level"`

	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`

	SMTP     notify.SMTPConfig `yaml:"smtp"`
	WhatsApp WhatsAppConfig    `yaml:"whatsapp"`
}

// WhatsAppConfig points at the WhatsApp gateway. Values given here seed
// the settings table at startup.
type WhatsAppConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// loadConfig builds the configuration from defaults, then the YAML file
// at path (if it exists), then environment variable overrides.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		Port:     8080,
		DataDir:  "./data",
		DBPath:   "./data/gazeta.db",
		LogLevel: "info",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Optional file: env and defaults carry the day.
		default:
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: PORT=%q: %w", v, err)
		}
		cfg.Port = p
	}
	cfg.DataDir = env("DATA_DIR", cfg.DataDir)
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.JWTSecret = env("JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	cfg.AdminEmail = env("ADMIN_EMAIL", cfg.AdminEmail)
	cfg.AdminPassword = env("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.SMTP.Host = env("SMTP_HOST", cfg.SMTP.Host)
	if v := os.Getenv("SMTP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: SMTP_PORT=%q: %w", v, err)
		}
		cfg.SMTP.Port = p
	}
	cfg.SMTP.Username = env("SMTP_USERNAME", cfg.SMTP.Username)
	cfg.SMTP.Password = env("SMTP_PASSWORD", cfg.SMTP.Password)
	cfg.SMTP.From = env("SMTP_FROM", cfg.SMTP.From)
	cfg.WhatsApp.URL = env("WHATSAPP_URL", cfg.WhatsApp.URL)
	cfg.WhatsApp.Token = env("WHATSAPP_TOKEN", cfg.WhatsApp.Token)

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}
	return cfg, nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
