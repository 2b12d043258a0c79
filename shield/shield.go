// Package shield provides reusable HTTP middleware for the gazeta API:
// security headers, body limits, request tracing, rate limiting, and HEAD
// method handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack() {
//	    r.Use(mw)
//	}
//	rl := shield.NewRateLimiter(db, "/health")
//	rl.StartReloader(done)
//	r.Use(rl.Middleware)
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultAPIStack returns the standard middleware stack for the API
// service, ordered: HeadToGet → SecurityHeaders → MaxJSONBody → TraceID.
// Rate limiting is wired separately because it needs a database handle.
func DefaultAPIStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(1 << 20),
		TraceID,
	}
}
