// Package shield provides the HTTP hardening middleware for the axlens
// API: security headers, request ids, body size limits, and per-IP rate
// limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(1<<20, rl) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context. Returns
// slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultAPIStack returns the standard middleware stack for the axlens API.
// Ordered: RequestID → SecurityHeaders → MaxBody → RateLimiter. A nil rate
// limiter is skipped.
func DefaultAPIStack(maxBody int64, rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		RequestID,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}
