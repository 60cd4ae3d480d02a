package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/axlens/dbopen"
	"github.com/hazyhaar/axlens/idgen"
)

// SessionEvent records a lifecycle transition for a page session:
// attached, detached, released, evicted.
type SessionEvent struct {
	TargetID  string
	SessionID string
	Kind      string
	Detail    string // optional JSON
}

// EventLogger writes session lifecycle and HTTP request rows and manages
// retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogSession records a session lifecycle event. Non-blocking: errors are
// logged via slog but do not propagate, so a failing observability store
// never blocks page handling.
func (l *EventLogger) LogSession(ctx context.Context, event SessionEvent) {
	eventID := l.newID()
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO session_events (
			event_id, target_id, session_id, kind, detail, created_at
		) VALUES (?,?,?,?,?,?)`,
		eventID, event.TargetID, event.SessionID, event.Kind, event.Detail,
		time.Now().Unix())
	if err != nil {
		slog.Error("session event log failed", "error", err, "kind", event.Kind)
	}
}

// LogHTTP records one served HTTP request. Non-blocking like LogSession.
// The log_id column has a database-side default.
func (l *EventLogger) LogHTTP(ctx context.Context, method, path string, statusCode int, duration time.Duration, requestID, ipAddress, userAgent string) {
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO http_request_logs (
			method, path, status_code, duration_ms, request_id,
			ip_address, user_agent, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		method, path, statusCode, duration.Milliseconds(), requestID,
		ipAddress, userAgent, time.Now().Unix())
	if err != nil {
		slog.Error("http request log failed", "error", err, "path", path)
	}
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	AuditDays         int
	SessionEventsDays int
	HTTPLogsDays      int
	HeartbeatsDays    int
	RunVacuumAfter    bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	// allowedTables and allowedColumns are whitelists to prevent SQL injection
	// if this pattern is ever refactored to accept external input.
	allowedTables := map[string]bool{
		"audit_log":          true,
		"session_events":     true,
		"http_request_logs":  true,
		"service_heartbeats": true,
	}
	allowedColumns := map[string]bool{
		"created_at": true,
		"timestamp":  true,
	}

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"audit_log", "timestamp", cfg.AuditDays},
		{"session_events", "created_at", cfg.SessionEventsDays},
		{"http_request_logs", "created_at", cfg.HTTPLogsDays},
		{"service_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if !allowedTables[t.table] || !allowedColumns[t.column] {
			return fmt.Errorf("cleanup: invalid table/column %s/%s", t.table, t.column)
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
