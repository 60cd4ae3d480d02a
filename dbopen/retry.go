package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// The observability store takes concurrent writes from the audit flusher,
// the event logger, the metrics flusher and the heartbeat goroutine, all on
// one SQLite file. WAL plus busy_timeout absorbs most contention, but a
// checkpoint can still surface SQLITE_BUSY to a writer, so the write paths
// go through these retrying helpers.

const busyAttempts = 3

// IsBusy reports whether err is an SQLite contention error worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RunTx runs fn inside a transaction, retrying the whole transaction when it
// fails busy. Backoff grows linearly per attempt: 100ms, then 200ms.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		if err = txOnce(ctx, db, fn); err == nil || !IsBusy(err) {
			return err
		}
		if attempt < busyAttempts {
			if werr := retryWait(ctx, attempt); werr != nil {
				return fmt.Errorf("dbopen: retry interrupted: %w", werr)
			}
		}
	}
	return fmt.Errorf("dbopen: still busy after %d attempts: %w", busyAttempts, err)
}

func txOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// Exec runs a single statement with the same busy retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		if res, err = db.ExecContext(ctx, query, args...); err == nil || !IsBusy(err) {
			return res, err
		}
		if attempt < busyAttempts {
			if werr := retryWait(ctx, attempt); werr != nil {
				return nil, fmt.Errorf("dbopen: retry interrupted: %w", werr)
			}
		}
	}
	return nil, fmt.Errorf("dbopen: still busy after %d attempts: %w", busyAttempts, err)
}

func retryWait(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
