// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteConflictError reports whether err is a SQLITE_BUSY or
// "database is locked" error. Both are transient and warrant a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetryPolicy configures RetryOnBusy.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries three times with 100ms, 200ms backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnBusy runs fn, retrying with exponential backoff while it fails with
// a SQLite concurrency error. Other errors are returned immediately.
func RetryOnBusy(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}

	var err error
	for i := 0; i < policy.Attempts; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == policy.Attempts-1 {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<i)
		slog.Debug("sqlite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
