package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/advisor-sim/internal/apperrors"
)

// CleanupCallback is called for each session the sweeper closes.
type CleanupCallback func(sessionID string)

// StartSweeper runs a background goroutine that periodically closes sessions
// idle for longer than ttl. It stops when ctx is cancelled; the returned
// channel is closed once the goroutine has exited.
func (m *Manager) StartSweeper(ctx context.Context, interval, ttl time.Duration, onCleanup CleanupCallback) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		m.logger.Info("session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				m.SweepIdle(ctx, ttl, onCleanup)
			case <-ctx.Done():
				m.logger.Info("session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// SweepIdle closes sessions not updated within ttl and returns how many it closed.
func (m *Manager) SweepIdle(ctx context.Context, ttl time.Duration, onCleanup CleanupCallback) int {
	idle, err := m.store.ListIdleSessions(ctx, m.now().Add(-ttl))
	if err != nil {
		m.logger.Error("session sweeper failed to list idle sessions", "error", err)
		return 0
	}
	if len(idle) == 0 {
		return 0
	}

	m.logger.Info("session sweeper found idle sessions", "count", len(idle))

	closed := 0
	for _, s := range idle {
		if _, err := m.close(ctx, s); err != nil {
			// A concurrent write means the session is no longer idle.
			if errors.Is(err, apperrors.ErrConflict) {
				m.logger.Debug("session sweeper skipped active session", "session_id", s.ID)
				continue
			}
			if ctx.Err() != nil {
				m.logger.Debug("session sweeper cancelled", "error", err)
				return closed
			}
			m.logger.Warn("session sweeper failed to close session", "session_id", s.ID, "error", err)
			continue
		}
		closed++
		if onCleanup != nil {
			onCleanup(s.ID)
		}
	}

	m.logger.Info("session sweeper cleanup completed", "closed", closed)
	return closed
}
