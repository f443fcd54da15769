// Package convlog writes conversation events as NDJSON, one file per
// session, through an asynchronous queue.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls the logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// EventType names what happened in a session.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventUserTurn       EventType = "user_turn"
	EventAssistantTurn  EventType = "assistant_turn"
	EventEvaluation     EventType = "evaluation"
	EventMentorHints    EventType = "mentor_hints"
	EventSessionClosed  EventType = "session_closed"
)

// Event is one NDJSON line.
type Event struct {
	Timestamp time.Time         `json:"ts"`
	OwnerKey  string            `json:"owner"`
	SessionID string            `json:"session_id"`
	Channel   string            `json:"channel,omitempty"`
	EventType EventType         `json:"event_type"`
	Content   string            `json:"content,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeName(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Logger is an asynchronous NDJSON writer. The zero value and a logger
// created with Enabled=false discard events.
type Logger struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	dropped atomic.Int64
}

// New creates a logger and starts its writer goroutine when enabled.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{dir: cfg.Dir, logger: logger}
	if !cfg.Enabled {
		return l, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log directory: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}
	l.queue = make(chan Event, size)
	l.done = make(chan struct{})
	go l.run()
	return l, nil
}

// Log enqueues e without blocking. Events are dropped when the queue is full.
func (l *Logger) Log(e Event) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.queue == nil || l.closed {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case l.queue <- e:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("conversation log queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes pending events and closes files.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.queue == nil || l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)

	files := make(map[string]*os.File)
	defer func() {
		for path, f := range files {
			if err := f.Close(); err != nil {
				l.logger.Warn("failed to close conversation log", "path", path, "error", err)
			}
		}
	}()

	for e := range l.queue {
		path := filepath.Join(l.dir, safeName(e.OwnerKey), safeName(e.SessionID)+".ndjson")
		f, ok := files[path]
		if !ok {
			var err error
			f, err = openAppend(path)
			if err != nil {
				l.logger.Warn("failed to open conversation log", "path", path, "error", err)
				continue
			}
			files[path] = f
		}

		line, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("failed to encode conversation event", "error", err)
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			l.logger.Warn("failed to write conversation log", "path", path, "error", err)
		}
		if e.EventType == EventSessionClosed {
			_ = f.Close()
			delete(files, path)
		}
	}
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
