package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/domain"
	"github.com/ashureev/advisor-sim/internal/shared"
)

// SQLiteStore implements Repository using SQLite. Records are stored as JSON
// documents next to the few columns that queries filter on.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS access_codes (
		code TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_features (
		user_id TEXT PRIMARY KEY,
		mentor_enabled INTEGER NOT NULL,
		evaluator_enabled INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_key TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		doc TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(updated_at) WHERE status != 'closed';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := shared.RetryOnBusy(ctx, s.retry, op, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// getDoc loads a JSON document into dst. It reports false when no row matched.
func (s *SQLiteStore) getDoc(ctx context.Context, query, key string, dst any) (bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// GetPersona retrieves a persona by ID.
func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (*domain.Persona, error) {
	var p domain.Persona
	ok, err := s.getDoc(ctx, `SELECT doc FROM personas WHERE id = ?`, id, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// UpsertPersona creates or replaces a persona.
func (s *SQLiteStore) UpsertPersona(ctx context.Context, p *domain.Persona) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode persona: %w", err)
	}
	_, err = s.exec(ctx, "upsert persona", `
		INSERT INTO personas (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, p.ID, string(doc))
	return err
}

// GetScenario retrieves a scenario by ID.
func (s *SQLiteStore) GetScenario(ctx context.Context, id string) (*domain.Scenario, error) {
	var sc domain.Scenario
	ok, err := s.getDoc(ctx, `SELECT doc FROM scenarios WHERE id = ?`, id, &sc)
	if err != nil || !ok {
		return nil, err
	}
	sc.Normalize()
	return &sc, nil
}

// UpsertScenario creates or replaces a scenario.
func (s *SQLiteStore) UpsertScenario(ctx context.Context, sc *domain.Scenario) error {
	sc.Normalize()
	doc, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	_, err = s.exec(ctx, "upsert scenario", `
		INSERT INTO scenarios (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, sc.ID, string(doc))
	return err
}

// GetAccessCode retrieves a guest access code.
func (s *SQLiteStore) GetAccessCode(ctx context.Context, code string) (*domain.AccessCode, error) {
	var c domain.AccessCode
	ok, err := s.getDoc(ctx, `SELECT doc FROM access_codes WHERE code = ?`, code, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// UpsertAccessCode creates or replaces a guest access code.
func (s *SQLiteStore) UpsertAccessCode(ctx context.Context, c *domain.AccessCode) error {
	c.Code = domain.NormalizeCode(c.Code)
	if c.Code == "" {
		return apperrors.New(apperrors.CodeInvalidInput, "access code cannot be empty")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode access code: %w", err)
	}
	_, err = s.exec(ctx, "upsert access code", `
		INSERT INTO access_codes (code, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		c.Code, string(doc), time.Now().UnixMilli())
	return err
}

// GetUserFeatures retrieves stored feature flags for a registered user.
func (s *SQLiteStore) GetUserFeatures(ctx context.Context, userID string) (*domain.FeatureFlags, error) {
	var flags domain.FeatureFlags
	err := s.db.QueryRowContext(ctx,
		`SELECT mentor_enabled, evaluator_enabled FROM user_features WHERE user_id = ?`, userID,
	).Scan(&flags.MentorEnabled, &flags.EvaluatorEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user features: %w", err)
	}
	return &flags, nil
}

// UpsertUserFeatures stores feature flags for a registered user.
func (s *SQLiteStore) UpsertUserFeatures(ctx context.Context, userID string, flags domain.FeatureFlags) error {
	_, err := s.exec(ctx, "upsert user features", `
		INSERT INTO user_features (user_id, mentor_enabled, evaluator_enabled) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			mentor_enabled = excluded.mentor_enabled,
			evaluator_enabled = excluded.evaluator_enabled`,
		userID, flags.MentorEnabled, flags.EvaluatorEnabled)
	return err
}

// CreateSession inserts a new session at version 0.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.SimulationSession) error {
	if sess.Ephemeral {
		return fmt.Errorf("create session %s: ephemeral sessions are not persisted", sess.ID)
	}
	sess.Version = 0
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.exec(ctx, "create session", `
		INSERT INTO sessions (id, owner_key, status, version, doc, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)`,
		sess.ID, sess.OwnerKey, string(sess.Status), string(doc),
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.SimulationSession, error) {
	var sess domain.SimulationSession
	var version int
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT version, doc FROM sessions WHERE id = ?`, id).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	sess.Version = version
	return &sess, nil
}

// SaveSession writes sess if the stored version equals expectedVersion.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.SimulationSession, expectedVersion int) error {
	next := *sess
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	res, err := s.exec(ctx, "save session", `
		UPDATE sessions SET status = ?, version = ?, doc = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Status), next.Version, string(doc), next.UpdatedAt.UnixMilli(),
		sess.ID, expectedVersion)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		existing, getErr := s.GetSession(ctx, sess.ID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return apperrors.New(apperrors.CodeNotFound, "session not found").WithMetadata("session_id", sess.ID)
		}
		slog.Warn("SaveSession version mismatch",
			"session_id", sess.ID,
			"expected_version", expectedVersion,
			"stored_version", existing.Version)
		return apperrors.New(apperrors.CodeConflict, "session was modified concurrently").
			WithMetadata("session_id", sess.ID)
	}

	sess.Version = next.Version
	return nil
}

// ListIdleSessions returns non-closed sessions last updated before cutoff.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.SimulationSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, doc FROM sessions WHERE status != 'closed' AND updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.SimulationSession
	for rows.Next() {
		var version int
		var doc string
		if err := rows.Scan(&version, &doc); err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		var sess domain.SimulationSession
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			return nil, fmt.Errorf("decode idle session: %w", err)
		}
		sess.Version = version
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}
