// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/advisor-sim/internal/domain"
)

// Repository defines the interface for persisting subjects, guest codes and
// simulation sessions.
//
// Lookups return (nil, nil) when the record does not exist.
type Repository interface {
	// GetPersona retrieves a persona by ID.
	GetPersona(ctx context.Context, id string) (*domain.Persona, error)

	// GetScenario retrieves a scenario by ID.
	GetScenario(ctx context.Context, id string) (*domain.Scenario, error)

	// UpsertPersona creates or replaces a persona.
	UpsertPersona(ctx context.Context, p *domain.Persona) error

	// UpsertScenario creates or replaces a scenario.
	UpsertScenario(ctx context.Context, s *domain.Scenario) error

	// GetAccessCode retrieves a guest access code. The code must already be normalized.
	GetAccessCode(ctx context.Context, code string) (*domain.AccessCode, error)

	// UpsertAccessCode creates or replaces a guest access code.
	UpsertAccessCode(ctx context.Context, c *domain.AccessCode) error

	// GetUserFeatures retrieves stored feature flags for a registered user.
	GetUserFeatures(ctx context.Context, userID string) (*domain.FeatureFlags, error)

	// UpsertUserFeatures stores feature flags for a registered user.
	UpsertUserFeatures(ctx context.Context, userID string, flags domain.FeatureFlags) error

	// CreateSession inserts a new session at version 0.
	CreateSession(ctx context.Context, s *domain.SimulationSession) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*domain.SimulationSession, error)

	// SaveSession writes s only if the stored version still equals
	// expectedVersion (optimistic locking). On success s.Version is
	// expectedVersion+1. A stale version yields a CONFLICT error.
	SaveSession(ctx context.Context, s *domain.SimulationSession, expectedVersion int) error

	// ListIdleSessions returns non-closed sessions not updated since before cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.SimulationSession, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
