package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/domain"
	"github.com/ashureev/advisor-sim/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *store.SQLiteStore, *testClock) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	require.NoError(t, repo.UpsertPersona(ctx, &domain.Persona{ID: "p-jane", Name: "Jane Doe"}))
	require.NoError(t, repo.UpsertScenario(ctx, &domain.Scenario{ID: "sc-estate", Title: "Estate planning"}))

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	n := 0
	var mu sync.Mutex
	m := NewManager(repo, nil,
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("s%d", n)
		}),
	)
	return m, repo, clock
}

var (
	registered = domain.RegisteredUser{ID: "u1"}
	guest      = domain.GuestSession{Grant: domain.Grant{
		Code:       "ABC123",
		Assignment: domain.Assignment{Personas: []domain.Persona{{ID: "p-jane", Name: "Jane Doe"}}},
	}}
)

func TestStartResolvesSubjects(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, registered, "", "sc-estate")
	require.NoError(t, err)
	assert.Equal(t, domain.SubjectScenario, s.SubjectType)
	assert.Equal(t, domain.StatusCreated, s.Status)

	_, err = m.Start(ctx, registered, domain.SubjectPersona, "sc-estate")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSubject))

	_, err = m.Start(ctx, registered, "", "missing")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSubject))
}

func TestRegisteredUsersFallBackToDefaultSubject(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, registered, domain.SubjectPersona, "")
	require.NoError(t, err)
	assert.Equal(t, domain.GenericPersonaID, s.SubjectRef)

	subject, err := m.SubjectOf(ctx, registered, s)
	require.NoError(t, err)
	assert.Equal(t, domain.GenericPersona().Name, subject.Name())

	_, err = m.Start(ctx, registered, domain.SubjectScenario, "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSubject), "no default scenario configured")

	_, err = m.Start(ctx, guest, "", "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSubject), "guests must name a subject")

	WithDefaultSubjects("p-jane", "sc-estate")(m)
	s, err = m.Start(ctx, registered, "", "")
	require.NoError(t, err)
	assert.Equal(t, "p-jane", s.SubjectRef)

	s, err = m.Start(ctx, registered, domain.SubjectScenario, "")
	require.NoError(t, err)
	assert.Equal(t, "sc-estate", s.SubjectRef)
}

func TestStartLimitsGuestsToAssignment(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, guest, "", "p-jane")
	require.NoError(t, err)
	assert.Equal(t, "guest:ABC123", s.OwnerKey)

	_, err = m.Start(ctx, guest, "", "sc-estate")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSubject), "stored but unassigned subject")
}

func TestAppendTurnPersistsAndLeavesInputUntouched(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, registered, "", "p-jane")
	require.NoError(t, err)

	next, err := m.AppendTurn(ctx, s, domain.RoleUser, "Hello")
	require.NoError(t, err)
	assert.Empty(t, s.Transcript)
	assert.Len(t, next.Transcript, 1)
	assert.Equal(t, 1, next.Version)

	_, err = m.AppendTurn(ctx, next, domain.RoleUser, "Again")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRole))

	stored, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Transcript, 1)
}

func TestAppendTurnDetectsStaleVersion(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, registered, "", "p-jane")
	require.NoError(t, err)
	_, err = m.AppendTurn(ctx, s, domain.RoleUser, "first writer")
	require.NoError(t, err)

	_, err = m.AppendTurn(ctx, s, domain.RoleUser, "second writer")
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestGetHidesOtherOwners(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, registered, "", "p-jane")
	require.NoError(t, err)

	_, err = m.Get(ctx, domain.RegisteredUser{ID: "u2"}, s.ID)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	got, err := m.Get(ctx, registered, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestCloseIsForwardOnly(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, registered, "", "p-jane")
	require.NoError(t, err)

	closed, err := m.Close(ctx, registered, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)

	again, err := m.Close(ctx, registered, s.ID)
	require.NoError(t, err)
	assert.Equal(t, closed.Version, again.Version)

	_, err = m.AppendTurn(ctx, closed, domain.RoleUser, "Hello?")
	assert.True(t, errors.Is(err, apperrors.ErrSessionClosed))
}

func TestStartEphemeralValidatesHistory(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.StartEphemeral(ctx, registered, domain.SubjectPersona, "p-jane", []domain.ConversationTurn{
		{Role: domain.RoleUser, Content: "Hi"},
		{Role: domain.RoleAssistant, Content: "Hello"},
	})
	require.NoError(t, err)
	assert.True(t, s.Ephemeral)
	assert.Len(t, s.Transcript, 2)

	next, err := m.AppendTurn(ctx, s, domain.RoleUser, "Next")
	require.NoError(t, err)
	assert.Len(t, next.Transcript, 3)

	stored, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, stored, "ephemeral sessions are never stored")

	_, err = m.StartEphemeral(ctx, registered, domain.SubjectPersona, "p-jane", []domain.ConversationTurn{
		{Role: domain.RoleAssistant, Content: "a"},
		{Role: domain.RoleAssistant, Content: "b"},
	})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRole))
}

func TestSweepIdleClosesOnlyIdleSessions(t *testing.T) {
	m, repo, clock := newTestManager(t)
	ctx := context.Background()

	old, err := m.Start(ctx, registered, "", "p-jane")
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	fresh, err := m.Start(ctx, registered, "", "p-jane")
	require.NoError(t, err)

	var cleaned []string
	n := m.SweepIdle(ctx, 2*time.Hour, func(id string) { cleaned = append(cleaned, id) })

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{old.ID}, cleaned)

	got, err := repo.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)

	got, err = repo.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)
}

func TestStartSweeperStopsWithContext(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := m.StartSweeper(ctx, 10*time.Millisecond, time.Hour, nil)
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
