// Package conversation manages simulation sessions and their transcripts.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/convlog"
	"github.com/ashureev/advisor-sim/internal/domain"
)

// Store is the persistence the manager needs.
type Store interface {
	GetPersona(ctx context.Context, id string) (*domain.Persona, error)
	GetScenario(ctx context.Context, id string) (*domain.Scenario, error)
	CreateSession(ctx context.Context, s *domain.SimulationSession) error
	GetSession(ctx context.Context, id string) (*domain.SimulationSession, error)
	SaveSession(ctx context.Context, s *domain.SimulationSession, expectedVersion int) error
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.SimulationSession, error)
}

// Manager owns session lifecycle. Every mutation is staged on a copy and
// persisted with a version check, so a failed call leaves the stored
// session untouched.
type Manager struct {
	store  Store
	convs  *convlog.Logger
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	defaultPersona  string
	defaultScenario string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// WithConversationLog records transcript events to l.
func WithConversationLog(l *convlog.Logger) Option {
	return func(m *Manager) { m.convs = l }
}

// WithDefaultSubjects sets the subjects registered users get when a request
// names no subjectRef. An empty persona id selects the built-in persona.
func WithDefaultSubjects(personaID, scenarioID string) Option {
	return func(m *Manager) {
		m.defaultPersona = personaID
		m.defaultScenario = scenarioID
	}
}

// NewManager creates a manager.
func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// ResolveSubject finds the persona or scenario p may simulate. Guests are
// limited to their assignment and must name a subject; registered users may
// use any stored subject and fall back to the default one.
// An empty subjectType matches personas first, then scenarios.
func (m *Manager) ResolveSubject(ctx context.Context, p domain.Principal, subjectType domain.SubjectType, ref string) (domain.Subject, error) {
	if ref == "" && p.Kind() != domain.PrincipalGuest {
		subjectType, ref = m.defaultSubject(subjectType)
	}
	if ref == "" {
		return domain.Subject{}, apperrors.New(apperrors.CodeInvalidSubject, "subjectRef is required")
	}

	if p.Kind() == domain.PrincipalGuest {
		subject, ok := p.CanUse(subjectType, ref)
		if !ok {
			return domain.Subject{}, apperrors.New(apperrors.CodeInvalidSubject, "subject is not assigned to this access code").
				WithMetadata("subject_ref", ref)
		}
		return subject, nil
	}

	if subjectType == "" || subjectType == domain.SubjectPersona {
		persona, err := m.store.GetPersona(ctx, ref)
		if err != nil {
			return domain.Subject{}, err
		}
		if persona != nil {
			return domain.Subject{Type: domain.SubjectPersona, Persona: persona}, nil
		}
		if ref == domain.GenericPersonaID {
			generic := domain.GenericPersona()
			return domain.Subject{Type: domain.SubjectPersona, Persona: &generic}, nil
		}
	}
	if subjectType == "" || subjectType == domain.SubjectScenario {
		scenario, err := m.store.GetScenario(ctx, ref)
		if err != nil {
			return domain.Subject{}, err
		}
		if scenario != nil {
			return domain.Subject{Type: domain.SubjectScenario, Scenario: scenario}, nil
		}
	}
	return domain.Subject{}, apperrors.New(apperrors.CodeInvalidSubject, "subject not found").
		WithMetadata("subject_ref", ref)
}

func (m *Manager) defaultSubject(subjectType domain.SubjectType) (domain.SubjectType, string) {
	if subjectType == domain.SubjectScenario {
		return subjectType, m.defaultScenario
	}
	if m.defaultPersona != "" {
		return domain.SubjectPersona, m.defaultPersona
	}
	return domain.SubjectPersona, domain.GenericPersonaID
}

// SubjectOf loads the subject a session simulates.
func (m *Manager) SubjectOf(ctx context.Context, p domain.Principal, s *domain.SimulationSession) (domain.Subject, error) {
	return m.ResolveSubject(ctx, p, s.SubjectType, s.SubjectRef)
}

// Start creates and persists a new session.
func (m *Manager) Start(ctx context.Context, p domain.Principal, subjectType domain.SubjectType, ref string) (*domain.SimulationSession, error) {
	subject, err := m.ResolveSubject(ctx, p, subjectType, ref)
	if err != nil {
		return nil, err
	}

	s := domain.NewSession(m.newID(), p, subject, m.now())
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.logger.Info("simulation session started",
		"session_id", s.ID,
		"owner", s.OwnerKey,
		"subject_type", s.SubjectType,
		"subject_ref", s.SubjectRef)
	m.convs.Log(convlog.Event{
		OwnerKey:  s.OwnerKey,
		SessionID: s.ID,
		EventType: convlog.EventSessionStarted,
		Meta:      map[string]string{"subject_ref": s.SubjectRef, "subject_type": string(s.SubjectType)},
	})
	return s, nil
}

// StartEphemeral builds an unsaved session from client-held history.
// Ordering rules are enforced on the supplied turns.
func (m *Manager) StartEphemeral(ctx context.Context, p domain.Principal, subjectType domain.SubjectType, ref string, history []domain.ConversationTurn) (*domain.SimulationSession, error) {
	subject, err := m.ResolveSubject(ctx, p, subjectType, ref)
	if err != nil {
		return nil, err
	}
	return m.rebuild(p, subject, history)
}

// FromHistory builds an unsaved session without a subject, for evaluation
// and mentoring of client-held transcripts.
func (m *Manager) FromHistory(p domain.Principal, history []domain.ConversationTurn) (*domain.SimulationSession, error) {
	return m.rebuild(p, domain.Subject{}, history)
}

func (m *Manager) rebuild(p domain.Principal, subject domain.Subject, history []domain.ConversationTurn) (*domain.SimulationSession, error) {
	turns, err := domain.BuildTranscript(history)
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := domain.NewSession("ephemeral-"+m.newID(), p, subject, now)
	s.Ephemeral = true
	for i := range turns {
		if turns[i].Timestamp.IsZero() {
			turns[i].Timestamp = now
		}
		if err := s.Append(turns[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get loads a session owned by p. Sessions owned by someone else are
// reported as not found.
func (m *Manager) Get(ctx context.Context, p domain.Principal, id string) (*domain.SimulationSession, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil || !s.OwnedBy(p) {
		return nil, apperrors.New(apperrors.CodeNotFound, "session not found").WithMetadata("session_id", id)
	}
	return s, nil
}

// History returns a read-only copy of the session transcript.
func (m *Manager) History(s *domain.SimulationSession) []domain.ConversationTurn {
	return s.History()
}

// AppendTurn appends one turn and persists it. The returned session is a
// new value; s is not modified.
func (m *Manager) AppendTurn(ctx context.Context, s *domain.SimulationSession, role domain.Role, content string) (*domain.SimulationSession, error) {
	next := s.Clone()
	turn := domain.ConversationTurn{Role: role, Content: content, Timestamp: m.now()}
	if err := next.Append(turn); err != nil {
		return nil, err
	}
	if err := m.Commit(ctx, next, s.Version); err != nil {
		return nil, err
	}
	m.logTurn(next, turn)
	return next, nil
}

// Commit persists a staged session if nobody saved since expectedVersion.
// Ephemeral sessions are not stored.
func (m *Manager) Commit(ctx context.Context, staged *domain.SimulationSession, expectedVersion int) error {
	if staged.Ephemeral {
		return nil
	}
	if err := m.store.SaveSession(ctx, staged, expectedVersion); err != nil {
		return err
	}
	return nil
}

// RecordTurns logs turns that were committed by another component.
func (m *Manager) RecordTurns(s *domain.SimulationSession, turns ...domain.ConversationTurn) {
	for _, t := range turns {
		m.logTurn(s, t)
	}
}

// RecordEvent logs a non-turn event for s.
func (m *Manager) RecordEvent(s *domain.SimulationSession, kind convlog.EventType, content string) {
	if s.Ephemeral {
		return
	}
	m.convs.Log(convlog.Event{OwnerKey: s.OwnerKey, SessionID: s.ID, EventType: kind, Content: content})
}

func (m *Manager) logTurn(s *domain.SimulationSession, t domain.ConversationTurn) {
	kind := convlog.EventUserTurn
	if t.Role == domain.RoleAssistant {
		kind = convlog.EventAssistantTurn
	}
	m.RecordEvent(s, kind, t.Content)
}

// Close moves a session owned by p to Closed. Closing a closed session
// succeeds without another write.
func (m *Manager) Close(ctx context.Context, p domain.Principal, id string) (*domain.SimulationSession, error) {
	s, err := m.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return m.close(ctx, s)
}

func (m *Manager) close(ctx context.Context, s *domain.SimulationSession) (*domain.SimulationSession, error) {
	if s.Status == domain.StatusClosed {
		return s, nil
	}
	next := s.Clone()
	next.Close(m.now())
	if err := m.Commit(ctx, next, s.Version); err != nil {
		return nil, err
	}
	m.logger.Info("simulation session closed", "session_id", next.ID, "owner", next.OwnerKey)
	m.RecordEvent(next, convlog.EventSessionClosed, "")
	return next, nil
}
