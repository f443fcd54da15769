package domain

import (
	"slices"
	"time"

	"github.com/ashureev/advisor-sim/internal/apperrors"
)

// SessionStatus is the lifecycle state of a simulation session.
// Transitions only move forward: created → active → evaluated → closed.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "created"
	StatusActive    SessionStatus = "active"
	StatusEvaluated SessionStatus = "evaluated"
	StatusClosed    SessionStatus = "closed"
)

func (s SessionStatus) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusActive:
		return 1
	case StatusEvaluated:
		return 2
	case StatusClosed:
		return 3
	default:
		return -1
	}
}

// SimulationSession holds the state of one practice conversation.
type SimulationSession struct {
	ID            string             `json:"id"`
	OwnerKey      string             `json:"ownerKey"`
	PrincipalKind PrincipalKind      `json:"principalKind"`
	SubjectType   SubjectType        `json:"subjectType"`
	SubjectRef    string             `json:"subjectRef"`
	Status        SessionStatus      `json:"status"`
	Transcript    []ConversationTurn `json:"transcript"`
	Evaluation    *EvaluationResult  `json:"evaluation,omitempty"`
	MentorHints   []MentorHint       `json:"mentorHints"`
	// Version increments on every persisted mutation.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Ephemeral sessions are rebuilt from client-supplied history and never stored.
	Ephemeral bool `json:"-"`
}

// NewSession creates a session in the created state.
func NewSession(id string, p Principal, subject Subject, now time.Time) *SimulationSession {
	return &SimulationSession{
		ID:            id,
		OwnerKey:      p.OwnerKey(),
		PrincipalKind: p.Kind(),
		SubjectType:   subject.Type,
		SubjectRef:    subject.Ref(),
		Status:        StatusCreated,
		Transcript:    []ConversationTurn{},
		MentorHints:   []MentorHint{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// OwnedBy reports whether p owns the session.
func (s *SimulationSession) OwnedBy(p Principal) bool {
	return p != nil && s.OwnerKey == p.OwnerKey()
}

func (s *SimulationSession) advance(to SessionStatus) error {
	if s.Status == StatusClosed {
		return apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	}
	if to.rank() < s.Status.rank() {
		return apperrors.Newf(apperrors.CodeConflict, "cannot move session from %s to %s", s.Status, to)
	}
	s.Status = to
	return nil
}

// Append adds a turn to the transcript. Prior turns are never modified.
func (s *SimulationSession) Append(turn ConversationTurn) error {
	if s.Status == StatusClosed {
		return apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	}
	if err := CheckNextTurn(s.Transcript, turn.Role, turn.Content); err != nil {
		return err
	}
	if s.Status == StatusCreated {
		if err := s.advance(StatusActive); err != nil {
			return err
		}
	}
	s.Transcript = append(s.Transcript, turn)
	s.UpdatedAt = turn.Timestamp
	return nil
}

// History returns a copy of the transcript in insertion order.
func (s *SimulationSession) History() []ConversationTurn {
	return slices.Clone(s.Transcript)
}

// AttachEvaluation replaces any previous evaluation with r.
func (s *SimulationSession) AttachEvaluation(r EvaluationResult, flags FeatureFlags) error {
	if !flags.EvaluatorEnabled {
		return apperrors.New(apperrors.CodeFeatureDisabled, "evaluator is not enabled")
	}
	if err := s.advance(StatusEvaluated); err != nil {
		return err
	}
	s.Evaluation = &r
	s.UpdatedAt = r.EvaluatedAt
	return nil
}

// AddHints appends mentor hints after the existing ones.
func (s *SimulationSession) AddHints(hints []MentorHint, flags FeatureFlags) error {
	if !flags.MentorEnabled {
		return apperrors.New(apperrors.CodeFeatureDisabled, "mentor is not enabled")
	}
	if s.Status == StatusClosed {
		return apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	}
	s.MentorHints = append(s.MentorHints, hints...)
	if n := len(hints); n > 0 {
		s.UpdatedAt = hints[n-1].CreatedAt
	}
	return nil
}

// Close moves the session to its terminal state. Closing twice is a no-op.
func (s *SimulationSession) Close(now time.Time) {
	if s.Status == StatusClosed {
		return
	}
	s.Status = StatusClosed
	s.UpdatedAt = now
}

// LastUserTurnIndex returns the index of the most recent user turn, or -1.
func (s *SimulationSession) LastUserTurnIndex() int {
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		if s.Transcript[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy suitable for staging mutations.
func (s *SimulationSession) Clone() *SimulationSession {
	c := *s
	c.Transcript = slices.Clone(s.Transcript)
	c.MentorHints = slices.Clone(s.MentorHints)
	if s.Evaluation != nil {
		ev := s.Evaluation.clone()
		c.Evaluation = &ev
	}
	return &c
}
