// Package simulation drives simulated client replies, transcript
// evaluation and mentor coaching.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/completion"
	"github.com/ashureev/advisor-sim/internal/conversation"
	"github.com/ashureev/advisor-sim/internal/convlog"
	"github.com/ashureev/advisor-sim/internal/domain"
)

// Engine runs the response driver, the evaluation pipeline and the mentor
// generator against sessions held by a conversation manager.
//
// Each operation stages its changes on a copy of the session and commits
// only after the completion call succeeded, so an upstream failure never
// leaves a partial transcript behind.
type Engine struct {
	conv    *conversation.Manager
	llm     completion.Client
	prompts *Prompts
	timeout time.Duration
	logger  *slog.Logger
}

// Config holds engine settings.
type Config struct {
	// Timeout bounds every completion call.
	Timeout time.Duration
	// WindowTurns limits how many prior turns accompany a reply request.
	WindowTurns int
}

// NewEngine creates an engine.
func NewEngine(conv *conversation.Manager, llm completion.Client, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("completion timeout must be positive")
	}
	prompts, err := NewPrompts(cfg.WindowTurns)
	if err != nil {
		return nil, err
	}
	return &Engine{
		conv:    conv,
		llm:     llm,
		prompts: prompts,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

func (e *Engine) complete(ctx context.Context, s *domain.SimulationSession, req completion.Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.llm.Complete(callCtx, req)
	if err != nil {
		e.logger.Warn("completion failed",
			"purpose", req.Purpose,
			"session_id", s.ID,
			"duration", time.Since(start),
			"error", err)
		msg := "completion service unavailable"
		if callCtx.Err() != nil && ctx.Err() == nil {
			msg = "completion service timed out"
		}
		return "", apperrors.Wrap(apperrors.CodeUpstreamUnavailable, msg, err).
			WithMetadata("purpose", req.Purpose)
	}
	e.logger.Debug("completion finished",
		"purpose", req.Purpose,
		"session_id", s.ID,
		"duration", time.Since(start),
		"response_len", len(resp.Text))
	return resp.Text, nil
}

func (e *Engine) subjectFor(ctx context.Context, p domain.Principal, s *domain.SimulationSession) (domain.Subject, error) {
	if s.SubjectRef == "" {
		return domain.Subject{}, nil
	}
	return e.conv.SubjectOf(ctx, p, s)
}

// NextTurn sends userMessage to the simulated client and returns the updated
// session with both the user turn and the assistant reply appended.
func (e *Engine) NextTurn(ctx context.Context, p domain.Principal, s *domain.SimulationSession, userMessage string) (*domain.SimulationSession, domain.ConversationTurn, error) {
	userMessage = strings.TrimSpace(userMessage)
	if s.Status == domain.StatusClosed {
		return nil, domain.ConversationTurn{}, apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	}
	if err := domain.CheckNextTurn(s.Transcript, domain.RoleUser, userMessage); err != nil {
		return nil, domain.ConversationTurn{}, err
	}

	subject, err := e.conv.SubjectOf(ctx, p, s)
	if err != nil {
		return nil, domain.ConversationTurn{}, err
	}
	req, err := e.prompts.Reply(subject, s.Transcript, userMessage)
	if err != nil {
		return nil, domain.ConversationTurn{}, err
	}

	text, err := e.complete(ctx, s, req)
	if err != nil {
		return nil, domain.ConversationTurn{}, err
	}

	staged := s.Clone()
	userTurn := domain.ConversationTurn{Role: domain.RoleUser, Content: userMessage, Timestamp: e.conv.Now()}
	reply := domain.ConversationTurn{Role: domain.RoleAssistant, Content: text, Timestamp: e.conv.Now()}
	if err := staged.Append(userTurn); err != nil {
		return nil, domain.ConversationTurn{}, err
	}
	if err := staged.Append(reply); err != nil {
		return nil, domain.ConversationTurn{}, err
	}
	if err := e.conv.Commit(ctx, staged, s.Version); err != nil {
		return nil, domain.ConversationTurn{}, err
	}

	e.conv.RecordTurns(staged, userTurn, reply)
	return staged, reply, nil
}

// Evaluate scores the transcript and stores the result, replacing any
// earlier evaluation. The transcript itself is not modified.
func (e *Engine) Evaluate(ctx context.Context, p domain.Principal, s *domain.SimulationSession) (*domain.SimulationSession, domain.EvaluationResult, error) {
	flags := p.Features()
	if !flags.EvaluatorEnabled {
		return nil, domain.EvaluationResult{}, apperrors.New(apperrors.CodeFeatureDisabled, "evaluator is not enabled for this account")
	}
	if s.Status == domain.StatusClosed {
		return nil, domain.EvaluationResult{}, apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	}
	if s.LastUserTurnIndex() < 0 {
		return nil, domain.EvaluationResult{}, apperrors.New(apperrors.CodeInvalidInput, "conversation has no advisor turns to evaluate")
	}

	subject, err := e.subjectFor(ctx, p, s)
	if err != nil {
		return nil, domain.EvaluationResult{}, err
	}
	req, err := e.prompts.Evaluation(subject, s.Transcript)
	if err != nil {
		return nil, domain.EvaluationResult{}, err
	}
	text, err := e.complete(ctx, s, req)
	if err != nil {
		return nil, domain.EvaluationResult{}, err
	}

	result, err := parseEvaluation(text)
	if err != nil {
		e.logger.Warn("unusable evaluation response", "session_id", s.ID, "error", err)
		return nil, domain.EvaluationResult{}, apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "evaluation response was not valid", err)
	}
	result.TranscriptLen = len(s.Transcript)
	result.EvaluatedAt = e.conv.Now()

	staged := s.Clone()
	if err := staged.AttachEvaluation(result, flags); err != nil {
		return nil, domain.EvaluationResult{}, err
	}
	if err := e.conv.Commit(ctx, staged, s.Version); err != nil {
		return nil, domain.EvaluationResult{}, err
	}

	e.conv.RecordEvent(staged, convlog.EventEvaluation, fmt.Sprintf("overall=%d", result.OverallScore))
	return staged, *staged.Evaluation, nil
}

// Suggest produces mentor hints anchored to the most recent user turn and
// appends them to the session.
func (e *Engine) Suggest(ctx context.Context, p domain.Principal, s *domain.SimulationSession) (*domain.SimulationSession, []domain.MentorHint, error) {
	flags := p.Features()
	if !flags.MentorEnabled {
		return nil, nil, apperrors.New(apperrors.CodeFeatureDisabled, "mentor is not enabled for this account")
	}
	if s.Status == domain.StatusClosed {
		return nil, nil, apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	}
	anchor := s.LastUserTurnIndex()
	if anchor < 0 {
		return nil, nil, apperrors.New(apperrors.CodeInvalidInput, "conversation has no advisor turns to coach")
	}

	subject, err := e.subjectFor(ctx, p, s)
	if err != nil {
		return nil, nil, err
	}
	req, err := e.prompts.Mentor(subject, s.Transcript, anchor)
	if err != nil {
		return nil, nil, err
	}
	text, err := e.complete(ctx, s, req)
	if err != nil {
		return nil, nil, err
	}

	texts, err := parseHints(text)
	if err != nil {
		e.logger.Warn("unusable mentor response", "session_id", s.ID, "error", err)
		return nil, nil, apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "mentor response was not valid", err)
	}
	now := e.conv.Now()
	hints := make([]domain.MentorHint, 0, len(texts))
	for _, t := range texts {
		hints = append(hints, domain.MentorHint{Text: t, TurnIndex: anchor, CreatedAt: now})
	}

	staged := s.Clone()
	if err := staged.AddHints(hints, flags); err != nil {
		return nil, nil, err
	}
	if err := e.conv.Commit(ctx, staged, s.Version); err != nil {
		return nil, nil, err
	}

	e.conv.RecordEvent(staged, convlog.EventMentorHints, strings.Join(texts, "\n"))
	return staged, hints, nil
}
