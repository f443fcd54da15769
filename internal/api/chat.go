package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/domain"
	"github.com/ashureev/advisor-sim/internal/middleware"
)

// chatRequest is accepted by both the guest and the registered chat endpoints.
type chatRequest struct {
	Code                string                    `json:"code,omitempty"`
	Type                string                    `json:"type"`
	SubjectRef          string                    `json:"subjectRef"`
	SessionID           string                    `json:"sessionId"`
	Message             string                    `json:"message"`
	ConversationHistory []domain.ConversationTurn `json:"conversationHistory"`
	// Persist starts a stored session instead of an ephemeral one.
	Persist bool `json:"persist"`
}

type chatResponse struct {
	SessionID           string                    `json:"sessionId,omitempty"`
	Status              domain.SessionStatus      `json:"status"`
	AssistantTurn       domain.ConversationTurn   `json:"assistantTurn"`
	TranscriptLength    int                       `json:"transcriptLength"`
	ConversationHistory []domain.ConversationTurn `json:"conversationHistory,omitempty"`
}

type evaluateResponse struct {
	SessionID  string                  `json:"sessionId,omitempty"`
	Evaluation domain.EvaluationResult `json:"evaluation"`
}

type mentorResponse struct {
	SessionID string              `json:"sessionId,omitempty"`
	Hints     []domain.MentorHint `json:"hints"`
}

func annotateChat(r *http.Request, req *chatRequest) {
	middleware.Annotate(r.Context(), func(o *middleware.Observation) {
		o.MessageLength = len(req.Message)
		o.HistoryLength = len(req.ConversationHistory)
	})
}

func chatReply(s *domain.SimulationSession, reply domain.ConversationTurn) chatResponse {
	resp := chatResponse{
		Status:           s.Status,
		AssistantTurn:    reply,
		TranscriptLength: len(s.Transcript),
	}
	if s.Ephemeral {
		resp.ConversationHistory = s.Transcript
	} else {
		resp.SessionID = s.ID
	}
	return resp
}

// target loads or rebuilds the session a request operates on. A session id
// wins; otherwise the session is rebuilt from the supplied history.
func (h *Handler) target(r *http.Request, p domain.Principal, req *chatRequest) (*domain.SimulationSession, error) {
	if req.SessionID != "" {
		return h.conv.Get(r.Context(), p, req.SessionID)
	}
	subjectType, err := parseSubjectType(req.Type)
	if err != nil {
		return nil, err
	}
	if req.SubjectRef == "" {
		return h.conv.FromHistory(p, req.ConversationHistory)
	}
	return h.conv.StartEphemeral(r.Context(), p, subjectType, req.SubjectRef, req.ConversationHistory)
}

// Chat handles POST /api/chat for registered users.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	var req chatRequest
	if err := decode(r, &req); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	annotateChat(r, &req)

	var s *domain.SimulationSession
	switch {
	case req.SessionID != "":
		s, err = h.conv.Get(r.Context(), p, req.SessionID)
	case req.Persist:
		if len(req.ConversationHistory) > 0 {
			err = apperrors.New(apperrors.CodeInvalidInput, "conversationHistory cannot be combined with persist")
			break
		}
		var subjectType domain.SubjectType
		if subjectType, err = parseSubjectType(req.Type); err == nil {
			s, err = h.conv.Start(r.Context(), p, subjectType, req.SubjectRef)
		}
	default:
		var subjectType domain.SubjectType
		if subjectType, err = parseSubjectType(req.Type); err == nil {
			s, err = h.conv.StartEphemeral(r.Context(), p, subjectType, req.SubjectRef, req.ConversationHistory)
		}
	}
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}

	h.respondTurn(w, r, p, s, req.Message)
}

// GuestChat handles POST /api/guest/chat. Guests keep a stored session and
// continue it by id.
func (h *Handler) GuestChat(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	var req chatRequest
	if err := decode(r, &req); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	annotateChat(r, &req)

	var s *domain.SimulationSession
	if req.SessionID != "" {
		s, err = h.conv.Get(r.Context(), p, req.SessionID)
	} else {
		var subjectType domain.SubjectType
		if subjectType, err = parseSubjectType(req.Type); err == nil {
			s, err = h.conv.Start(r.Context(), p, subjectType, strings.TrimSpace(req.SubjectRef))
		}
	}
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}

	h.respondTurn(w, r, p, s, req.Message)
}

func (h *Handler) respondTurn(w http.ResponseWriter, r *http.Request, p domain.Principal, s *domain.SimulationSession, message string) {
	next, reply, err := h.engine.NextTurn(r.Context(), p, s, message)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	JSON(w, http.StatusOK, chatReply(next, reply))
}

// Evaluate handles POST /api/chat/evaluate and POST /api/guest/evaluate.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	// Checked before the body so a disabled feature never costs a lookup.
	if !p.Features().EvaluatorEnabled {
		h.errs.Write(w, r, apperrors.New(apperrors.CodeFeatureDisabled, "evaluator is not enabled for this account"))
		return
	}
	var req chatRequest
	if err := decode(r, &req); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	annotateChat(r, &req)

	s, err := h.target(r, p, &req)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	next, result, err := h.engine.Evaluate(r.Context(), p, s)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}

	resp := evaluateResponse{Evaluation: result}
	if !next.Ephemeral {
		resp.SessionID = next.ID
	}
	JSON(w, http.StatusOK, resp)
}

// Mentor handles POST /api/chat/mentor and POST /api/guest/mentor.
func (h *Handler) Mentor(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	if !p.Features().MentorEnabled {
		h.errs.Write(w, r, apperrors.New(apperrors.CodeFeatureDisabled, "mentor is not enabled for this account"))
		return
	}
	var req chatRequest
	if err := decode(r, &req); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	annotateChat(r, &req)

	s, err := h.target(r, p, &req)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	next, hints, err := h.engine.Suggest(r.Context(), p, s)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}

	resp := mentorResponse{Hints: hints}
	if !next.Ephemeral {
		resp.SessionID = next.ID
	}
	JSON(w, http.StatusOK, resp)
}
