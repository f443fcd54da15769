package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/conversation"
	"github.com/ashureev/advisor-sim/internal/domain"
	"github.com/ashureev/advisor-sim/internal/identity"
	"github.com/ashureev/advisor-sim/internal/simulation"
)

const writeTimeout = 10 * time.Second

// ClientFrame is a message sent by the trainee.
type ClientFrame struct {
	Message string `json:"message"`
}

// ServerFrame carries either a reply or an error.
type ServerFrame struct {
	SessionID        string                   `json:"sessionId"`
	AssistantTurn    *domain.ConversationTurn `json:"assistantTurn,omitempty"`
	TranscriptLength int                      `json:"transcriptLength,omitempty"`
	Error            string                   `json:"error,omitempty"`
	Code             apperrors.Code           `json:"code,omitempty"`
}

// Config holds the live handler's collaborators.
type Config struct {
	Conversations *conversation.Manager
	Engine        *simulation.Engine
	Hub           *Hub
	// OriginPatterns are passed to websocket.Accept. Empty means same origin only.
	OriginPatterns []string
	ReadLimit      int64
	OnError        identity.ErrorWriter
	Logger         *slog.Logger
}

// Handler upgrades GET /api/sessions/{id}/live and runs one turn per client frame.
type Handler struct {
	conv      *conversation.Manager
	engine    *simulation.Engine
	hub       *Hub
	origins   []string
	readLimit int64
	onError   identity.ErrorWriter
	logger    *slog.Logger
}

// NewHandler creates a live handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), apperrors.HTTPStatus(err))
		}
	}
	return &Handler{
		conv:      cfg.Conversations,
		engine:    cfg.Engine,
		hub:       cfg.Hub,
		origins:   cfg.OriginPatterns,
		readLimit: cfg.ReadLimit,
		onError:   onError,
		logger:    logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		h.onError(w, r, apperrors.New(apperrors.CodeUnauthorized, "Not authorized, no token or access code"))
		return
	}
	sessionID := chi.URLParam(r, "id")

	// Ownership is checked before the upgrade so failures get a normal HTTP error.
	s, err := h.conv.Get(r.Context(), p, sessionID)
	if err != nil {
		h.onError(w, r, err)
		return
	}
	if s.Status == domain.StatusClosed {
		h.onError(w, r, apperrors.New(apperrors.CodeSessionClosed, "session is closed"))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("failed to accept websocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}

	h.hub.Register(sessionID, ws)
	defer h.hub.Unregister(sessionID, ws)

	h.serve(r.Context(), ws, p, sessionID)
}

func (h *Handler) serve(ctx context.Context, ws *websocket.Conn, p domain.Principal, sessionID string) {
	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			switch {
			case websocket.CloseStatus(err) != -1, errors.Is(err, context.Canceled):
				h.logger.Debug("live connection closed", "session_id", sessionID)
			default:
				h.logger.Warn("live read error", "error", err, "session_id", sessionID)
			}
			return
		}

		out := h.turn(ctx, p, sessionID, frame.Message)
		if err := h.write(ctx, ws, out); err != nil {
			h.logger.Debug("live write error", "error", err, "session_id", sessionID)
			return
		}
		if out.Code == apperrors.CodeSessionClosed || out.Code == apperrors.CodeNotFound {
			return
		}
	}
}

func (h *Handler) turn(ctx context.Context, p domain.Principal, sessionID, message string) ServerFrame {
	out := ServerFrame{SessionID: sessionID}

	// Reload each time so the version check sees writes made over HTTP.
	s, err := h.conv.Get(ctx, p, sessionID)
	if err == nil {
		var next *domain.SimulationSession
		var reply domain.ConversationTurn
		next, reply, err = h.engine.NextTurn(ctx, p, s, strings.TrimSpace(message))
		if err == nil {
			out.AssistantTurn = &reply
			out.TranscriptLength = len(next.Transcript)
			return out
		}
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		out.Error, out.Code = appErr.Message, appErr.Code
	} else {
		h.logger.Error("live turn failed", "error", err, "session_id", sessionID)
		out.Error, out.Code = "internal error", apperrors.CodeInternal
	}
	return out
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}
