// Package api provides HTTP handlers for the advisor simulation API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/conversation"
	"github.com/ashureev/advisor-sim/internal/domain"
	"github.com/ashureev/advisor-sim/internal/identity"
	"github.com/ashureev/advisor-sim/internal/middleware"
	"github.com/ashureev/advisor-sim/internal/simulation"
)

// CodeValidator checks guest access codes against the registry.
type CodeValidator interface {
	Validate(ctx context.Context, code string) (domain.Grant, error)
}

// SessionCloser drops live connections of a closed session.
type SessionCloser interface {
	CloseSession(sessionID string)
}

// Handler serves the simulation endpoints.
type Handler struct {
	conv   *conversation.Manager
	engine *simulation.Engine
	codes  CodeValidator
	live   SessionCloser
	errs   *ErrorWriter
}

// NewHandler creates a handler.
func NewHandler(conv *conversation.Manager, engine *simulation.Engine, codes CodeValidator, live SessionCloser, errs *ErrorWriter) *Handler {
	return &Handler{
		conv:   conv,
		engine: engine,
		codes:  codes,
		live:   live,
		errs:   errs,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.Wrap(apperrors.CodeInvalidInput, "request body too large", err)
		}
		return apperrors.Wrap(apperrors.CodeInvalidInput, "invalid request body", err)
	}
	return nil
}

func principal(r *http.Request) (domain.Principal, error) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "Not authorized, no token or access code")
	}
	middleware.Annotate(r.Context(), func(o *middleware.Observation) {
		o.PrincipalKind = string(p.Kind())
	})
	return p, nil
}

func parseSubjectType(s string) (domain.SubjectType, error) {
	if s == "" {
		return "", nil
	}
	t, ok := domain.ParseSubjectType(s)
	if !ok {
		return "", apperrors.Newf(apperrors.CodeInvalidSubject, "unknown subject type %q", s)
	}
	return t, nil
}

// LimitBody caps request bodies at n bytes.
func LimitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
