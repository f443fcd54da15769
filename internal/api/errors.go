package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/advisor-sim/internal/apperrors"
)

// errorBody is the wire form of every error response.
type errorBody struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ErrorWriter is the single place errors become HTTP responses.
type ErrorWriter struct {
	production bool
	logger     *slog.Logger
}

// NewErrorWriter creates an error writer. Stacks are only rendered outside production.
func NewErrorWriter(production bool, logger *slog.Logger) *ErrorWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorWriter{production: production, logger: logger}
}

// Write renders err with the status its code maps to.
func (e *ErrorWriter) Write(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)

	var appErr *apperrors.Error
	message := err.Error()
	if errors.As(err, &appErr) {
		message = appErr.Message
	} else if status == http.StatusInternalServerError && e.production {
		message = "Internal server error"
	}

	attrs := []any{
		"request_id", chimw.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"code", string(apperrors.CodeOf(err)),
		"error", err,
	}
	if appErr != nil {
		for k, v := range appErr.Metadata {
			attrs = append(attrs, k, v)
		}
	}
	if status >= http.StatusInternalServerError {
		e.logger.Error("request failed", attrs...)
	} else {
		e.logger.Debug("request rejected", attrs...)
	}

	body := errorBody{Message: message}
	if !e.production {
		body.Stack = apperrors.Stack(err)
	}
	JSON(w, status, body)
}

// NotFound handles unmatched routes. The message carries the full request
// URI, query string included.
func (e *ErrorWriter) NotFound(w http.ResponseWriter, r *http.Request) {
	e.Write(w, r, apperrors.New(apperrors.CodeNotFound, "Not Found - "+r.URL.RequestURI()))
}

// MethodNotAllowed handles known paths requested with the wrong method.
func (e *ErrorWriter) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	e.Write(w, r, statusError{
		status: http.StatusMethodNotAllowed,
		msg:    fmt.Sprintf("Method %s not allowed on %s", r.Method, r.URL.Path),
	})
}

// Recoverer turns panics into 500 responses in the standard error shape.
func (e *ErrorWriter) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			e.Write(w, r, fmt.Errorf("panic: %w", err))
		}()
		next.ServeHTTP(w, r)
	})
}

// statusError is an error that already chose its response status.
type statusError struct {
	status int
	msg    string
}

func (s statusError) Error() string   { return s.msg }
func (s statusError) StatusCode() int { return s.status }
