package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestKind classifies an API request for logs and spans.
type RequestKind string

const (
	KindGuestValidate RequestKind = "guest_validate"
	KindGuestChat     RequestKind = "guest_chat"
	KindGuestEvaluate RequestKind = "guest_evaluate"
	KindGuestMentor   RequestKind = "guest_mentor"
	KindChat          RequestKind = "chat"
	KindChatEvaluate  RequestKind = "chat_evaluate"
	KindChatMentor    RequestKind = "chat_mentor"
	KindSessionRead   RequestKind = "session_read"
	KindSessionClose  RequestKind = "session_close"
	KindSessionLive   RequestKind = "session_live"
	KindHealth        RequestKind = "health"
	KindOther         RequestKind = "other"
)

var fixedKinds = map[string]RequestKind{
	"POST /api/guest/validate-code": KindGuestValidate,
	"POST /api/guest/chat":          KindGuestChat,
	"POST /api/guest/evaluate":      KindGuestEvaluate,
	"POST /api/guest/mentor":        KindGuestMentor,
	"POST /api/chat":                KindChat,
	"POST /api/chat/evaluate":       KindChatEvaluate,
	"POST /api/chat/mentor":         KindChatMentor,
	"GET /api/health":               KindHealth,
}

// Classify maps a method and path onto a RequestKind.
func Classify(method, path string) RequestKind {
	path = strings.TrimSuffix(path, "/")
	if kind, ok := fixedKinds[method+" "+path]; ok {
		return kind
	}

	rest, ok := strings.CutPrefix(path, "/api/sessions/")
	if !ok || rest == "" {
		return KindOther
	}
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		return KindOther
	}
	switch {
	case action == "" && method == http.MethodGet:
		return KindSessionRead
	case action == "close" && method == http.MethodPost:
		return KindSessionClose
	case action == "live" && method == http.MethodGet:
		return KindSessionLive
	default:
		return KindOther
	}
}

// Observation collects the fixed fields reported for one request. Handlers
// fill in what only they know through Annotate.
type Observation struct {
	RequestID     string
	Kind          RequestKind
	Method        string
	Path          string
	PrincipalKind string
	MessageLength int
	HistoryLength int
	Status        int
	Duration      time.Duration
}

func (o *Observation) attrs() []any {
	return []any{
		"request_id", o.RequestID,
		"kind", string(o.Kind),
		"method", o.Method,
		"path", o.Path,
		"principal_kind", o.PrincipalKind,
		"status", o.Status,
		"duration", o.Duration,
		"message_length", o.MessageLength,
		"history_length", o.HistoryLength,
	}
}

type observationKey struct{}

// Annotate records handler-side fields on the current request's observation.
// It is a no-op outside Observe.
func Annotate(ctx context.Context, fn func(*Observation)) {
	if o, ok := ctx.Value(observationKey{}).(*Observation); ok {
		fn(o)
	}
}

// Observe logs a pre and a post event for every request and copies the
// final fields onto the active span.
func Observe(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			obs := &Observation{
				RequestID: chimw.GetReqID(r.Context()),
				Kind:      Classify(r.Method, r.URL.Path),
				Method:    r.Method,
				Path:      r.URL.Path,
			}
			logger.Debug("request started",
				"request_id", obs.RequestID,
				"kind", string(obs.Kind),
				"method", obs.Method,
				"path", obs.Path)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx := context.WithValue(r.Context(), observationKey{}, obs)
			defer func() {
				obs.Status = ww.Status()
				if obs.Status == 0 {
					obs.Status = http.StatusOK
				}
				obs.Duration = time.Since(start)

				span := trace.SpanFromContext(ctx)
				span.SetAttributes(
					attribute.String("advisor.request.kind", string(obs.Kind)),
					attribute.String("advisor.principal.kind", obs.PrincipalKind),
					attribute.Int("advisor.message.length", obs.MessageLength),
					attribute.Int("advisor.history.length", obs.HistoryLength),
				)

				level := slog.LevelInfo
				if obs.Status >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}
				logger.Log(ctx, level, "request finished", obs.attrs()...)
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}
