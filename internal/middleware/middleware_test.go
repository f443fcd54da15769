package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/domain"
	"github.com/ashureev/advisor-sim/internal/identity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Guest-Code")
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	h := CORS([]string{"*"})(ok)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://any.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "https://any.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("guest:ABC123"))
	assert.True(t, rl.Allow("guest:ABC123"))
	assert.False(t, rl.Allow("guest:ABC123"))
	assert.True(t, rl.Allow("user:u1"))

	now = now.Add(time.Minute + time.Second)
	assert.True(t, rl.Allow("guest:ABC123"))
}

func TestRateLimitKeysByPrincipal(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Close()

	var gotErr error
	onError := func(w http.ResponseWriter, _ *http.Request, err error) {
		gotErr = err
		w.WriteHeader(apperrors.HTTPStatus(err))
	}
	h := RateLimit(rl, onError)(ok)

	send := func(p domain.Principal) int {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		if p != nil {
			req = req.WithContext(identity.WithPrincipal(req.Context(), p))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	alice := domain.RegisteredUser{ID: "alice"}
	bob := domain.RegisteredUser{ID: "bob"}
	assert.Equal(t, http.StatusNoContent, send(alice))
	assert.Equal(t, http.StatusTooManyRequests, send(alice))
	assert.Equal(t, apperrors.CodeRateLimited, apperrors.CodeOf(gotErr))
	assert.Equal(t, http.StatusNoContent, send(bob))

	assert.Equal(t, http.StatusNoContent, send(nil))
	assert.Equal(t, http.StatusTooManyRequests, send(nil))
}

func TestRateLimiterCloseIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)
	rl.Close()
	rl.Close()
}

func TestClassify(t *testing.T) {
	cases := []struct {
		method, path string
		want         RequestKind
	}{
		{http.MethodPost, "/api/guest/validate-code", KindGuestValidate},
		{http.MethodPost, "/api/guest/chat", KindGuestChat},
		{http.MethodPost, "/api/guest/evaluate", KindGuestEvaluate},
		{http.MethodPost, "/api/guest/mentor", KindGuestMentor},
		{http.MethodPost, "/api/chat", KindChat},
		{http.MethodPost, "/api/chat/", KindChat},
		{http.MethodPost, "/api/chat/evaluate", KindChatEvaluate},
		{http.MethodPost, "/api/chat/mentor", KindChatMentor},
		{http.MethodGet, "/api/sessions/s1", KindSessionRead},
		{http.MethodPost, "/api/sessions/s1/close", KindSessionClose},
		{http.MethodGet, "/api/sessions/s1/live", KindSessionLive},
		{http.MethodGet, "/api/health", KindHealth},
		{http.MethodGet, "/api/chat", KindOther},
		{http.MethodGet, "/api/sessions/", KindOther},
		{http.MethodDelete, "/api/sessions/s1", KindOther},
		{http.MethodGet, "/favicon.ico", KindOther},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.method, c.path), "%s %s", c.method, c.path)
	}
}

func TestObserveLogsFixedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	h := Observe(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), func(o *Observation) {
			o.PrincipalKind = "registered"
			o.MessageLength = 5
			o.HistoryLength = 2
		})
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`))
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request finished", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "chat", entry["kind"])
	assert.Equal(t, "registered", entry["principal_kind"])
	assert.EqualValues(t, 503, entry["status"])
	assert.EqualValues(t, 5, entry["message_length"])
	assert.EqualValues(t, 2, entry["history_length"])
}

func TestAnnotateOutsideObserveIsNoop(t *testing.T) {
	called := false
	Annotate(context.Background(), func(*Observation) { called = true })
	assert.False(t, called)
}
