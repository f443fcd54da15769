package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/completion"
	"github.com/ashureev/advisor-sim/internal/conversation"
	"github.com/ashureev/advisor-sim/internal/domain"
	"github.com/ashureev/advisor-sim/internal/identity"
	"github.com/ashureev/advisor-sim/internal/simulation"
)

func TestMain(m *testing.M) {
	// The genai dependency chain starts an opencensus stats worker at init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.SimulationSession
}

func (m *memStore) GetPersona(_ context.Context, id string) (*domain.Persona, error) {
	if id == "p-jane" {
		return &domain.Persona{ID: "p-jane", Name: "Jane Doe"}, nil
	}
	return nil, nil
}

func (m *memStore) GetScenario(context.Context, string) (*domain.Scenario, error) { return nil, nil }

func (m *memStore) CreateSession(_ context.Context, s *domain.SimulationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*domain.SimulationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (m *memStore) SaveSession(_ context.Context, s *domain.SimulationSession, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.sessions[s.ID]; cur == nil || cur.Version != expected {
		return apperrors.New(apperrors.CodeConflict, "stale version")
	}
	s.Version = expected + 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) ListIdleSessions(context.Context, time.Time) ([]*domain.SimulationSession, error) {
	return nil, nil
}

var user = domain.RegisteredUser{ID: "u1", Flags: domain.FeatureFlags{MentorEnabled: true, EvaluatorEnabled: true}}

type harness struct {
	srv  *httptest.Server
	conv *conversation.Manager
	hub  *Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &memStore{sessions: map[string]*domain.SimulationSession{}}
	conv := conversation.NewManager(store, nil)
	llm := completion.Func(func(_ context.Context, req completion.Request) (completion.Response, error) {
		last := req.Messages[len(req.Messages)-1].Content
		return completion.Response{Text: "you said: " + last}, nil
	})
	engine, err := simulation.NewEngine(conv, llm, simulation.Config{Timeout: time.Second, WindowTurns: 10}, nil)
	require.NoError(t, err)

	hub := NewHub(nil)
	h := NewHandler(Config{Conversations: conv, Engine: engine, Hub: hub, ReadLimit: 1 << 16})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("as") == "u1" {
				r = r.WithContext(identity.WithPrincipal(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/api/sessions/{id}/live", h.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, conv: conv, hub: hub}
}

func (h *harness) url(id string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/sessions/" + id + "/live?as=u1"
}

func TestLiveTurns(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := h.conv.Start(ctx, user, domain.SubjectPersona, "p-jane")
	require.NoError(t, err)

	ws, _, err := websocket.Dial(ctx, h.url(s.ID), nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	require.NoError(t, wsjson.Write(ctx, ws, ClientFrame{Message: "Hello"}))
	var out ServerFrame
	require.NoError(t, wsjson.Read(ctx, ws, &out))
	require.NotNil(t, out.AssistantTurn)
	assert.Equal(t, "you said: Hello", out.AssistantTurn.Content)
	assert.Equal(t, 2, out.TranscriptLength)

	require.NoError(t, wsjson.Write(ctx, ws, ClientFrame{Message: "   "}))
	out = ServerFrame{}
	require.NoError(t, wsjson.Read(ctx, ws, &out))
	assert.Equal(t, apperrors.CodeInvalidInput, out.Code)
	assert.Nil(t, out.AssistantTurn)

	require.NoError(t, wsjson.Write(ctx, ws, ClientFrame{Message: "Next"}))
	out = ServerFrame{}
	require.NoError(t, wsjson.Read(ctx, ws, &out))
	assert.Equal(t, 4, out.TranscriptLength)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, ""))
}

func TestLiveRejectsBeforeUpgrade(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, h.url("missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	anon := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/sessions/x/live"
	_, resp, err = websocket.Dial(ctx, anon, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHubCloseSessionDropsSockets(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := h.conv.Start(ctx, user, domain.SubjectPersona, "p-jane")
	require.NoError(t, err)

	ws, _, err := websocket.Dial(ctx, h.url(s.ID), nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	require.Eventually(t, func() bool { return h.hub.Count(s.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	go h.hub.CloseSession(s.ID)

	_, _, err = ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	require.Eventually(t, func() bool { return h.hub.Count(s.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
}
