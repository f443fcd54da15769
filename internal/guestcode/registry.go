// Package guestcode resolves guest access codes into grants.
package guestcode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/domain"
)

// Source is the read-only slice of the store the registry needs.
type Source interface {
	GetAccessCode(ctx context.Context, code string) (*domain.AccessCode, error)
	GetPersona(ctx context.Context, id string) (*domain.Persona, error)
	GetScenario(ctx context.Context, id string) (*domain.Scenario, error)
}

// sharedLoadTimeout bounds a store read shared by concurrent Resolve calls.
const sharedLoadTimeout = 10 * time.Second

type cacheEntry struct {
	grant    domain.Grant
	cachedAt time.Time
}

// Registry validates access codes and caches the resulting grants.
// It is safe for concurrent use.
type Registry struct {
	src    Source
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used for validation attempts.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry. A ttl of zero disables caching so every
// Resolve reads the store.
func NewRegistry(src Source, ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{
		src:    src,
		ttl:    ttl,
		logger: slog.Default(),
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if ttl > 0 {
		go r.evictLoop()
	} else {
		close(r.doneCh)
	}
	return r
}

// Validate checks a code against the store, bypassing the cache, and
// refreshes the cached grant. Unknown, inactive and expired codes fail
// with NOT_FOUND.
func (r *Registry) Validate(ctx context.Context, raw string) (domain.Grant, error) {
	code := domain.NormalizeCode(raw)
	if code == "" {
		return domain.Grant{}, apperrors.New(apperrors.CodeInvalidInput, "access code is required")
	}

	grant, err := r.load(ctx, code)
	if err != nil {
		r.logger.Info("guest code validation failed", "code", code, "error", err)
		r.Invalidate(code)
		return domain.Grant{}, err
	}

	r.store(code, grant)
	r.logger.Info("guest code validated",
		"code", code,
		"personas", len(grant.Assignment.Personas),
		"scenarios", len(grant.Assignment.Scenarios),
		"mentor_enabled", grant.Features.MentorEnabled,
		"evaluator_enabled", grant.Features.EvaluatorEnabled)
	return grant, nil
}

// Resolve returns the grant for code, served from cache while fresh.
// Concurrent misses for the same code share one store read, which is not
// tied to any single caller's cancellation.
func (r *Registry) Resolve(ctx context.Context, raw string) (domain.Grant, error) {
	code := domain.NormalizeCode(raw)
	if code == "" {
		return domain.Grant{}, apperrors.New(apperrors.CodeInvalidInput, "access code is required")
	}

	if grant, ok := r.cached(code); ok {
		return grant, nil
	}

	ch := r.group.DoChan(code, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		grant, err := r.load(loadCtx, code)
		if err != nil {
			return domain.Grant{}, err
		}
		r.store(code, grant)
		return grant, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Grant{}, res.Err
		}
		return res.Val.(domain.Grant), nil
	case <-ctx.Done():
		return domain.Grant{}, ctx.Err()
	}
}

// Invalidate drops any cached grant for code.
func (r *Registry) Invalidate(raw string) {
	code := domain.NormalizeCode(raw)
	r.mu.Lock()
	delete(r.cache, code)
	r.mu.Unlock()
}

// Close stops the eviction goroutine. It is safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

func (r *Registry) cached(code string) (domain.Grant, bool) {
	if r.ttl <= 0 {
		return domain.Grant{}, false
	}
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[code]
	r.mu.RUnlock()
	if !ok || now.Sub(entry.cachedAt) >= r.ttl {
		return domain.Grant{}, false
	}
	if entry.grant.ExpiresAt != nil && !now.Before(*entry.grant.ExpiresAt) {
		r.Invalidate(code)
		return domain.Grant{}, false
	}
	return entry.grant, true
}

func (r *Registry) store(code string, grant domain.Grant) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[code] = cacheEntry{grant: grant, cachedAt: r.now()}
	r.mu.Unlock()
}

func (r *Registry) load(ctx context.Context, code string) (domain.Grant, error) {
	rec, err := r.src.GetAccessCode(ctx, code)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("load access code: %w", err)
	}
	if !rec.Usable(r.now()) {
		return domain.Grant{}, apperrors.New(apperrors.CodeNotFound, "invalid or inactive access code")
	}

	grant := domain.Grant{
		Code:     code,
		Features: rec.Features,
		Assignment: domain.Assignment{
			Personas:  make([]domain.Persona, 0, len(rec.PersonaIDs)),
			Scenarios: make([]domain.Scenario, 0, len(rec.ScenarioIDs)),
		},
		ExpiresAt: rec.ExpiresAt,
	}
	for _, id := range rec.PersonaIDs {
		p, err := r.src.GetPersona(ctx, id)
		if err != nil {
			return domain.Grant{}, fmt.Errorf("load persona %s: %w", id, err)
		}
		if p == nil {
			r.logger.Warn("access code references missing persona", "code", code, "persona_id", id)
			continue
		}
		grant.Assignment.Personas = append(grant.Assignment.Personas, *p)
	}
	for _, id := range rec.ScenarioIDs {
		s, err := r.src.GetScenario(ctx, id)
		if err != nil {
			return domain.Grant{}, fmt.Errorf("load scenario %s: %w", id, err)
		}
		if s == nil {
			r.logger.Warn("access code references missing scenario", "code", code, "scenario_id", id)
			continue
		}
		grant.Assignment.Scenarios = append(grant.Assignment.Scenarios, *s)
	}
	return grant, nil
}

func (r *Registry) evictLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, entry := range r.cache {
		if now.Sub(entry.cachedAt) >= r.ttl {
			delete(r.cache, code)
		}
	}
}
