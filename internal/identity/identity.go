// Package identity classifies callers as registered users or guests.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/advisor-sim/internal/apperrors"
	"github.com/ashureev/advisor-sim/internal/domain"
)

// GuestCodeHeader carries a guest access code on requests without a JSON body.
const GuestCodeHeader = "X-Guest-Code"

// Query parameters accepted on websocket upgrades.
const (
	TokenQueryParam = "access_token"
	CodeQueryParam  = "code"
)

// maxCodePeekBytes bounds how much of a request body is read to find a code.
const maxCodePeekBytes = 1 << 20

type contextKey int

const principalKey contextKey = iota

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the principal resolved by the gate.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey).(domain.Principal)
	return p, ok && p != nil
}

// GuestResolver re-derives a guest grant from the authoritative record.
type GuestResolver interface {
	Resolve(ctx context.Context, code string) (domain.Grant, error)
}

// FlagSource returns stored feature flags for registered users.
type FlagSource interface {
	GetUserFeatures(ctx context.Context, userID string) (*domain.FeatureFlags, error)
}

// ErrorWriter renders an error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Gate authenticates requests. Guest codes are resolved on every request and
// flags are always taken from the server-side record, never from the body.
type Gate struct {
	verifier TokenVerifier
	flags    FlagSource
	defaults domain.FeatureFlags
	guests   GuestResolver
	onError  ErrorWriter
	logger   *slog.Logger
}

// GateConfig holds the gate's collaborators.
type GateConfig struct {
	Verifier TokenVerifier
	Flags    FlagSource
	// Defaults apply to registered users without a stored flag record.
	Defaults domain.FeatureFlags
	Guests   GuestResolver
	OnError  ErrorWriter
	Logger   *slog.Logger
}

// NewGate creates a gate.
func NewGate(cfg GateConfig) *Gate {
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
	return &Gate{
		verifier: cfg.Verifier,
		flags:    cfg.Flags,
		defaults: cfg.Defaults,
		guests:   cfg.Guests,
		onError:  onError,
		logger:   logger,
	}
}

// Authenticate resolves the request's principal. A bearer token takes
// precedence over a guest code.
func (g *Gate) Authenticate(r *http.Request) (domain.Principal, error) {
	if token := bearerToken(r); token != "" {
		return g.registered(r.Context(), token)
	}
	code, err := guestCode(r)
	if err != nil {
		return nil, err
	}
	if code != "" {
		return g.guest(r.Context(), code)
	}
	return nil, apperrors.New(apperrors.CodeUnauthorized, "Not authorized, no token or access code")
}

func (g *Gate) registered(ctx context.Context, token string) (domain.Principal, error) {
	if g.verifier == nil {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "Not authorized, token verification unavailable")
	}
	userID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	flags := g.defaults
	if g.flags != nil {
		stored, err := g.flags.GetUserFeatures(ctx, userID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			flags = *stored
		}
	}
	return domain.RegisteredUser{ID: userID, Flags: flags}, nil
}

func (g *Gate) guest(ctx context.Context, code string) (domain.Principal, error) {
	if g.guests == nil {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "Not authorized, guest access unavailable")
	}
	grant, err := g.guests.Resolve(ctx, code)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrInvalidInput) {
			g.logger.Info("guest code rejected", "code", domain.NormalizeCode(code))
			return nil, apperrors.Wrap(apperrors.CodeUnauthorized, "Not authorized, invalid access code", err)
		}
		return nil, err
	}
	return domain.GuestSession{Grant: grant}, nil
}

func (g *Gate) require(kind domain.PrincipalKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.Authenticate(r)
			if err != nil {
				g.onError(w, r, err)
				return
			}
			if kind != "" && p.Kind() != kind {
				g.onError(w, r, apperrors.Newf(apperrors.CodeUnauthorized, "Not authorized, %s access required", kind))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Protect admits registered users only.
func (g *Gate) Protect(next http.Handler) http.Handler {
	return g.require(domain.PrincipalRegistered)(next)
}

// Guest admits guests only.
func (g *Gate) Guest(next http.Handler) http.Handler {
	return g.require(domain.PrincipalGuest)(next)
}

// Any admits either kind of principal.
func (g *Gate) Any(next http.Handler) http.Handler {
	return g.require("")(next)
}

// bearerToken reads the Authorization header. Websocket upgrades cannot set
// headers from a browser, so they may pass the token as a query parameter.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if isUpgrade(r) {
		return strings.TrimSpace(r.URL.Query().Get(TokenQueryParam))
	}
	return ""
}

func isUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// guestCode reads the code from the header or, failing that, from a JSON
// body field. The body is restored for downstream handlers. Only a failed
// body read is an error; a body without a code yields "".
func guestCode(r *http.Request) (string, error) {
	if code := strings.TrimSpace(r.Header.Get(GuestCodeHeader)); code != "" {
		return code, nil
	}
	if isUpgrade(r) {
		return strings.TrimSpace(r.URL.Query().Get(CodeQueryParam)), nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCodePeekBytes))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", apperrors.Wrap(apperrors.CodeInvalidInput, "request body too large", err)
		}
		return "", apperrors.Wrap(apperrors.CodeInvalidInput, "invalid request body", err)
	}
	if len(raw) == 0 {
		return "", nil
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", nil
	}
	return strings.TrimSpace(body.Code), nil
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
