package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/advisor-sim/internal/apperrors"
)

// TokenVerifier verifies a bearer token and returns the user it was issued to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// JWTVerifier verifies HS256 tokens issued by the account service.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewJWTVerifier creates a verifier. Issuer and audience are checked only
// when non-empty.
func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		now:      time.Now,
	}
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	if len(v.secret) == 0 {
		return "", apperrors.New(apperrors.CodeUnauthorized, "Not authorized, token verification unavailable")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", mapJWTError(err)
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", apperrors.New(apperrors.CodeUnauthorized, "Not authorized, token has no subject")
	}
	return sub, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeUnauthorized, "Not authorized, token expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.Wrap(apperrors.CodeUnauthorized, "Not authorized, token failed", err)
	default:
		return apperrors.Wrap(apperrors.CodeUnauthorized, "Not authorized, invalid token", err)
	}
}
