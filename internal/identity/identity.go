// Package identity issues and verifies the bearer tokens that prove which
// actor a request comes from.
//
// Tokens are HS256 JWTs whose subject is the actor name.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/roach88/lockstep/internal/protocol"
)

// Issuer is the iss claim on every token.
const Issuer = "lockstep"

// DefaultTTL is the lifetime of an issued token.
const DefaultTTL = 24 * time.Hour

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = protocol.Errorf(protocol.CodeUnauthorized, "missing bearer token")

// Keys signs and verifies tokens with one shared secret.
type Keys struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures Keys.
type Option func(*Keys)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(d time.Duration) Option {
	return func(k *Keys) { k.ttl = d }
}

// WithClock overrides the wall clock used for iat/exp.
func WithClock(now func() time.Time) Option {
	return func(k *Keys) { k.now = now }
}

// New creates Keys from a secret. An empty secret is an error.
func New(secret string, opts ...Option) (*Keys, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	k := &Keys{secret: []byte(secret), ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Issue returns a signed token naming actor.
func (k *Keys) Issue(actor string) (string, error) {
	if actor == "" {
		return "", errors.New("actor is required")
	}
	now := k.now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   actor,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns its actor.
// Every failure is an UNAUTHORIZED protocol error.
func (k *Keys) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return k.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(k.now),
	)
	if err != nil {
		return "", protocol.Wrap(protocol.CodeUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", protocol.Errorf(protocol.CodeUnauthorized, "token has no subject")
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
