// Package auth issues and verifies the stateless HMAC-signed bearer tokens
// that gate every operation. There is no revocation list; tokens stay valid
// until they expire, so issuers keep TTLs short.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failure taxonomy. Transport maps these to reason codes on
// the 401 response.
var (
	ErrExpired          = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMalformed        = errors.New("malformed token")
)

// Known scopes.
const (
	ScopeSubscribe = "subscribe"
	ScopePublish   = "publish"
	ScopeModerate  = "moderate"
)

// Claims is the verified content of a token.
type Claims struct {
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether the token grants the given scope.
func (c Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

type tokenClaims struct {
	Scopes []string `json:"scope"`
	jwt.RegisteredClaims
}

// Verifier signs and verifies tokens with a single shared HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier over the shared secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth secret must not be empty")
	}
	return &Verifier{secret: secret}, nil
}

// Issue signs a token for the client with the given scopes and lifetime.
// A zero or negative ttl produces a token that is already expired; issuing
// it is not an error, verifying it is.
func (v *Verifier) Issue(clientID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := tokenClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims. Failures map
// onto exactly one of ErrExpired, ErrInvalidSignature, ErrMalformed.
func (v *Verifier) Verify(token string) (Claims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, fmt.Errorf("verify token: %w", ErrExpired)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, fmt.Errorf("verify token: %w", ErrInvalidSignature)
		default:
			return Claims{}, fmt.Errorf("verify token: %w", ErrMalformed)
		}
	}

	out := Claims{
		ClientID: claims.Subject,
		Scopes:   claims.Scopes,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
