package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in tokens
const (
	RoleClient   = "client"
	RoleOperator = "operator"
)

var (
	// ErrNoSecret is returned when signing is attempted without a secret
	ErrNoSecret = errors.New("jwt secret not configured")
	// ErrMissingBearer is returned when an Authorization header carries no bearer token
	ErrMissingBearer = errors.New("missing bearer token")
)

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"` // "client" or "operator"
	jwt.RegisteredClaims
}

// Issuer signs and validates HS256 tokens with a shared secret
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewIssuer creates an issuer. A nil clock uses the wall clock.
func NewIssuer(secret string, ttl time.Duration, clk clock.Clock) *Issuer {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: clk}
}

// Enabled reports whether a secret is configured
func (i *Issuer) Enabled() bool {
	return i != nil && len(i.secret) > 0
}

// GenerateClientToken generates the token presented to the voice backend
func (i *Issuer) GenerateClientToken(clientID string) (string, error) {
	return i.generate(clientID, RoleClient)
}

// GenerateOperatorToken generates a token accepted by the control API
func (i *Issuer) GenerateOperatorToken(clientID string) (string, error) {
	return i.generate(clientID, RoleOperator)
}

func (i *Issuer) generate(clientID, role string) (string, error) {
	if !i.Enabled() {
		return "", ErrNoSecret
	}

	now := i.clock.Now()
	claims := &JWTClaims{
		ClientID: clientID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (i *Issuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	if !i.Enabled() {
		return nil, ErrNoSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
	)

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}

// TokenFromHeader extracts the token from an "Authorization: Bearer" value
func TokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingBearer
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingBearer
	}
	return token, nil
}

// TokenSource returns a function producing fresh client tokens, or nil when
// no secret is configured.
func (i *Issuer) TokenSource(clientID string) func() (string, error) {
	if !i.Enabled() {
		return nil
	}
	return func() (string, error) {
		token, err := i.GenerateClientToken(clientID)
		if err != nil {
			return "", fmt.Errorf("failed to sign client token: %w", err)
		}
		return token, nil
	}
}
