// Package auth resolves handshake credentials to user identities. The
// real-time core never issues sessions itself; it verifies tokens minted by
// the surrounding application's auth service.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a credential is missing, malformed,
// expired, or fails signature verification. A handshake failing with this
// error must not be registered; the transport closes the raw connection.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is an authenticated user, as established by the external auth
// collaborator. User IDs are opaque to the core and never generated here.
type Identity struct {
	UserID string
}

// Resolver verifies a raw credential and returns the identity it encodes.
type Resolver interface {
	Verify(token string) (Identity, error)
}

// Claims is the JWT payload shape shared with the session-issuing service.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256-signed tokens.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver for tokens signed with the given secret.
func NewJWTResolver(secret []byte) *JWTResolver {
	return &JWTResolver{secret: secret}
}

// Verify parses and validates the token, returning the embedded identity.
func (r *JWTResolver) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID}, nil
}

// GenerateToken mints a token for the given user, valid for ttl. It exists
// for tests and local tooling; production tokens come from the auth service.
func (r *JWTResolver) GenerateToken(userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
