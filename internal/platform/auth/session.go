package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionIssuer is the iss claim on dashboard session tokens.
const SessionIssuer = "ehr-dashboard"

var ErrInvalidSession = errors.New("invalid session token")

// SessionTokens signs and verifies the HS256 tokens carried in the dashboard
// session cookie. The token's jti is the session id.
type SessionTokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// SessionOption configures SessionTokens.
type SessionOption func(*SessionTokens)

// WithClock sets the time source used for issuing and verifying tokens.
func WithClock(now func() time.Time) SessionOption {
	return func(t *SessionTokens) { t.now = now }
}

// NewSessionTokens returns a signer for key. Tokens expire after ttl.
func NewSessionTokens(key []byte, ttl time.Duration, opts ...SessionOption) *SessionTokens {
	t := &SessionTokens{key: key, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// ResolveSessionKey returns key when set, otherwise a random 32-byte key. The
// second return value is true when a random key was generated.
func ResolveSessionKey(key []byte) ([]byte, bool, error) {
	if len(key) > 0 {
		return key, false, nil
	}
	generated := make([]byte, 32)
	if _, err := rand.Read(generated); err != nil {
		return nil, false, fmt.Errorf("failed to generate random session key: %w", err)
	}
	return generated, true, nil
}

// Issue signs a token for sessionID.
func (t *SessionTokens) Issue(sessionID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		ID:        sessionID,
		Issuer:    SessionIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies token and returns the session id it carries and when the
// token expires.
func (t *SessionTokens) Parse(token string) (string, time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(SessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !parsed.Valid {
		return "", time.Time{}, ErrInvalidSession
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return "", time.Time{}, ErrInvalidSession
	}
	return claims.ID, claims.ExpiresAt.Time, nil
}
