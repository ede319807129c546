// Package webauth issues and verifies the session tokens used by the
// control plane's admin HTTP surface, the same RS256-signed-claims shape as
// the teacher's server/internal/auth/jwt.go JWTManager, trimmed to the one
// operator role the out-of-scope login flow needs.
package webauth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessTokenDuration = 15 * time.Minute
	rsaKeyBits          = 2048
)

// ErrTokenInvalid is returned for a malformed or tampered token.
var ErrTokenInvalid = errors.New("webauth: token invalid")

// ErrTokenExpired is returned for a token past its expiry.
var ErrTokenExpired = errors.New("webauth: token expired")

// Claims is the custom payload embedded in every admin session token.
type Claims struct {
	jwt.RegisteredClaims
	AccountID string `json:"aid"`
}

// Manager signs and verifies RS256 admin session tokens, holding an
// ephemeral in-memory key pair — matching the teacher's
// NewJWTManagerGenerated fallback, since operator login is out of scope and
// the admin surface only needs tokens to survive one process lifetime.
type Manager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
}

// New generates a fresh RSA key pair and returns a Manager.
func New(issuer string) (*Manager, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("webauth: generating RSA key pair: %w", err)
	}
	return &Manager{privateKey: key, publicKey: &key.PublicKey, issuer: issuer}, nil
}

// IssueToken signs a session token for accountID.
func (m *Manager) IssueToken(accountID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenDuration)),
			ID:        uuid.NewString(),
		},
		AccountID: accountID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("webauth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning its Claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("webauth: unexpected signing method: %v", t.Header["alg"])
		}
		return m.publicKey, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
