package httpapi

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
	// tokenDuration keeps bearer tokens short-lived; clients fall back
	// to Basic and re-exchange when one expires.
	tokenDuration = 30 * time.Minute

	rsaKeyBits = 2048
)

// Token validation sentinels.
var (
	ErrTokenExpired = errors.New("httpapi: token expired")
	ErrTokenInvalid = errors.New("httpapi: token invalid")
)

// Claims are the custom claims embedded in every bearer token.
type Claims struct {
	jwt.RegisteredClaims

	// Username is the uppercase dashboard account name.
	Username string `json:"usr"`
}

// TokenManager signs and verifies RS256 bearer tokens. The key pair is
// generated at startup and never persisted, so a restart invalidates
// all outstanding tokens; holders re-authenticate with Basic.
type TokenManager struct {
	privateKey *rsa.PrivateKey
	issuer     string
}

// NewTokenManager generates a fresh RSA key pair.
func NewTokenManager(issuer string) (*TokenManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("httpapi: generating token key pair: %w", err)
	}
	return &TokenManager{privateKey: key, issuer: issuer}, nil
}

// Generate creates a signed token for the given account.
func (m *TokenManager) Generate(username string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(tokenDuration)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		Username: username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("httpapi: signing token: %w", err)
	}
	return signed, expires, nil
}

// Validate parses and verifies a token string and returns its claims.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Only RS256; rejects alg:none and HMAC confusion.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("httpapi: unexpected signing method: %v", t.Header["alg"])
			}
			return &m.privateKey.PublicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
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
