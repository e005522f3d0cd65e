// Package token issues and verifies the gateway's credentials: short-lived
// signed access tokens validated entirely from local key material, and opaque
// refresh tokens whose only validity check is exact-match against the cached
// value for the subject.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures. Callers branch on expiry separately because the
// rejection reason must name the subject for audit.
var (
	ErrExpired = errors.New("token expired")
	ErrInvalid = errors.New("invalid token")
)

// Claims carried by an access token. Authorities ride inside the token so a
// verify needs no lookup beyond the session cache profile check.
type Claims struct {
	Authorities []string `json:"authorities,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies access tokens with a shared HMAC secret.
type Service struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// NewService builds a token service. now is overridable for tests; nil means
// time.Now.
func NewService(secret []byte, issuer string, accessTTL time.Duration, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		secret:    secret,
		issuer:    issuer,
		accessTTL: accessTTL,
		now:       now,
	}
}

// IssueAccessToken mints a signed HS256 token for the subject.
func (s *Service) IssueAccessToken(subject string, authorities []string) (string, error) {
	now := s.now()
	claims := Claims{
		Authorities: authorities,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token signature and claims. On an expired but
// otherwise well-formed token it returns the claims together with ErrExpired
// so the caller can log which subject presented it.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && claims.Subject != "" {
			return claims, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// NewRefreshToken generates a cryptographically random 64-character hex
// refresh token. The value is unstructured; validity is exact-match against
// the cached copy only.
func NewRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand.Read failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
