// Package auth implements the authentication gate that classifies every
// inbound call before any correlation work starts. The decision uses only
// local cryptographic state plus one session-cache read; it never touches
// the bus.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"helpdesk-gateway/internal/session"
	"helpdesk-gateway/internal/token"
)

var authRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_auth_rejections_total",
		Help: "Total number of rejected authentication attempts by reason",
	},
	[]string{"reason"},
)

// APIPrefix is stripped from request paths before the public allow-list
// check, so the list stays stable across API version bumps.
const APIPrefix = "/api/v1"

// Identity is the authenticated caller, derived per-call from a valid access
// token plus the cached profile. It lives for one request only.
type Identity struct {
	Username    string
	ExpiresAt   time.Time
	Authorities []string
}

// Result kinds.
type Kind int

const (
	// Public means the path needs no credential; the call proceeds
	// without an identity.
	Public Kind = iota
	// Authenticated means a valid credential was presented; Identity is set.
	Authenticated
	// Rejected means the call must be answered 401 with Reason and no
	// further processing.
	Rejected
)

// Result is the gate's classification of one inbound call.
type Result struct {
	Kind     Kind
	Identity *Identity
	Reason   string
}

// Gate validates bearer credentials against local signing state and the
// session cache.
type Gate struct {
	tokens   *token.Service
	sessions *session.Store
	logger   *zap.Logger
}

// NewGate builds the authentication gate.
func NewGate(tokens *token.Service, sessions *session.Store, logger *zap.Logger) *Gate {
	return &Gate{tokens: tokens, sessions: sessions, logger: logger}
}

// isPublicPath tests the normalized path against the fixed allow-list:
// the login endpoint plus the health and metrics surfaces.
func isPublicPath(path string) bool {
	return path == "/auth/login" ||
		strings.HasPrefix(path, "/health") ||
		strings.HasPrefix(path, "/readiness") ||
		strings.HasPrefix(path, "/metrics")
}

// NormalizePath strips the API version prefix from a request path.
func NormalizePath(path string) string {
	return strings.TrimPrefix(path, APIPrefix)
}

// Authenticate classifies one inbound call from its path and Authorization
// header. Every Rejected outcome short-circuits the call; no partial
// processing may happen after a rejection.
func (g *Gate) Authenticate(ctx context.Context, path, authorizationHeader string) Result {
	if isPublicPath(NormalizePath(path)) {
		return Result{Kind: Public}
	}

	bearer, ok := strings.CutPrefix(authorizationHeader, "Bearer ")
	if !ok || bearer == "" {
		return g.reject("no_token", "no token provided")
	}

	claims, err := g.tokens.Verify(bearer)
	if errors.Is(err, token.ErrExpired) {
		// The subject is known from the otherwise-valid claims; include it
		// so the audit trail names who presented the stale credential.
		return g.reject("token_expired", "token expired - user: "+claims.Subject)
	}
	if err != nil {
		return g.reject("invalid_token", "invalid token")
	}

	profile, err := g.sessions.GetProfile(ctx, claims.Subject)
	if errors.Is(err, session.ErrNotFound) {
		return g.reject("user_not_found", "user not found - user: "+claims.Subject)
	}
	if err != nil {
		g.logger.Error("session cache lookup failed",
			zap.String("username", claims.Subject),
			zap.Error(err),
		)
		return g.reject("cache_error", "user not found - user: "+claims.Subject)
	}

	return Result{
		Kind: Authenticated,
		Identity: &Identity{
			Username:    profile.Username,
			ExpiresAt:   claims.ExpiresAt.Time,
			Authorities: profile.Authorities,
		},
	}
}

func (g *Gate) reject(reason, message string) Result {
	authRejections.WithLabelValues(reason).Inc()
	g.logger.Warn("authentication rejected", zap.String("reason", message))
	return Result{Kind: Rejected, Reason: message}
}
