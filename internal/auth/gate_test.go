package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"helpdesk-gateway/internal/session"
	"helpdesk-gateway/internal/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestGate(tb testing.TB, now func() time.Time) (*Gate, *token.Service, *session.Store) {
	tb.Helper()
	tokens := token.NewService(testSecret, "helpdesk-gateway", time.Hour, now)
	sessions := session.NewStore(session.NewMemoryKV(0), session.TTLs{
		AccessToken:  time.Hour,
		RefreshToken: 4 * time.Hour,
		Profile:      4 * time.Hour,
	})
	return NewGate(tokens, sessions, zap.NewNop()), tokens, sessions
}

func seedSession(tb testing.TB, sessions *session.Store, username string) {
	tb.Helper()
	err := sessions.SaveSession(context.Background(), &session.Profile{
		Username:    username,
		Authorities: []string{"ROLE_USER"},
	}, "access", "refresh")
	if err != nil {
		tb.Fatalf("seed session for %s: %v", username, err)
	}
}

func TestPublicPathsNeedNoToken(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)

	for _, path := range []string{
		"/api/v1/auth/login",
		"/health",
		"/readiness",
		"/metrics",
	} {
		result := gate.Authenticate(context.Background(), path, "")
		if result.Kind != Public {
			t.Errorf("Authenticate(%s) kind = %v, want Public (reason %q)", path, result.Kind, result.Reason)
		}
	}
}

func TestProtectedPathWithoutTokenRejected(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"bare token", "sometoken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := gate.Authenticate(context.Background(), "/api/v1/categories", tt.header)
			if result.Kind != Rejected {
				t.Fatalf("kind = %v, want Rejected", result.Kind)
			}
			if result.Reason != "no token provided" {
				t.Errorf("reason = %q, want %q", result.Reason, "no token provided")
			}
		})
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)

	result := gate.Authenticate(context.Background(), "/api/v1/categories", "Bearer not.a.jwt")
	if result.Kind != Rejected {
		t.Fatalf("kind = %v, want Rejected", result.Kind)
	}
	if result.Reason != "invalid token" {
		t.Errorf("reason = %q, want %q", result.Reason, "invalid token")
	}
}

func TestExpiredTokenRejectionNamesSubject(t *testing.T) {
	issued := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer := token.NewService(testSecret, "helpdesk-gateway", time.Hour, func() time.Time { return issued })
	signed, err := issuer.IssueAccessToken("alice", nil)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	// The gate verifies two hours after issuance.
	gate, _, sessions := newTestGate(t, func() time.Time { return issued.Add(2 * time.Hour) })
	seedSession(t, sessions, "alice")

	result := gate.Authenticate(context.Background(), "/api/v1/categories", "Bearer "+signed)
	if result.Kind != Rejected {
		t.Fatalf("kind = %v, want Rejected", result.Kind)
	}
	if result.Reason != "token expired - user: alice" {
		t.Errorf("reason = %q, want %q", result.Reason, "token expired - user: alice")
	}
}

func TestValidTokenWithoutSessionRejected(t *testing.T) {
	gate, tokens, _ := newTestGate(t, nil)

	signed, err := tokens.IssueAccessToken("ghost", nil)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	result := gate.Authenticate(context.Background(), "/api/v1/categories", "Bearer "+signed)
	if result.Kind != Rejected {
		t.Fatalf("kind = %v, want Rejected", result.Kind)
	}
	if !strings.Contains(result.Reason, "user not found - user: ghost") {
		t.Errorf("reason = %q, want it to name the subject", result.Reason)
	}
}

func TestValidTokenWithSessionAuthenticated(t *testing.T) {
	gate, tokens, sessions := newTestGate(t, nil)
	seedSession(t, sessions, "alice")

	signed, err := tokens.IssueAccessToken("alice", []string{"ROLE_USER"})
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	result := gate.Authenticate(context.Background(), "/api/v1/categories", "Bearer "+signed)
	if result.Kind != Authenticated {
		t.Fatalf("kind = %v, want Authenticated (reason %q)", result.Kind, result.Reason)
	}
	if result.Identity == nil || result.Identity.Username != "alice" {
		t.Fatalf("identity = %+v, want alice", result.Identity)
	}
	if len(result.Identity.Authorities) != 1 || result.Identity.Authorities[0] != "ROLE_USER" {
		t.Errorf("authorities = %v", result.Identity.Authorities)
	}
	if result.Identity.ExpiresAt.IsZero() {
		t.Error("identity ExpiresAt not set")
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/api/v1/auth/login", "/auth/login"},
		{"/api/v1/categories", "/categories"},
		{"/health", "/health"},
		{"/", "/"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestContextIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()

	if _, ok := IdentityFrom(ctx); ok {
		t.Error("IdentityFrom on empty context reported an identity")
	}
	if got := RequestIDFrom(ctx); got != "" {
		t.Errorf("RequestIDFrom on empty context = %q, want empty", got)
	}

	id := &Identity{Username: "alice"}
	ctx = WithIdentity(ctx, id)
	ctx = WithRequestID(ctx, "req-123")

	got, ok := IdentityFrom(ctx)
	if !ok || got.Username != "alice" {
		t.Errorf("IdentityFrom = %+v, %v", got, ok)
	}
	if got := RequestIDFrom(ctx); got != "req-123" {
		t.Errorf("RequestIDFrom = %q, want req-123", got)
	}
}
