// Package session holds per-subject authentication state in a key/value
// cache: the user's profile, the current access token, and the current
// refresh token, each under its own key with an independent TTL.
//
// Three keys exist per username: the bare username for the profile, and the
// reserved prefixes below for the two credentials. The gateway never keeps
// this state beyond a single request; the cache is the source of truth.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reserved key prefixes for credential entries.
const (
	accessTokenPrefix  = "access-token:"
	refreshTokenPrefix = "refresh-token:"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("session: key not found")

// Profile is the cached user record written at login and read by the
// authentication gate on every protected call.
type Profile struct {
	Username    string   `json:"username"`
	FullName    string   `json:"fullName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
}

// KV is the minimal key/value surface the store needs. Redis provides it in
// production; the in-memory implementation covers local runs and tests.
type KV interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// TTLs configures the per-key expirations. Invariant: the profile must live
// at least as long as the access token, and the refresh token longest, so a
// valid credential never points at an evicted profile.
type TTLs struct {
	AccessToken  time.Duration
	RefreshToken time.Duration
	Profile      time.Duration
}

// Store is the session cache facade used by the gate and the auth handlers.
type Store struct {
	kv   KV
	ttls TTLs
}

// NewStore wraps a KV with the configured TTL policy.
func NewStore(kv KV, ttls TTLs) *Store {
	return &Store{kv: kv, ttls: ttls}
}

// GetProfile loads the cached profile for username. Returns ErrNotFound when
// the user has no live session.
func (s *Store) GetProfile(ctx context.Context, username string) (*Profile, error) {
	raw, err := s.kv.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode cached profile for %s: %w", username, err)
	}
	return &p, nil
}

// SaveSession writes the three session keys for a subject. The writes are
// independent: a failure on one does not roll back the others, it is
// reported to the caller and tolerated.
func (s *Store) SaveSession(ctx context.Context, profile *Profile, accessToken, refreshToken string) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile for %s: %w", profile.Username, err)
	}

	var firstErr error
	if err := s.kv.Set(ctx, profile.Username, string(data), s.ttls.Profile); err != nil {
		firstErr = fmt.Errorf("store profile: %w", err)
	}
	if err := s.kv.Set(ctx, accessTokenPrefix+profile.Username, accessToken, s.ttls.AccessToken); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store access token: %w", err)
	}
	if err := s.kv.Set(ctx, refreshTokenPrefix+profile.Username, refreshToken, s.ttls.RefreshToken); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store refresh token: %w", err)
	}
	return firstErr
}

// GetRefreshToken returns the cached refresh token for username, or
// ErrNotFound when none is live.
func (s *Store) GetRefreshToken(ctx context.Context, username string) (string, error) {
	return s.kv.Get(ctx, refreshTokenPrefix+username)
}

// DeleteSession removes all three session keys for username (logout).
func (s *Store) DeleteSession(ctx context.Context, username string) error {
	return s.kv.Del(ctx,
		username,
		accessTokenPrefix+username,
		refreshTokenPrefix+username,
	)
}
