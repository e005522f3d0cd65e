package main

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"helpdesk-gateway/internal/apierr"
	"helpdesk-gateway/internal/auth"
	"helpdesk-gateway/internal/correlate"
	"helpdesk-gateway/internal/envelope"
	"helpdesk-gateway/internal/session"
	"helpdesk-gateway/internal/token"
)

// Maximum request body size (1MB) to prevent memory exhaustion
const maxRequestBodySize = 1 << 20

// ApiResponse is the uniform envelope every endpoint answers with.
type ApiResponse struct {
	Status       string      `json:"status"`
	Message      string      `json:"message,omitempty"`
	Data         interface{} `json:"data,omitempty"`
	RequestID    string      `json:"requestId,omitempty"`
	ErrorCode    string      `json:"errorCode,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	Timestamp    string      `json:"timestamp"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Username     string `json:"username"`
	TokenType    string `json:"tokenType"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// CategoryInfo is one ticket category as the ticket service reports it.
type CategoryInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PriorityInfo is one ticket priority level.
type PriorityInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// StatusInfo is one ticket lifecycle status.
type StatusInfo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body ApiResponse) {
	body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, requestID string, data interface{}) {
	writeJSON(w, http.StatusOK, ApiResponse{
		Status:    "SUCCESS",
		RequestID: requestID,
		Data:      data,
	})
}

// writeError maps any error to the response envelope. Correlated failures
// carry their own correlationId, which wins over the HTTP-level requestId so
// the client can quote the identifier the downstream services logged.
func writeError(w http.ResponseWriter, requestID string, err error) {
	apiErr := apierr.From(err)
	if apiErr.CorrelationID != "" {
		requestID = apiErr.CorrelationID
	}
	writeJSON(w, apiErr.HTTPStatus, ApiResponse{
		Status:       "ERROR",
		RequestID:    requestID,
		ErrorCode:    apiErr.Code,
		ErrorMessage: apiErr.Message,
	})
}

func writeUnauthorized(w http.ResponseWriter, requestID, reason string) {
	writeError(w, requestID, apierr.Unauthorized(reason))
}

// decodeBody reads and decodes a JSON request body with a hard size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Invalid("invalid request body")
	}
	return nil
}

// POST /api/v1/auth/login
//
// Publishes the credential check to the user service and blocks for the
// verdict. On success the gateway mints the access token locally, generates
// an opaque refresh token, and caches the session before answering.
func (s *GatewayServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := auth.RequestIDFrom(ctx)

	if r.Method != http.MethodPost {
		writeError(w, requestID, apierr.Invalid("method not allowed"))
		return
	}

	var req LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, requestID, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, requestID, apierr.Invalid("username and password are required"))
		return
	}

	profile, err := correlate.Request[session.Profile](ctx, s.registry,
		envelope.OpAuthenticateUser, req, s.config.LoginTimeout)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	accessToken, err := s.tokens.IssueAccessToken(profile.Username, profile.Authorities)
	if err != nil {
		s.logger.Error("failed to issue access token",
			zap.String("username", profile.Username),
			zap.Error(err),
		)
		writeError(w, requestID, apierr.Internal("internal server error", ""))
		return
	}

	refreshToken, err := token.NewRefreshToken()
	if err != nil {
		s.logger.Error("failed to generate refresh token", zap.Error(err))
		writeError(w, requestID, apierr.Internal("internal server error", ""))
		return
	}

	// A cache write failure does not fail the login: the tokens are valid,
	// only subsequent calls will see a cache miss and re-authenticate.
	if err := s.sessions.SaveSession(ctx, &profile, accessToken, refreshToken); err != nil {
		s.logger.Error("failed to cache session",
			zap.String("username", profile.Username),
			zap.Error(err),
		)
	}

	s.logger.Info("user logged in", zap.String("username", profile.Username))

	writeSuccess(w, requestID, LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Username:     profile.Username,
		TokenType:    "Bearer",
	})
}

// POST /api/v1/auth/refresh-token
//
// Requires a live (non-expired) access token; the presented refresh token is
// compared in constant time against the cached one, then both tokens are
// reissued and the session rewritten with fresh TTLs.
func (s *GatewayServer) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := auth.RequestIDFrom(ctx)

	if r.Method != http.MethodPost {
		writeError(w, requestID, apierr.Invalid("method not allowed"))
		return
	}

	identity, ok := auth.IdentityFrom(ctx)
	if !ok {
		writeUnauthorized(w, requestID, "no token provided")
		return
	}

	var req RefreshRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, requestID, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, requestID, apierr.Invalid("refreshToken is required"))
		return
	}

	cached, err := s.sessions.GetRefreshToken(ctx, identity.Username)
	if err != nil {
		writeUnauthorized(w, requestID, "invalid refresh token")
		return
	}
	if subtle.ConstantTimeCompare([]byte(cached), []byte(req.RefreshToken)) != 1 {
		s.logger.Warn("refresh token mismatch", zap.String("username", identity.Username))
		writeUnauthorized(w, requestID, "invalid refresh token")
		return
	}

	profile, err := s.sessions.GetProfile(ctx, identity.Username)
	if err != nil {
		writeUnauthorized(w, requestID, "user not found - user: "+identity.Username)
		return
	}

	accessToken, err := s.tokens.IssueAccessToken(profile.Username, profile.Authorities)
	if err != nil {
		writeError(w, requestID, apierr.Internal("internal server error", ""))
		return
	}
	refreshToken, err := token.NewRefreshToken()
	if err != nil {
		writeError(w, requestID, apierr.Internal("internal server error", ""))
		return
	}

	if err := s.sessions.SaveSession(ctx, profile, accessToken, refreshToken); err != nil {
		s.logger.Error("failed to rewrite session on refresh",
			zap.String("username", profile.Username),
			zap.Error(err),
		)
		writeError(w, requestID, apierr.Internal("internal server error", ""))
		return
	}

	s.logger.Info("tokens refreshed", zap.String("username", profile.Username))

	writeSuccess(w, requestID, LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Username:     profile.Username,
		TokenType:    "Bearer",
	})
}

// POST /api/v1/auth/logout
//
// Deletes the cached session. Idempotent: a second logout finds nothing to
// delete and still succeeds.
func (s *GatewayServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := auth.RequestIDFrom(ctx)

	if r.Method != http.MethodPost {
		writeError(w, requestID, apierr.Invalid("method not allowed"))
		return
	}

	identity, ok := auth.IdentityFrom(ctx)
	if !ok {
		writeUnauthorized(w, requestID, "no token provided")
		return
	}

	if err := s.sessions.DeleteSession(ctx, identity.Username); err != nil {
		s.logger.Error("failed to delete session",
			zap.String("username", identity.Username),
			zap.Error(err),
		)
		writeError(w, requestID, apierr.Internal("internal server error", ""))
		return
	}

	s.logger.Info("user logged out", zap.String("username", identity.Username))

	writeSuccess(w, requestID, map[string]string{"message": "logged out"})
}

// GET /api/v1/users/me
//
// Returns the caller's own cached profile. The subject comes from the
// authenticated identity, never from anything client-supplied.
func (s *GatewayServer) handleGetMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := auth.RequestIDFrom(ctx)

	if r.Method != http.MethodGet {
		writeError(w, requestID, apierr.Invalid("method not allowed"))
		return
	}

	identity, ok := auth.IdentityFrom(ctx)
	if !ok {
		writeUnauthorized(w, requestID, "no token provided")
		return
	}

	profile, err := s.sessions.GetProfile(ctx, identity.Username)
	if err != nil {
		writeUnauthorized(w, requestID, "user not found - user: "+identity.Username)
		return
	}

	writeSuccess(w, requestID, profile)
}

// GET /api/v1/categories
func (s *GatewayServer) handleListCategories(w http.ResponseWriter, r *http.Request) {
	listHandler[CategoryInfo](s, w, r, envelope.OpListCategories)
}

// GET /api/v1/priorities
func (s *GatewayServer) handleListPriorities(w http.ResponseWriter, r *http.Request) {
	listHandler[PriorityInfo](s, w, r, envelope.OpListPriorities)
}

// GET /api/v1/statuses
func (s *GatewayServer) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	listHandler[StatusInfo](s, w, r, envelope.OpListStatuses)
}

// listHandler is the shared read path: publish the lookup to the ticket
// service, block for the reply, answer with the decoded list. A missing
// payload answers an empty list, not null.
func listHandler[T any](s *GatewayServer, w http.ResponseWriter, r *http.Request, operation string) {
	ctx := r.Context()
	requestID := auth.RequestIDFrom(ctx)

	if r.Method != http.MethodGet {
		writeError(w, requestID, apierr.Invalid("method not allowed"))
		return
	}

	items, err := correlate.Request[[]T](ctx, s.registry, operation, nil, s.config.BlockTimeout)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	if items == nil {
		items = []T{}
	}

	writeSuccess(w, requestID, items)
}
