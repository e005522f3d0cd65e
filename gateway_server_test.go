package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// TestLoadConfig tests configuration loading from environment variables
func TestLoadConfig(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *GatewayConfig)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{"JWT_SECRET": secret},
			validate: func(t *testing.T, cfg *GatewayConfig) {
				if cfg.Port != "8080" {
					t.Errorf("Port = %s, want 8080", cfg.Port)
				}
				if cfg.JWTIssuer != "helpdesk-gateway" {
					t.Errorf("JWTIssuer = %s, want helpdesk-gateway", cfg.JWTIssuer)
				}
				if cfg.AccessTokenTTL != time.Hour {
					t.Errorf("AccessTokenTTL = %v, want 1h", cfg.AccessTokenTTL)
				}
				if cfg.RefreshTokenTTL != 4*time.Hour {
					t.Errorf("RefreshTokenTTL = %v, want 4h", cfg.RefreshTokenTTL)
				}
				if cfg.BlockTimeout != 60*time.Second {
					t.Errorf("BlockTimeout = %v, want 60s", cfg.BlockTimeout)
				}
				if cfg.LoginTimeout != 120*time.Second {
					t.Errorf("LoginTimeout = %v, want 120s", cfg.LoginTimeout)
				}
				if cfg.MaxPending != 1000 {
					t.Errorf("MaxPending = %d, want 1000", cfg.MaxPending)
				}
				if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
					t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
				}
				if cfg.UserRequestTopic != "user-event-request" {
					t.Errorf("UserRequestTopic = %s", cfg.UserRequestTopic)
				}
				if cfg.IPRateLimit != 10 || cfg.IPBurstLimit != 20 {
					t.Errorf("rate limit = %v burst %d, want 10/20", cfg.IPRateLimit, cfg.IPBurstLimit)
				}
			},
		},
		{
			name: "overrides",
			envVars: map[string]string{
				"JWT_SECRET":                secret,
				"PORT":                      "9999",
				"JWT_ISSUER":                "custom-issuer",
				"ACCESS_TOKEN_TTL_SECONDS":  "600",
				"REFRESH_TOKEN_TTL_SECONDS": "7200",
				"PROFILE_TTL_SECONDS":       "7200",
				"BLOCK_TIMEOUT_SECONDS":     "30",
				"LOGIN_TIMEOUT_SECONDS":     "90",
				"MAX_PENDING_REQUESTS":      "50",
				"KAFKA_BROKERS":             "k1:9092, k2:9092",
				"USER_REQUEST_TOPIC":        "custom-requests",
				"IP_RATE_LIMIT":             "2.5",
				"IP_BURST_LIMIT":            "5",
			},
			validate: func(t *testing.T, cfg *GatewayConfig) {
				if cfg.Port != "9999" {
					t.Errorf("Port = %s, want 9999", cfg.Port)
				}
				if cfg.JWTIssuer != "custom-issuer" {
					t.Errorf("JWTIssuer = %s", cfg.JWTIssuer)
				}
				if cfg.AccessTokenTTL != 10*time.Minute {
					t.Errorf("AccessTokenTTL = %v, want 10m", cfg.AccessTokenTTL)
				}
				if cfg.BlockTimeout != 30*time.Second || cfg.LoginTimeout != 90*time.Second {
					t.Errorf("timeouts = %v / %v", cfg.BlockTimeout, cfg.LoginTimeout)
				}
				if cfg.MaxPending != 50 {
					t.Errorf("MaxPending = %d, want 50", cfg.MaxPending)
				}
				if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
					t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
				}
				if cfg.UserRequestTopic != "custom-requests" {
					t.Errorf("UserRequestTopic = %s", cfg.UserRequestTopic)
				}
				if cfg.IPRateLimit != rate.Limit(2.5) || cfg.IPBurstLimit != 5 {
					t.Errorf("rate limit = %v burst %d", cfg.IPRateLimit, cfg.IPBurstLimit)
				}
			},
		},
	}

	// All variables any case might set, cleared between cases.
	allVars := []string{
		"JWT_SECRET", "JWT_ISSUER", "PORT",
		"ACCESS_TOKEN_TTL_SECONDS", "REFRESH_TOKEN_TTL_SECONDS", "PROFILE_TTL_SECONDS",
		"BLOCK_TIMEOUT_SECONDS", "LOGIN_TIMEOUT_SECONDS", "CLEANUP_INTERVAL_SECONDS",
		"MAX_PENDING_REQUESTS", "KAFKA_BROKERS", "USER_REQUEST_TOPIC",
		"USER_REPLY_TOPIC", "TICKET_REQUEST_TOPIC", "TICKET_REPLY_TOPIC",
		"REDIS_ADDR", "REDIS_PASSWORD", "IP_RATE_LIMIT", "IP_BURST_LIMIT",
		"ALLOWED_ORIGINS",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range allVars {
				t.Setenv(v, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			tt.validate(t, loadConfig(nil))
		})
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "10.0.0.1:54321",
			want:       "10.0.0.1",
		},
		{
			name:       "x-forwarded-for single",
			remoteAddr: "10.0.0.1:54321",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			want:       "203.0.113.7",
		},
		{
			name:       "x-forwarded-for chain takes first",
			remoteAddr: "10.0.0.1:54321",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2, 10.0.0.3"},
			want:       "203.0.113.7",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:54321",
			headers:    map[string]string{"X-Real-IP": "198.51.100.4"},
			want:       "198.51.100.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIPRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewIPRateLimiter(1, 3)

	l := limiter.GetLimiter("10.0.0.1")
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d requests, want burst of 3", allowed)
	}

	// A different IP has its own bucket.
	if !limiter.GetLimiter("10.0.0.2").Allow() {
		t.Error("fresh IP should not share an exhausted bucket")
	}
}

func TestIPRateLimiterCleanup(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1)
	limiter.GetLimiter("10.0.0.1")
	limiter.GetLimiter("10.0.0.2")

	if cleaned := limiter.Cleanup(time.Hour); cleaned != 0 {
		t.Errorf("Cleanup removed %d fresh entries, want 0", cleaned)
	}

	time.Sleep(10 * time.Millisecond)
	if cleaned := limiter.Cleanup(time.Millisecond); cleaned != 2 {
		t.Errorf("Cleanup = %d, want 2", cleaned)
	}
}

func TestHandleHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body is not JSON: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %s, want healthy", body["status"])
	}
}

func TestHandleReadiness(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rec := httptest.NewRecorder()
	g.server.handleReadiness(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\n%s", rec.Code, rec.Body.String())
	}

	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("readiness body is not JSON: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %s, want healthy", body.Status)
	}
	if body.Dependencies["bus"].Status != "up" {
		t.Errorf("bus dependency = %+v", body.Dependencies["bus"])
	}
	if body.Dependencies["capacity"].Status != "up" {
		t.Errorf("capacity dependency = %+v", body.Dependencies["capacity"])
	}
	if body.Metrics.MaxPending != g.server.config.MaxPending {
		t.Errorf("max pending = %d, want %d", body.Metrics.MaxPending, g.server.config.MaxPending)
	}
}

func TestReadinessReportsOpenCircuit(t *testing.T) {
	g := newTestGateway(t)

	// Trip the breaker.
	for i := 0; i < 5; i++ {
		g.server.breaker.RecordFailure()
	}

	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rec := httptest.NewRecorder()
	g.server.handleReadiness(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("readiness body is not JSON: %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy", body.Status)
	}
	if body.Dependencies["bus"].Status != "down" {
		t.Errorf("bus dependency = %+v", body.Dependencies["bus"])
	}
}

func TestCORSMiddleware(t *testing.T) {
	g := newTestGateway(t)
	g.server.config.AllowedOrigins = "https://app.example.com"

	handler := g.server.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Preflight from an allowed origin.
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/categories", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	// Disallowed origin gets no CORS headers.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow-origin for disallowed origin = %q, want empty", got)
	}
}
