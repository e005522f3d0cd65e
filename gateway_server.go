package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"helpdesk-gateway/internal/auth"
	"helpdesk-gateway/internal/bus"
	"helpdesk-gateway/internal/correlate"
	"helpdesk-gateway/internal/envelope"
	"helpdesk-gateway/internal/session"
	"helpdesk-gateway/internal/token"
)

// GatewayConfig holds all gateway server configuration
type GatewayConfig struct {
	Port string

	// Credential configuration
	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ProfileTTL      time.Duration

	// Correlation configuration
	BlockTimeout    time.Duration // deadline for list lookups
	LoginTimeout    time.Duration // deadline for the login round trip
	CleanupInterval time.Duration
	MaxPending      int

	// Bus configuration
	KafkaBrokers       []string
	UserRequestTopic   string
	UserReplyTopic     string
	TicketRequestTopic string
	TicketReplyTopic   string

	// Session cache configuration. Empty RedisAddr selects the in-process
	// store (local runs and tests only).
	RedisAddr     string
	RedisPassword string

	// Rate limiting configuration (per-IP)
	IPRateLimit  rate.Limit // requests per second per IP
	IPBurstLimit int        // burst capacity per IP

	AllowedOrigins string
}

// IPRateLimiter manages per-IP rate limiters with automatic cleanup
type IPRateLimiter struct {
	limiters map[string]*rateLimiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new per-IP rate limiter
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rateLimiterEntry),
		rate:     r,
		burst:    b,
	}
}

// Maximum number of IP rate limiters to prevent memory exhaustion DoS
const maxIPRateLimiters = 10000

// GetLimiter returns the rate limiter for the given IP, creating one if needed.
// SECURITY: Enforces maximum map size to prevent memory exhaustion DoS
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	entry, exists := i.limiters[ip]
	if !exists {
		// If at capacity, remove oldest entry first
		if len(i.limiters) >= maxIPRateLimiters {
			var oldestIP string
			var oldestTime time.Time
			for ip, entry := range i.limiters {
				if oldestIP == "" || entry.lastSeen.Before(oldestTime) {
					oldestIP = ip
					oldestTime = entry.lastSeen
				}
			}
			if oldestIP != "" {
				delete(i.limiters, oldestIP)
			}
		}

		limiter := rate.NewLimiter(i.rate, i.burst)
		i.limiters[ip] = &rateLimiterEntry{
			limiter:  limiter,
			lastSeen: time.Now(),
		}
		return limiter
	}

	entry.lastSeen = time.Now()
	return entry.limiter
}

// Cleanup removes rate limiters that haven't been used recently
func (i *IPRateLimiter) Cleanup(maxAge time.Duration) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for ip, entry := range i.limiters {
		if now.Sub(entry.lastSeen) > maxAge {
			delete(i.limiters, ip)
			cleaned++
		}
	}
	return cleaned
}

// GatewayServer encapsulates all server state
type GatewayServer struct {
	config        *GatewayConfig
	logger        *zap.Logger
	registry      *correlate.Registry
	gate          *auth.Gate
	tokens        *token.Service
	sessions      *session.Store
	ipRateLimiter *IPRateLimiter
	breaker       *bus.CircuitBreaker

	// Optional backends, nil depending on configuration.
	redisKV  *session.RedisKV
	memoryKV *session.MemoryKV
}

// Prometheus metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	rateLimitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejected_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
		[]string{"endpoint"},
	)

	panicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_panics_recovered_total",
			Help: "Total number of panics recovered by the server",
		},
	)

	healthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_health_checks_total",
			Help: "Total number of health/readiness checks by status",
		},
		[]string{"type", "status"},
	)

	dependencyStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_dependency_status",
			Help: "Status of dependencies (1=up, 0.5=degraded, 0=down)",
		},
		[]string{"dependency"},
	)
)

// newLogger initializes the structured logger from LOG_LEVEL / LOG_FORMAT.
func newLogger() *zap.Logger {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var zapConfig zap.Config
	if os.Getenv("LOG_FORMAT") == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logger
}

func loadConfig(logger *zap.Logger) *GatewayConfig {
	logFatal := func(msg string) {
		if logger != nil {
			logger.Fatal(msg)
		} else {
			log.Fatal(msg)
		}
	}

	config := &GatewayConfig{}

	// Required configuration
	config.JWTSecret = os.Getenv("JWT_SECRET")
	if config.JWTSecret == "" {
		logFatal("JWT_SECRET environment variable not set")
	}
	if len(config.JWTSecret) < 32 {
		logFatal("JWT_SECRET must be at least 32 bytes")
	}

	config.JWTIssuer = os.Getenv("JWT_ISSUER")
	if config.JWTIssuer == "" {
		config.JWTIssuer = "helpdesk-gateway"
	}

	config.Port = os.Getenv("PORT")
	if config.Port == "" {
		config.Port = "8080"
	}

	// Optional durations with defaults
	config.AccessTokenTTL = envSeconds(logger, "ACCESS_TOKEN_TTL_SECONDS", time.Hour)
	config.RefreshTokenTTL = envSeconds(logger, "REFRESH_TOKEN_TTL_SECONDS", 4*time.Hour)
	config.ProfileTTL = envSeconds(logger, "PROFILE_TTL_SECONDS", 4*time.Hour)
	config.BlockTimeout = envSeconds(logger, "BLOCK_TIMEOUT_SECONDS", 60*time.Second)
	config.LoginTimeout = envSeconds(logger, "LOGIN_TIMEOUT_SECONDS", 120*time.Second)
	config.CleanupInterval = envSeconds(logger, "CLEANUP_INTERVAL_SECONDS", 2*time.Minute)

	// The refresh token must outlive the access token and the profile must
	// outlive the access token, or a valid credential can point at an
	// evicted session.
	if config.RefreshTokenTTL < config.AccessTokenTTL {
		logFatal("REFRESH_TOKEN_TTL_SECONDS must be >= ACCESS_TOKEN_TTL_SECONDS")
	}
	if config.ProfileTTL < config.AccessTokenTTL {
		logFatal("PROFILE_TTL_SECONDS must be >= ACCESS_TOKEN_TTL_SECONDS")
	}

	maxPendingStr := os.Getenv("MAX_PENDING_REQUESTS")
	if maxPendingStr == "" {
		config.MaxPending = 1000
	} else {
		if _, err := fmt.Sscanf(maxPendingStr, "%d", &config.MaxPending); err != nil {
			logFatal("Invalid MAX_PENDING_REQUESTS: " + err.Error())
		}
	}

	// Bus configuration
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = "localhost:9092"
	}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			config.KafkaBrokers = append(config.KafkaBrokers, b)
		}
	}

	config.UserRequestTopic = envString("USER_REQUEST_TOPIC", bus.TopicUserRequest)
	config.UserReplyTopic = envString("USER_REPLY_TOPIC", bus.TopicUserReply)
	config.TicketRequestTopic = envString("TICKET_REQUEST_TOPIC", bus.TopicTicketRequest)
	config.TicketReplyTopic = envString("TICKET_REPLY_TOPIC", bus.TopicTicketReply)

	config.RedisAddr = os.Getenv("REDIS_ADDR")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Per-IP rate limiting configuration
	// Default: 10 requests/second per IP with burst of 20
	ipRateLimitStr := os.Getenv("IP_RATE_LIMIT")
	if ipRateLimitStr == "" {
		config.IPRateLimit = 10
	} else {
		var rateLimit float64
		if _, err := fmt.Sscanf(ipRateLimitStr, "%f", &rateLimit); err != nil {
			logFatal("Invalid IP_RATE_LIMIT: " + err.Error())
		}
		config.IPRateLimit = rate.Limit(rateLimit)
	}

	ipBurstStr := os.Getenv("IP_BURST_LIMIT")
	if ipBurstStr == "" {
		config.IPBurstLimit = 20
	} else {
		if _, err := fmt.Sscanf(ipBurstStr, "%d", &config.IPBurstLimit); err != nil {
			logFatal("Invalid IP_BURST_LIMIT: " + err.Error())
		}
	}

	config.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	return config
}

func envSeconds(logger *zap.Logger, name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	var seconds int
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err != nil || seconds <= 0 {
		if logger != nil {
			logger.Fatal("Invalid "+name, zap.String("value", raw))
		} else {
			log.Fatalf("Invalid %s: %q", name, raw)
		}
	}
	return time.Duration(seconds) * time.Second
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// newGatewayServer wires the server from its collaborators. The bus
// publishers arrive pre-built so tests can substitute fakes.
func newGatewayServer(config *GatewayConfig, logger *zap.Logger, kv session.KV, userPublisher, ticketPublisher bus.Publisher, breaker *bus.CircuitBreaker) *GatewayServer {
	sessions := session.NewStore(kv, session.TTLs{
		AccessToken:  config.AccessTokenTTL,
		RefreshToken: config.RefreshTokenTTL,
		Profile:      config.ProfileTTL,
	})

	tokens := token.NewService([]byte(config.JWTSecret), config.JWTIssuer, config.AccessTokenTTL, nil)

	registry := correlate.NewRegistry(map[string]bus.Publisher{
		envelope.OpAuthenticateUser: userPublisher,
		envelope.OpListCategories:   ticketPublisher,
		envelope.OpListPriorities:   ticketPublisher,
		envelope.OpListStatuses:     ticketPublisher,
	}, config.MaxPending, logger)

	return &GatewayServer{
		config:        config,
		logger:        logger,
		registry:      registry,
		gate:          auth.NewGate(tokens, sessions, logger),
		tokens:        tokens,
		sessions:      sessions,
		ipRateLimiter: NewIPRateLimiter(config.IPRateLimit, config.IPBurstLimit),
		breaker:       breaker,
	}
}

// routes builds the HTTP handler tree with the full middleware chain:
// panic recovery, request metrics, per-IP rate limiting, then the
// authentication gate.
func (s *GatewayServer) routes() http.Handler {
	mux := http.NewServeMux()

	protected := func(endpoint string, h http.HandlerFunc) http.Handler {
		return s.panicRecoveryMiddleware(
			metricsMiddleware(endpoint, s.corsMiddleware(s.rateLimitMiddleware(s.authMiddleware(h)))))
	}

	mux.Handle(auth.APIPrefix+"/auth/login", protected("login", s.handleLogin))
	mux.Handle(auth.APIPrefix+"/auth/refresh-token", protected("refresh_token", s.handleRefreshToken))
	mux.Handle(auth.APIPrefix+"/auth/logout", protected("logout", s.handleLogout))
	mux.Handle(auth.APIPrefix+"/users/me", protected("users_me", s.handleGetMe))
	mux.Handle(auth.APIPrefix+"/categories", protected("categories", s.handleListCategories))
	mux.Handle(auth.APIPrefix+"/priorities", protected("priorities", s.handleListPriorities))
	mux.Handle(auth.APIPrefix+"/statuses", protected("statuses", s.handleListStatuses))

	mux.Handle("/health", s.panicRecoveryMiddleware(http.HandlerFunc(handleHealth)))
	mux.Handle("/readiness", s.panicRecoveryMiddleware(http.HandlerFunc(s.handleReadiness)))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// panicRecoveryMiddleware catches panics in HTTP handlers and logs them.
func (s *GatewayServer) panicRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				panicsRecovered.Inc()
				s.logger.Error("panic recovered in HTTP handler",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("stack", string(debug.Stack())),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware wraps HTTP handlers with request metrics
func metricsMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap ResponseWriter to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := fmt.Sprintf("%d", rw.statusCode)

		httpRequestsTotal.WithLabelValues(endpoint, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(endpoint, r.Method).Observe(duration)
	})
}

// getClientIP extracts the real client IP, handling X-Forwarded-For header
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (for reverse proxies)
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// Take the first IP in the chain (original client)
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				return ip
			}
		}
	}

	// Check X-Real-IP header
	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr (strip port)
	ip := r.RemoteAddr
	if colonIdx := strings.LastIndex(ip, ":"); colonIdx != -1 {
		ip = ip[:colonIdx]
	}
	return ip
}

// corsMiddleware answers preflight requests and sets CORS headers for
// origins on the configured allow-list. With no list configured it is a
// pass-through.
func (s *GatewayServer) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool)
	for _, o := range strings.Split(s.config.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies per-IP token bucket rate limiting.
// Returns 429 Too Many Requests if the rate limit is exceeded for the client's IP.
func (s *GatewayServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		limiter := s.ipRateLimiter.GetLimiter(clientIP)

		if !limiter.Allow() {
			rateLimitRejected.WithLabelValues(r.URL.Path).Inc()
			s.logger.Warn("Per-IP rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("endpoint", r.URL.Path),
			)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware runs the authentication gate on every call before any
// handler executes. A rejection short-circuits the request entirely; public
// paths pass through without an identity.
func (s *GatewayServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		ctx := auth.WithRequestID(r.Context(), requestID)

		result := s.gate.Authenticate(ctx, r.URL.Path, r.Header.Get("Authorization"))
		switch result.Kind {
		case auth.Rejected:
			writeUnauthorized(w, requestID, result.Reason)
			return
		case auth.Authenticated:
			ctx = auth.WithIdentity(ctx, result.Identity)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

var (
	serverStartTime = time.Now()
	appVersion      = "1.0.0"
)

// GET /health - Liveness probe (is the server running?)
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(serverStartTime).String(),
	}

	healthChecks.WithLabelValues("liveness", "healthy").Inc()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// Health check response
type HealthResponse struct {
	Status       string            `json:"status"`       // "healthy", "degraded", "unhealthy"
	Timestamp    string            `json:"timestamp"`    // ISO 8601 timestamp
	Version      string            `json:"version"`      // Application version
	Uptime       string            `json:"uptime"`       // How long the server has been running
	Dependencies map[string]Health `json:"dependencies"` // Status of dependencies
	Metrics      HealthMetrics     `json:"metrics"`      // Current metrics
}

type Health struct {
	Status      string `json:"status"`            // "up", "down", "degraded"
	Message     string `json:"message,omitempty"` // Additional info
	LastChecked string `json:"last_checked"`      // When this was last checked
}

type HealthMetrics struct {
	PendingRequests int     `json:"pending_requests"`
	MaxPending      int     `json:"max_pending"`
	CapacityUsed    float64 `json:"capacity_used_percent"`
}

// GET /readiness - Readiness probe (is the server ready to accept traffic?)
func (s *GatewayServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()

	deps := make(map[string]Health)
	overallStatus := "healthy"
	now := time.Now().UTC().Format(time.RFC3339)

	// 1. Session cache reachability
	deps["session_cache"] = s.checkSessionCache(ctx)
	if deps["session_cache"].Status != "up" {
		overallStatus = "degraded"
	}

	// 2. Bus circuit state
	busHealth := Health{Status: "up", Message: "Circuit closed", LastChecked: now}
	switch s.breaker.State() {
	case "open":
		busHealth = Health{Status: "down", Message: "Circuit open - bus unreachable", LastChecked: now}
		overallStatus = "unhealthy"
	case "half-open":
		busHealth = Health{Status: "degraded", Message: "Circuit half-open - probing bus", LastChecked: now}
		if overallStatus == "healthy" {
			overallStatus = "degraded"
		}
	}
	deps["bus"] = busHealth

	// 3. Correlation capacity
	currentPending := s.registry.Pending()
	capacityPercent := float64(currentPending) / float64(s.registry.MaxPending()) * 100
	capacityStatus := "up"
	capacityMessage := "Capacity available"

	if capacityPercent >= 100 {
		capacityStatus = "down"
		capacityMessage = "At capacity limit"
		overallStatus = "unhealthy"
	} else if capacityPercent >= 90 {
		capacityStatus = "degraded"
		capacityMessage = "Near capacity limit"
		if overallStatus == "healthy" {
			overallStatus = "degraded"
		}
	}

	deps["capacity"] = Health{
		Status:      capacityStatus,
		Message:     capacityMessage,
		LastChecked: now,
	}

	response := HealthResponse{
		Status:       overallStatus,
		Timestamp:    now,
		Version:      appVersion,
		Uptime:       time.Since(serverStartTime).String(),
		Dependencies: deps,
		Metrics: HealthMetrics{
			PendingRequests: currentPending,
			MaxPending:      s.registry.MaxPending(),
			CapacityUsed:    capacityPercent,
		},
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)

	healthChecks.WithLabelValues("readiness", overallStatus).Inc()

	for depName, depHealth := range deps {
		var statusValue float64
		switch depHealth.Status {
		case "up":
			statusValue = 1.0
		case "degraded":
			statusValue = 0.5
		case "down":
			statusValue = 0.0
		}
		dependencyStatus.WithLabelValues(depName).Set(statusValue)
	}

	if overallStatus != "healthy" {
		s.logger.Warn("Readiness check failed",
			zap.String("status", overallStatus),
			zap.Any("dependencies", deps),
		)
	}
}

// checkSessionCache verifies connectivity to the session cache backend.
func (s *GatewayServer) checkSessionCache(ctx context.Context) Health {
	now := time.Now().UTC().Format(time.RFC3339)

	if s.redisKV == nil {
		return Health{
			Status:      "up",
			Message:     "In-memory store (no Redis configured)",
			LastChecked: now,
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.redisKV.Ping(pingCtx); err != nil {
		s.logger.Warn("Session cache health check failed", zap.Error(err))
		return Health{
			Status:      "down",
			Message:     fmt.Sprintf("Unreachable: %v", err),
			LastChecked: now,
		}
	}

	if time.Since(start) > 2*time.Second {
		return Health{Status: "degraded", Message: "Slow response time", LastChecked: now}
	}
	return Health{Status: "up", Message: "Reachable", LastChecked: now}
}

// runMaintenance periodically cleans up stale IP rate limiters and, for the
// in-memory store, expired session keys. Abandoned correlation slots are the
// registry janitor's job.
func (s *GatewayServer) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Maintenance goroutine received shutdown signal")
			return
		case <-ticker.C:
			ipsCleaned := s.ipRateLimiter.Cleanup(10 * time.Minute)
			if ipsCleaned > 0 {
				s.logger.Debug("Cleaned up stale IP rate limiters", zap.Int("count", ipsCleaned))
			}

			if s.memoryKV != nil {
				if cleaned := s.memoryKV.CleanupExpired(); cleaned > 0 {
					s.logger.Debug("Cleaned up expired session entries", zap.Int("count", cleaned))
				}
			}
		}
	}
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	config := loadConfig(logger)

	ctx, stop := context.WithCancel(context.Background())

	// Session cache backend: Redis when configured, in-process otherwise.
	var kv session.KV
	var redisKV *session.RedisKV
	var memoryKV *session.MemoryKV
	if config.RedisAddr != "" {
		var err error
		redisKV, err = session.NewRedisKV(ctx, config.RedisAddr, config.RedisPassword)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		kv = redisKV
	} else {
		logger.Warn("REDIS_ADDR not set - using in-memory session store (not for production)")
		memoryKV = session.NewMemoryKV(0)
		kv = memoryKV
	}

	// Circuit breaker: 5 failures opens circuit, 30 second reset timeout
	breaker := bus.NewCircuitBreaker(5, 30*time.Second)
	userPublisher := bus.NewKafkaPublisher(config.KafkaBrokers, config.UserRequestTopic, breaker, logger)
	ticketPublisher := bus.NewKafkaPublisher(config.KafkaBrokers, config.TicketRequestTopic, breaker, logger)

	server := newGatewayServer(config, logger, kv, userPublisher, ticketPublisher, breaker)
	server.redisKV = redisKV
	server.memoryKV = memoryKV

	logger.Info("Gateway server initialized",
		zap.String("port", config.Port),
		zap.Strings("kafka_brokers", config.KafkaBrokers),
		zap.String("redis_addr", config.RedisAddr),
		zap.Duration("block_timeout", config.BlockTimeout),
		zap.Duration("login_timeout", config.LoginTimeout),
		zap.Int("max_pending", config.MaxPending),
		zap.Float64("ip_rate_limit", float64(config.IPRateLimit)),
		zap.Int("ip_burst_limit", config.IPBurstLimit),
	)

	// Reply dispatchers, one consumer loop per reply topic.
	dispatcher := correlate.NewDispatcher(server.registry, logger)
	userConsumer := bus.NewKafkaConsumer(config.KafkaBrokers, config.UserReplyTopic, bus.ConsumerGroup)
	ticketConsumer := bus.NewKafkaConsumer(config.KafkaBrokers, config.TicketReplyTopic, bus.ConsumerGroup)
	go dispatcher.Run(ctx, config.UserReplyTopic, userConsumer)
	go dispatcher.Run(ctx, config.TicketReplyTopic, ticketConsumer)

	// Sweep against the longest deadline in use so a slow login slot is
	// never reaped while its caller still waits.
	janitorTimeout := config.BlockTimeout
	if config.LoginTimeout > janitorTimeout {
		janitorTimeout = config.LoginTimeout
	}
	go server.registry.RunJanitor(ctx, config.CleanupInterval, janitorTimeout)
	go server.runMaintenance(ctx)

	httpServer := &http.Server{
		Addr:         ":" + strings.TrimPrefix(config.Port, ":"),
		Handler:      server.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: config.LoginTimeout + 10*time.Second, // Allow for blocking requests
		IdleTimeout:  120 * time.Second,
	}

	serverDone := make(chan struct{})
	go func() {
		logger.Info("Helpdesk gateway listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
		close(serverDone)
	}()

	// Wait for interrupt signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Stop background loops and consumers.
	stop()
	userConsumer.Close()
	ticketConsumer.Close()
	userPublisher.Close()
	ticketPublisher.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	<-serverDone

	if redisKV != nil {
		redisKV.Close()
	}

	logger.Info("Server shutdown complete")
}
