// Package correlate turns one outbound bus publish into an awaitable result.
// For every request the registry holds a pending slot keyed by a unique
// correlationId; the reply dispatcher resolves the slot when the matching
// reply arrives, and the awaiting caller times out otherwise.
//
// Correctness hinges on one rule: a slot is claimed by atomically removing it
// from the table (sync.Map LoadAndDelete), and only the claimant may deliver
// an outcome. The delivery path and the timeout path race for the claim and
// exactly one of them ever wins, so a result is delivered at most once no
// matter how sends, replies, and timeouts interleave.
package correlate

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"helpdesk-gateway/internal/apierr"
	"helpdesk-gateway/internal/bus"
	"helpdesk-gateway/internal/envelope"
)

// Prometheus metrics
var (
	pendingSlotsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_pending_requests",
			Help: "Current number of in-flight correlated requests",
		},
	)

	busPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bus_publishes_total",
			Help: "Total number of bus publishes by operation and status",
		},
		[]string{"operation", "status"},
	)

	repliesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_replies_received_total",
			Help: "Total number of reply envelopes received by operation and match result",
		},
		[]string{"operation", "matched"},
	)

	requestTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_request_timeouts_total",
			Help: "Total number of correlated requests that timed out by operation",
		},
		[]string{"operation"},
	)

	slotsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_slots_swept_total",
			Help: "Total number of abandoned pending slots removed by the janitor",
		},
	)
)

// outcome is the single resolution of a pending slot: a raw payload on
// success, a typed error otherwise.
type outcome struct {
	payload json.RawMessage
	err     error
}

// slot tracks one in-flight correlationId. The channel is buffered so the
// claimant never blocks delivering, and only the claimant writes to it.
type slot struct {
	correlationID string
	operation     string
	createdAt     time.Time
	ch            chan outcome
}

func (s *slot) deliver(o outcome) {
	s.ch <- o
}

// Handle is the caller's reference to an eventual result. Callers never see
// the slot itself; the registry exclusively owns slot lifetime.
type Handle struct {
	s *slot
}

// CorrelationID returns the request's correlation identifier.
func (h *Handle) CorrelationID() string {
	return h.s.correlationID
}

// Registry is the correlation engine. Routes maps each operation to the
// publisher for its request topic.
type Registry struct {
	routes     map[string]bus.Publisher
	logger     *zap.Logger
	maxPending int

	slots   sync.Map // correlationId -> *slot
	pending atomic.Int64

	mu sync.Mutex // guards the insert capacity check, not slot claims
}

// NewRegistry builds a registry. maxPending caps concurrent in-flight
// requests; zero or negative means 1000.
func NewRegistry(routes map[string]bus.Publisher, maxPending int, logger *zap.Logger) *Registry {
	if maxPending <= 0 {
		maxPending = 1000
	}
	return &Registry{
		routes:     routes,
		logger:     logger,
		maxPending: maxPending,
	}
}

// Pending returns the current number of in-flight requests.
func (r *Registry) Pending() int {
	return int(r.pending.Load())
}

// MaxPending returns the configured capacity limit.
func (r *Registry) MaxPending() int {
	return r.maxPending
}

// claim atomically removes and returns the slot for correlationID, or nil if
// it was already claimed. This is the only way a slot leaves the table, so
// the reply path, the timeout path, and the janitor cannot double-resolve.
func (r *Registry) claim(correlationID string) *slot {
	v, ok := r.slots.LoadAndDelete(correlationID)
	if !ok {
		return nil
	}
	r.pending.Add(-1)
	pendingSlotsGauge.Set(float64(r.pending.Load()))
	return v.(*slot)
}

// Send registers a pending slot, publishes the PROCESSING envelope for
// operation, and returns a Handle to await. The slot is inserted before the
// publish so a reply can never arrive for an unregistered correlationId.
//
// A publish or serialization failure removes the slot immediately and
// resolves the Handle with a transport error; no retry is attempted here.
func (r *Registry) Send(ctx context.Context, operation string, payload any) (*Handle, error) {
	publisher, ok := r.routes[operation]
	if !ok {
		return nil, apierr.Internal("no route for operation "+operation, "")
	}

	correlationID := uuid.NewString()

	env, err := envelope.NewRequest(correlationID, operation, payload)
	if err != nil {
		r.logger.Error("failed to build request envelope",
			zap.String("operation", operation),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		busPublishes.WithLabelValues(operation, "error").Inc()
		return nil, apierr.Internal("internal server error", correlationID)
	}

	data, err := env.Encode()
	if err != nil {
		busPublishes.WithLabelValues(operation, "error").Inc()
		return nil, apierr.Internal("internal server error", correlationID)
	}

	s := &slot{
		correlationID: correlationID,
		operation:     operation,
		createdAt:     time.Now(),
		ch:            make(chan outcome, 1),
	}

	// Capacity check and insert under one lock so concurrent sends cannot
	// overshoot the limit.
	r.mu.Lock()
	if r.pending.Load() >= int64(r.maxPending) {
		r.mu.Unlock()
		r.logger.Warn("max pending requests reached, rejecting send",
			zap.String("operation", operation),
			zap.Int64("current_pending", r.pending.Load()),
			zap.Int("max_pending", r.maxPending),
		)
		return nil, &apierr.Error{
			Code:       apierr.CodeServiceUnavailable,
			Message:    "server at capacity, please retry later",
			HTTPStatus: http.StatusServiceUnavailable,
		}
	}
	r.slots.Store(correlationID, s)
	r.pending.Add(1)
	r.mu.Unlock()
	pendingSlotsGauge.Set(float64(r.pending.Load()))

	r.logger.Info("correlated request initiated",
		zap.String("operation", operation),
		zap.String("correlation_id", correlationID),
		zap.Int64("pending_count", r.pending.Load()),
	)

	if err := r.publish(ctx, publisher, correlationID, data); err != nil {
		r.logger.Error("failed to publish request",
			zap.String("operation", operation),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		busPublishes.WithLabelValues(operation, "error").Inc()
		// Remove the slot and resolve the handle with the transport error.
		if claimed := r.claim(correlationID); claimed != nil {
			claimed.deliver(outcome{err: &apierr.Error{
				Code:          apierr.CodeServiceUnavailable,
				Message:       "failed to reach downstream service",
				HTTPStatus:    http.StatusServiceUnavailable,
				CorrelationID: correlationID,
			}})
		}
		return &Handle{s: s}, nil
	}
	busPublishes.WithLabelValues(operation, "success").Inc()

	return &Handle{s: s}, nil
}

func (r *Registry) publish(ctx context.Context, p bus.Publisher, key string, value []byte) error {
	return p.Publish(ctx, key, value)
}

// Await blocks until the handle's slot resolves or deadline elapses,
// whichever happens first. On deadline it races the reply path for the slot
// claim: winning yields a Timeout error, losing means the reply's outcome is
// already in flight and is returned instead.
func (r *Registry) Await(ctx context.Context, h *Handle, deadline time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case o := <-h.s.ch:
		return o.payload, o.err

	case <-timer.C:
		if claimed := r.claim(h.s.correlationID); claimed != nil {
			requestTimeouts.WithLabelValues(h.s.operation).Inc()
			r.logger.Warn("correlated request timed out",
				zap.String("operation", h.s.operation),
				zap.String("correlation_id", h.s.correlationID),
				zap.Duration("deadline", deadline),
			)
			return nil, apierr.Timeout(h.s.correlationID)
		}
		// Lost the race: a reply claimed the slot between the timer firing
		// and our claim attempt. Its outcome is guaranteed to arrive.
		o := <-h.s.ch
		return o.payload, o.err

	case <-ctx.Done():
		if claimed := r.claim(h.s.correlationID); claimed != nil {
			r.logger.Info("caller abandoned correlated request",
				zap.String("operation", h.s.operation),
				zap.String("correlation_id", h.s.correlationID),
			)
			return nil, apierr.Internal("request cancelled", h.s.correlationID)
		}
		o := <-h.s.ch
		return o.payload, o.err
	}
}

// Resolve routes a reply envelope to its pending slot. Absent slots are a
// no-op: late replies after timeout and duplicate deliveries both land here
// and are dropped, logged, never treated as an error.
func (r *Registry) Resolve(env *envelope.Envelope) {
	s := r.claim(env.MessageID)
	if s == nil {
		repliesReceived.WithLabelValues(env.OperationType, "no_match").Inc()
		r.logger.Debug("no pending request for reply",
			zap.String("operation", env.OperationType),
			zap.String("correlation_id", env.MessageID),
			zap.String("status", env.Status),
		)
		return
	}

	if env.IsError() {
		message := env.ErrorMessage
		if message == "" {
			message = "downstream service reported an error"
		}
		repliesReceived.WithLabelValues(env.OperationType, "error").Inc()
		r.logger.Error("downstream error reply",
			zap.String("operation", s.operation),
			zap.String("correlation_id", s.correlationID),
			zap.String("status", env.Status),
			zap.String("error_message", message),
		)
		s.deliver(outcome{err: apierr.Business(message, s.correlationID)})
		return
	}

	repliesReceived.WithLabelValues(env.OperationType, "matched").Inc()
	r.logger.Info("reply matched pending request",
		zap.String("operation", s.operation),
		zap.String("correlation_id", s.correlationID),
	)
	s.deliver(outcome{payload: env.Payload})
}

// Sweep removes pending slots older than maxAge and resolves them with a
// timeout error. It exists for abandoned awaits: a caller that went away
// before resolution must not leave its slot in the table forever.
func (r *Registry) Sweep(maxAge time.Duration) int {
	now := time.Now()
	swept := 0
	r.slots.Range(func(key, value any) bool {
		s := value.(*slot)
		if now.Sub(s.createdAt) <= maxAge {
			return true
		}
		if claimed := r.claim(s.correlationID); claimed != nil {
			r.logger.Warn("sweeping stale pending request",
				zap.String("operation", claimed.operation),
				zap.String("correlation_id", claimed.correlationID),
				zap.Duration("age", now.Sub(claimed.createdAt)),
			)
			claimed.deliver(outcome{err: apierr.Timeout(claimed.correlationID)})
			swept++
		}
		return true
	})
	if swept > 0 {
		slotsSwept.Add(float64(swept))
	}
	return swept
}

// RunJanitor sweeps abandoned slots every interval until ctx is cancelled.
// Slots older than twice blockTimeout have no live awaiter left.
func (r *Registry) RunJanitor(ctx context.Context, interval, blockTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry janitor received shutdown signal")
			return
		case <-ticker.C:
			if swept := r.Sweep(2 * blockTimeout); swept > 0 {
				r.logger.Info("janitor sweep completed",
					zap.Int("removed", swept),
					zap.Int64("pending", r.pending.Load()),
				)
			}
		}
	}
}

// Request sends one correlated request and decodes the reply payload into T.
// This is the single generic entry point every capability goes through; the
// decode step is explicit and a mismatched payload resolves as an internal
// error, never a panic or silent coercion.
func Request[T any](ctx context.Context, r *Registry, operation string, payload any, deadline time.Duration) (T, error) {
	var result T

	h, err := r.Send(ctx, operation, payload)
	if err != nil {
		return result, err
	}

	raw, err := r.Await(ctx, h, deadline)
	if err != nil {
		return result, err
	}
	if raw == nil {
		// A SUCCESS reply with no payload decodes to the zero value.
		return result, nil
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		r.logger.Error("failed to decode reply payload",
			zap.String("operation", operation),
			zap.String("correlation_id", h.CorrelationID()),
			zap.Error(err),
		)
		return result, apierr.Internal("internal server error", h.CorrelationID())
	}
	return result, nil
}
