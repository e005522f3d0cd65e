package correlate

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"helpdesk-gateway/internal/bus"
	"helpdesk-gateway/internal/envelope"
)

// Dispatcher consumes reply envelopes from one bus topic and routes each to
// the registry slot matching its correlationId. It performs no business
// logic and must survive anything the bus hands it: malformed messages are
// logged and dropped, unknown correlationIds are the registry's problem.
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
}

// NewDispatcher builds a dispatcher feeding the given registry.
func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

// Run consumes from consumer until ctx is cancelled or the consumer is
// closed. Run one goroutine per reply topic.
func (d *Dispatcher) Run(ctx context.Context, topic string, consumer bus.Consumer) {
	d.logger.Info("reply dispatcher starting", zap.String("topic", topic))

	for {
		msg, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				d.logger.Info("reply dispatcher stopping", zap.String("topic", topic))
				return
			}
			d.logger.Error("failed to read from reply topic",
				zap.String("topic", topic),
				zap.Error(err),
			)
			// Back off briefly so a broken consumer does not spin hot.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		env, err := envelope.Decode(msg.Value)
		if err != nil {
			d.logger.Warn("dropping malformed reply message",
				zap.String("topic", topic),
				zap.Error(err),
			)
			continue
		}

		d.registry.Resolve(env)
	}
}
