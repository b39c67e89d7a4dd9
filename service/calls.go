package service

import (
	"context"
	"time"

	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/metrics"
	"github.com/layer-3/rivetgate/ports"
	"github.com/rs/zerolog/log"
)

// DefaultLedgerTimeout bounds every ledger read or write that does not wait for a receipt
const DefaultLedgerTimeout = 10 * time.Second

// ledgerCall runs fn under its own deadline. A failure, including a timeout, is reported
// as UpstreamFailure: the caller must not assume the remote side did or did not act.
func ledgerCall[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultLedgerTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	metrics.LedgerCall(op, time.Since(start), err)
	if err != nil {
		log.Error().Err(err).Str("op", op).Msg("ledger call failed")
		var zero T
		return zero, core.Upstream(op, err)
	}
	return v, nil
}

// publish emits a domain event; failures are logged and never fail the operation
func publish(ctx context.Context, events ports.EventPublisher, topic, key string, payload any) {
	if events == nil {
		return
	}
	if err := events.Publish(ctx, topic, key, payload); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
	}
}
