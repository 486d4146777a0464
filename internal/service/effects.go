package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dukerupert/ordercore/internal/outbox"
	"github.com/dukerupert/ordercore/internal/telemetry"
)

// effects enqueues side-effect messages after commit. Failures are logged
// and swallowed; they never reach the caller of the primary operation.
type effects struct {
	publisher outbox.Publisher
	logger    zerolog.Logger
}

func newEffects(publisher outbox.Publisher, logger zerolog.Logger) *effects {
	if publisher == nil {
		publisher = outbox.Noop{}
	}
	return &effects{publisher: publisher, logger: logger}
}

func (e *effects) dispatch(ctx context.Context, msgs []outbox.Message) {
	ctx = context.WithoutCancel(ctx)
	for _, msg := range msgs {
		err := e.publisher.Enqueue(ctx, msg)
		result := "ok"
		if err != nil {
			result = "failed"
			e.logger.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Str("dedupe_key", msg.DedupeKey).
				Msg("failed to enqueue side effect")
		}
		if telemetry.Business != nil {
			telemetry.Business.OutboxPublished.WithLabelValues(msg.Topic, result).Inc()
		}
	}
}

// add appends msg unless building it failed.
func (e *effects) add(msgs []outbox.Message, msg outbox.Message, err error) []outbox.Message {
	if err != nil {
		e.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("failed to build side effect")
		return msgs
	}
	return append(msgs, msg)
}
