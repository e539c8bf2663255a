package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
)

// EventSubjectPrefix is followed by <event_type>.<ticker>.
const EventSubjectPrefix = "perp.pool.events."

// Publisher is the part of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed engine events for downstream
// consumers. Delivery is best effort: the event log in Postgres is the
// record of truth.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the JSON message sent on the events subject.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	MarketID       string      `json:"market_id"`
	Payload        event.Event `json:"payload"`
	StateHash      common.Hash `json:"state_hash"`
	PrevHash       common.Hash `json:"prev_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// EventSubject returns perp.pool.events.<event_type>.<ticker>.
func EventSubject(et event.EventType, ticker string) string {
	return fmt.Sprintf("%s%s.%s", EventSubjectPrefix, et, ticker)
}

// Run publishes until ctx is cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out.Envelope); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	msg := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		StateHash:      env.StateHash,
		PrevHash:       env.PrevHash,
		Timestamp:      env.Timestamp,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The message id lets JetStream drop duplicates after a republish.
	msgID := fmt.Sprintf("%s:%d", env.MarketID, env.Sequence)
	_, err = op.js.Publish(ctx, EventSubject(env.EventType, env.MarketID), data, jetstream.WithMsgID(msgID))
	return err
}
