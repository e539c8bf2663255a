package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpPool/internal/observability"
)

const (
	PricesStream = "PERP_PRICES"
	EventsStream = "PERP_POOL_EVENTS"
)

// PriceSink receives accepted prices; pricefeed.Latest implements it.
type PriceSink interface {
	Update(price int64, ts time.Time) bool
}

// PriceCache shares accepted prices with other replicas; pricefeed.Redis
// implements it.
type PriceCache interface {
	Publish(ctx context.Context, price int64) error
}

// PriceSubscriber consumes the oracle subject of one ticker from JetStream
// and feeds the engine's mark price.
type PriceSubscriber struct {
	js      jetstream.JetStream
	ticker  string
	sink    PriceSink
	cache   PriceCache
	metrics *observability.Metrics
	logger  zerolog.Logger

	consumer jetstream.ConsumeContext
}

// NewPriceSubscriber wires a subscriber. cache and metrics may be nil.
func NewPriceSubscriber(
	js jetstream.JetStream,
	ticker string,
	sink PriceSink,
	cache PriceCache,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		ticker:  ticker,
		sink:    sink,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
	}
}

// Handle validates one message and applies it. Messages older than the
// current price are dropped without error.
func (ps *PriceSubscriber) Handle(ctx context.Context, subject string, data []byte, received time.Time) error {
	update, err := ParsePriceUpdate(subject, data, received)
	if err != nil {
		ps.reject(rejectReason(err))
		return err
	}
	if update.Ticker != ps.ticker {
		ps.reject("ticker_mismatch")
		return fmt.Errorf("%w: got %q, serving %q", ErrTickerMismatch, update.Ticker, ps.ticker)
	}

	if !ps.sink.Update(update.Price, update.Timestamp) {
		ps.reject("stale")
		ps.logger.Debug().
			Int64("price", update.Price).
			Time("ts", update.Timestamp).
			Msg("stale price dropped")
		return nil
	}
	if ps.metrics != nil {
		ps.metrics.PriceUpdates.WithLabelValues(update.Ticker).Inc()
	}

	if ps.cache != nil {
		if err := ps.cache.Publish(ctx, update.Price); err != nil {
			ps.logger.Warn().Err(err).Msg("mark price cache write failed")
		}
	}
	return nil
}

func (ps *PriceSubscriber) reject(reason string) {
	if ps.metrics != nil {
		ps.metrics.PriceRejected.WithLabelValues(reason).Inc()
	}
}

// Subscribe creates the durable consumer and starts delivering messages.
// Malformed messages are terminated, not redelivered.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	name := "pool-prices-" + strings.ReplaceAll(ps.ticker, ".", "_")
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PricesStream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: PriceSubject(ps.ticker),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverLastPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", name, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := ps.Handle(ctx, msg.Subject(), msg.Data(), time.Now()); err != nil {
			ps.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("price message rejected")
			_ = msg.Term()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}

	ps.consumer = cc
	ps.logger.Info().Str("subject", PriceSubject(ps.ticker)).Str("consumer", name).Msg("subscribed")
	return nil
}

// Stop stops delivery.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.logger.Info().Msg("price subscriber stopped")
}

// EnsureStreams creates the price and outbound event streams if missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      PricesStream,
			Subjects:  []string{PriceSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{EventSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perppool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
