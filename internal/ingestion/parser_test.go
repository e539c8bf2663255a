package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
	"PerpPool/internal/ingestion"
	"PerpPool/internal/observability"
	"PerpPool/internal/pricefeed"
)

var received = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

// ============================================================================
// Test: Price messages
// ============================================================================

func TestParsePriceUpdate(t *testing.T) {
	subject := ingestion.PriceSubject("BTC-USD")

	tests := []struct {
		name      string
		data      string
		wantPrice int64
		wantTime  time.Time
		wantErr   error
	}{
		{
			name:      "string price with timestamp",
			data:      `{"ticker":"BTC-USD","price":"101.25","timestamp_us":1767225600000000}`,
			wantPrice: 101_250_000_000,
			wantTime:  time.UnixMicro(1767225600000000).UTC(),
		},
		{
			name:      "number price, ticker from subject",
			data:      `{"price":91}`,
			wantPrice: 91_000_000_000,
			wantTime:  received,
		},
		{
			name:    "too many decimals",
			data:    `{"price":"1.0000000001"}`,
			wantErr: ingestion.ErrMalformed,
		},
		{
			name:    "zero price",
			data:    `{"price":"0"}`,
			wantErr: ingestion.ErrBadPrice,
		},
		{
			name:    "negative price",
			data:    `{"price":"-5"}`,
			wantErr: ingestion.ErrBadPrice,
		},
		{
			name:    "other ticker",
			data:    `{"ticker":"ETH-USD","price":"10"}`,
			wantErr: ingestion.ErrTickerMismatch,
		},
		{
			name:    "not json",
			data:    `price=10`,
			wantErr: ingestion.ErrMalformed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			update, err := ingestion.ParsePriceUpdate(subject, []byte(tc.data), received)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "BTC-USD", update.Ticker)
			assert.Equal(t, tc.wantPrice, update.Price)
			assert.True(t, tc.wantTime.Equal(update.Timestamp), "timestamp %s", update.Timestamp)
		})
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type recordingCache struct {
	prices []int64
	err    error
}

func (c *recordingCache) Publish(_ context.Context, price int64) error {
	c.prices = append(c.prices, price)
	return c.err
}

func TestPriceSubscriber_Handle(t *testing.T) {
	latest := pricefeed.NewLatest(0)
	cache := &recordingCache{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sub := ingestion.NewPriceSubscriber(nil, "BTC-USD", latest, cache, metrics, zerolog.Nop())
	ctx := context.Background()
	subject := ingestion.PriceSubject("BTC-USD")

	require.NoError(t, sub.Handle(ctx, subject, []byte(`{"price":"100","timestamp_us":2000}`), received))
	price, err := latest.CurrentPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000_000), price)
	assert.Equal(t, []int64{100_000_000_000}, cache.prices)

	// older message is dropped quietly
	require.NoError(t, sub.Handle(ctx, subject, []byte(`{"price":"90","timestamp_us":1000}`), received))
	price, _ = latest.CurrentPrice(ctx)
	assert.Equal(t, int64(100_000_000_000), price)
	assert.Len(t, cache.prices, 1)
	assert.Equal(t, 1.0, counterValue(t, metrics.PriceRejected.WithLabelValues("stale")))

	err = sub.Handle(ctx, subject, []byte(`{"price":"abc"}`), received)
	require.ErrorIs(t, err, ingestion.ErrMalformed)
	assert.Equal(t, 1.0, counterValue(t, metrics.PriceRejected.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, counterValue(t, metrics.PriceUpdates.WithLabelValues("BTC-USD")))
}

func TestPriceSubscriber_CacheFailureKeepsPrice(t *testing.T) {
	latest := pricefeed.NewLatest(0)
	sub := ingestion.NewPriceSubscriber(nil, "BTC-USD", latest, &recordingCache{err: errors.New("redis down")}, nil, zerolog.Nop())

	err := sub.Handle(context.Background(), ingestion.PriceSubject("BTC-USD"), []byte(`{"price":"42"}`), received)
	require.NoError(t, err)

	price, err := latest.CurrentPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42_000_000_000), price)
}

// ============================================================================
// Test: Outbound publisher
// ============================================================================

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
	done chan struct{}
	want int
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	if len(f.msgs) == f.want {
		close(f.done)
	}
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher_SubjectAndPayload(t *testing.T) {
	js := &fakeJetStream{done: make(chan struct{}), want: 1}
	in := make(chan core.CoreOutput, 1)
	pub := ingestion.NewOutboundPublisher(js, in, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- pub.Run(ctx) }()

	trader := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	in <- core.CoreOutput{Envelope: &event.EventEnvelope{
		Sequence:       12,
		IdempotencyKey: "claim-1",
		EventType:      event.EventTypeDividendsPaid,
		MarketID:       "BTC-USD",
		Timestamp:      received,
		Payload:        &event.DividendsPaid{Account: trader, Amount: big.NewInt(439560439560439), Profit: big.NewInt(1)},
		StateHash:      [32]byte{0xaa},
	}}

	select {
	case <-js.done:
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
	close(in)
	require.NoError(t, <-errc)

	require.Len(t, js.msgs, 1)
	assert.Equal(t, "perp.pool.events.DividendsPaid.BTC-USD", js.msgs[0].subject)

	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &msg))
	assert.JSONEq(t, `12`, string(msg["sequence"]))
	assert.JSONEq(t, `"DividendsPaid"`, string(msg["event_type"]))

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(msg["payload"], &payload))
	assert.Equal(t, "439560439560439", string(payload["amount"]))
}
