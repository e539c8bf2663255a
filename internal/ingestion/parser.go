package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	fpmath "PerpPool/internal/math"
)

// PriceSubjectPrefix is followed by the market ticker.
const PriceSubjectPrefix = "perp.prices."

var (
	ErrMalformed      = errors.New("malformed price message")
	ErrTickerMismatch = errors.New("ticker does not match subject")
	ErrBadPrice       = errors.New("price must be positive")
)

// PriceUpdate is a validated mark price for one ticker.
type PriceUpdate struct {
	Ticker    string
	Price     int64 // USD scale
	Timestamp time.Time
}

// priceJSON is the wire format of oracle messages. The price may be a JSON
// string or number ("101.25" or 101.25).
type priceJSON struct {
	Ticker      string          `json:"ticker"`
	Price       decimal.Decimal `json:"price"`
	TimestampUs int64           `json:"timestamp_us"`
}

// PriceSubject returns the subject prices for ticker arrive on.
func PriceSubject(ticker string) string {
	return PriceSubjectPrefix + ticker
}

// ParsePriceUpdate validates a raw price message received on subject.
// A message without a ticker takes it from the subject; a message without a
// timestamp is stamped with received.
func ParsePriceUpdate(subject string, data []byte, received time.Time) (PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	subjectTicker, onPriceSubject := strings.CutPrefix(subject, PriceSubjectPrefix)
	switch {
	case j.Ticker == "" && onPriceSubject:
		j.Ticker = subjectTicker
	case onPriceSubject && j.Ticker != subjectTicker:
		return PriceUpdate{}, fmt.Errorf("%w: %q on %q", ErrTickerMismatch, j.Ticker, subject)
	}
	if j.Ticker == "" {
		return PriceUpdate{}, fmt.Errorf("%w: no ticker", ErrMalformed)
	}

	if !j.Price.IsPositive() {
		return PriceUpdate{}, fmt.Errorf("%w: %s", ErrBadPrice, j.Price)
	}
	price, err := fpmath.ParseFixedInt64(j.Price.String(), fpmath.USDConfig)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ts := received
	if j.TimestampUs > 0 {
		ts = time.UnixMicro(j.TimestampUs).UTC()
	}

	return PriceUpdate{Ticker: j.Ticker, Price: price, Timestamp: ts}, nil
}

// rejectReason is the metric label for a parse failure.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrTickerMismatch):
		return "ticker_mismatch"
	case errors.Is(err, ErrBadPrice):
		return "non_positive"
	default:
		return "malformed"
	}
}
