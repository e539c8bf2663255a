package core

import (
	"errors"
	"fmt"

	"PerpPool/internal/custody"
	"PerpPool/internal/ledger"
)

var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderExpired        = errors.New("order expired")
	ErrOrderNotFound       = errors.New("order not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrEngineRetired       = errors.New("engine retired")
	ErrMarketActive        = errors.New("market has not ended")
	ErrNoPosition          = errors.New("no open position")
	ErrPriceUnavailable    = errors.New("mark price unavailable")
)

// classify maps collaborator errors onto the engine taxonomy, keeping the
// original error in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, custody.ErrInvalidAmount):
		return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, custody.ErrInsufficientTokens):
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	default:
		return err
	}
}

// reason is the metric label of a rejection.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrOrderExpired):
		return "order_expired"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrEngineRetired):
		return "engine_retired"
	case errors.Is(err, ErrMarketActive):
		return "market_active"
	case errors.Is(err, ErrNoPosition):
		return "no_position"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	default:
		return "other"
	}
}
