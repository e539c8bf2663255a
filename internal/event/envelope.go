package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderPlaced
	EventTypeFillExecuted
	EventTypePositionLiquidated
	EventTypePositionExpired
	EventTypePositionClosed
	EventTypeDividendsPaid
	EventTypeFundsDeposited
	EventTypeFundsWithdrawn
	EventTypeFundsStaked
	EventTypeFundsUnstaked
	EventTypeParamsUpdated
	EventTypeEngineRetired
)

// EventEnvelope wraps every event emitted by the engine
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Unique key of the payload (order id for OrderPlaced)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market ticker the engine serves
	MarketID string

	// Engine clock at commit time
	Timestamp time.Time

	// Event-specific data, JSON-encoded on the wire
	Payload Event

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable unique key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeOrderPlaced:
		return "OrderPlaced"
	case EventTypeFillExecuted:
		return "FillExecuted"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypePositionExpired:
		return "PositionExpired"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeDividendsPaid:
		return "DividendsPaid"
	case EventTypeFundsDeposited:
		return "FundsDeposited"
	case EventTypeFundsWithdrawn:
		return "FundsWithdrawn"
	case EventTypeFundsStaked:
		return "FundsStaked"
	case EventTypeFundsUnstaked:
		return "FundsUnstaked"
	case EventTypeParamsUpdated:
		return "ParamsUpdated"
	case EventTypeEngineRetired:
		return "EngineRetired"
	default:
		return "Unknown"
	}
}
