package event

import (
	"encoding/json"
	"fmt"
)

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) (EventType, error) {
	for et := EventTypeOrderPlaced; et <= EventTypeEngineRetired; et++ {
		if et.String() == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

// Decode unmarshals a JSON payload written for an event of type et.
func Decode(et EventType, data []byte) (Event, error) {
	var ev Event
	switch et {
	case EventTypeOrderPlaced:
		ev = &OrderPlaced{}
	case EventTypeFillExecuted:
		ev = &FillExecuted{}
	case EventTypePositionLiquidated, EventTypePositionExpired, EventTypePositionClosed:
		ev = &PositionClosed{}
	case EventTypeDividendsPaid:
		ev = &DividendsPaid{}
	case EventTypeFundsDeposited, EventTypeFundsWithdrawn, EventTypeFundsStaked, EventTypeFundsUnstaked:
		ev = &FundsMoved{}
	case EventTypeParamsUpdated:
		ev = &ParamsUpdated{}
	case EventTypeEngineRetired:
		ev = &EngineRetired{}
	default:
		return nil, fmt.Errorf("cannot decode %s payload", et)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	if ev.EventType() != et {
		return nil, fmt.Errorf("payload decodes as %s, row says %s", ev.EventType(), et)
	}
	return ev, nil
}
