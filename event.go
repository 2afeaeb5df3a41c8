package trolley

import (
	"encoding/json"
	"time"
)

type (
	// EntityID identifies a single cart instance. One worker and one
	// ordered event stream exist per id
	EntityID string

	// EventType discriminates the closed set of cart event variants
	EventType string

	// Event is a durable fact recorded for a cart. Events are immutable
	// and totally ordered per entity by Sequence, which the Log assigns
	// starting at 1
	Event struct {
		Timestamp time.Time       `json:"timestamp"`
		Sequence  int64           `json:"sequence"`
		Type      EventType       `json:"type"`
		EntityID  EntityID        `json:"entity_id"`
		Data      json.RawMessage `json:"data"`
	}
)

const (
	ItemAdded    EventType = "cart.item_added"
	ItemRemoved  EventType = "cart.item_removed"
	ItemAdjusted EventType = "cart.item_adjusted"
	CheckedOut   EventType = "cart.checked_out"
)

type (
	// ItemAddedData is the payload of an ItemAdded event
	ItemAddedData struct {
		ItemID   string `json:"item_id"`
		Quantity int    `json:"quantity"`
	}

	// ItemRemovedData is the payload of an ItemRemoved event
	ItemRemovedData struct {
		ItemID string `json:"item_id"`
	}

	// ItemAdjustedData is the payload of an ItemAdjusted event
	ItemAdjustedData struct {
		ItemID   string `json:"item_id"`
		Quantity int    `json:"quantity"`
	}

	// CheckedOutData is the payload of a CheckedOut event
	CheckedOutData struct {
		At time.Time `json:"at"`
	}
)

func newEvent(
	id EntityID, seq int64, at time.Time, typ EventType, data any,
) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		Timestamp: at,
		Sequence:  seq,
		Type:      typ,
		EntityID:  id,
		Data:      raw,
	}, nil
}
