package trolley

import (
	"encoding/json"
	"maps"
	"time"
)

type (
	// CartState is the in-memory projection of a cart's event stream.
	// Quantities are always positive; a missing key means the item is not
	// in the cart. A non-nil CheckedOutAt marks the cart as terminal
	CartState struct {
		Items        map[string]int `json:"items"`
		CheckedOutAt *time.Time     `json:"checked_out_at,omitempty"`
	}

	// Summary is the read-only projection returned to callers
	Summary struct {
		Items      map[string]int `json:"items"`
		CheckedOut bool           `json:"checked_out"`
	}

	applier func(CartState, *Event) CartState
)

// NewCartState returns the empty cart every stream folds up from
func NewCartState() CartState {
	return CartState{Items: map[string]int{}}
}

// IsCheckedOut reports whether the cart has been checked out
func (s CartState) IsCheckedOut() bool {
	return s.CheckedOutAt != nil
}

// IsEmpty reports whether the cart holds no items
func (s CartState) IsEmpty() bool {
	return len(s.Items) == 0
}

// HasItem reports whether the item is in the cart
func (s CartState) HasItem(itemID string) bool {
	_, ok := s.Items[itemID]
	return ok
}

// Summary projects the state into the caller-facing view. The item map is
// cloned so callers can't reach back into runtime-owned state
func (s CartState) Summary() Summary {
	return Summary{
		Items:      maps.Clone(s.Items),
		CheckedOut: s.IsCheckedOut(),
	}
}

// cartAppliers folds each event variant into the next state. Every variant
// is total over every sub-state; invalid transitions are rejected upstream
// by the command handler, never here
var cartAppliers = map[EventType]applier{
	ItemAdded:    applyItemAdded,
	ItemRemoved:  applyItemRemoved,
	ItemAdjusted: applyItemAdjusted,
	CheckedOut:   applyCheckedOut,
}

// applyEvent advances the state by one event. Unknown event types are
// ignored so old logs remain replayable after the schema gains variants
func applyEvent(s CartState, ev *Event) CartState {
	if apply, ok := cartAppliers[ev.Type]; ok {
		return apply(s, ev)
	}
	return s
}

// applyEvents folds a batch in order
func applyEvents(s CartState, evs []*Event) CartState {
	for _, ev := range evs {
		s = applyEvent(s, ev)
	}
	return s
}

func applyItemAdded(s CartState, ev *Event) CartState {
	var data ItemAddedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return s
	}
	res := s
	res.Items = maps.Clone(s.Items)
	res.Items[data.ItemID] = data.Quantity
	return res
}

func applyItemRemoved(s CartState, ev *Event) CartState {
	var data ItemRemovedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return s
	}
	res := s
	res.Items = maps.Clone(s.Items)
	delete(res.Items, data.ItemID)
	return res
}

func applyItemAdjusted(s CartState, ev *Event) CartState {
	var data ItemAdjustedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return s
	}
	res := s
	res.Items = maps.Clone(s.Items)
	res.Items[data.ItemID] = data.Quantity
	return res
}

func applyCheckedOut(s CartState, ev *Event) CartState {
	var data CheckedOutData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return s
	}
	res := s
	at := data.At
	res.CheckedOutAt = &at
	return res
}
