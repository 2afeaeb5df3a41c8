package trolley

import (
	"errors"
	"time"
)

type (
	// Command is the closed set of cart requests. Implementations are the
	// structs below; nothing outside this package can add a variant
	Command interface {
		isCommand()
	}

	// AddItem puts a new item in the cart
	AddItem struct {
		ItemID   string
		Quantity int
	}

	// RemoveItem takes an item out of the cart. Removing an absent item
	// succeeds without recording an event
	RemoveItem struct {
		ItemID string
	}

	// AdjustQuantity replaces the quantity of an item already in the cart
	AdjustQuantity struct {
		ItemID   string
		Quantity int
	}

	// Checkout closes the cart for further mutation
	Checkout struct{}

	// Get asks for the current summary. It never records an event and is
	// answerable in any state
	Get struct{}
)

func (AddItem) isCommand()        {}
func (RemoveItem) isCommand()     {}
func (AdjustQuantity) isCommand() {}
func (Checkout) isCommand()       {}
func (Get) isCommand()            {}

// Validation rejections. These are caller errors: they reply synchronously
// and never persist anything
var (
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
	ErrAlreadyPresent  = errors.New("item already in cart")
	ErrItemNotPresent  = errors.New("item not in cart")
	ErrEmptyCart       = errors.New("cannot check out an empty cart")
	ErrCheckedOut      = errors.New("cart already checked out")
)

// decide validates cmd against the current state and returns the events to
// persist, if any. It is pure: no clock reads beyond the supplied instant,
// no I/O, no state mutation. A nil event slice with a nil error means the
// command succeeds without persisting (Get, remove-of-absent)
func decide(
	id EntityID, s CartState, cmd Command, at time.Time, seq int64,
) ([]*Event, error) {
	if _, ok := cmd.(Get); ok {
		return nil, nil
	}
	if s.IsCheckedOut() {
		return nil, ErrCheckedOut
	}
	return decideOpen(id, s, cmd, at, seq)
}

// decideOpen handles the mutating commands while the cart is still open
func decideOpen(
	id EntityID, s CartState, cmd Command, at time.Time, seq int64,
) ([]*Event, error) {
	switch c := cmd.(type) {
	case AddItem:
		if c.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if s.HasItem(c.ItemID) {
			return nil, ErrAlreadyPresent
		}
		return raise(id, seq, at, ItemAdded, ItemAddedData{
			ItemID:   c.ItemID,
			Quantity: c.Quantity,
		})

	case RemoveItem:
		if !s.HasItem(c.ItemID) {
			return nil, nil
		}
		return raise(id, seq, at, ItemRemoved, ItemRemovedData{
			ItemID: c.ItemID,
		})

	case AdjustQuantity:
		if c.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if !s.HasItem(c.ItemID) {
			return nil, ErrItemNotPresent
		}
		return raise(id, seq, at, ItemAdjusted, ItemAdjustedData{
			ItemID:   c.ItemID,
			Quantity: c.Quantity,
		})

	case Checkout:
		if s.IsEmpty() {
			return nil, ErrEmptyCart
		}
		return raise(id, seq, at, CheckedOut, CheckedOutData{At: at})

	default:
		return nil, errUnknownCommand
	}
}

var errUnknownCommand = errors.New("unknown command")

func raise(
	id EntityID, seq int64, at time.Time, typ EventType, data any,
) ([]*Event, error) {
	ev, err := newEvent(id, seq, at, typ, data)
	if err != nil {
		return nil, err
	}
	return []*Event{ev}, nil
}
