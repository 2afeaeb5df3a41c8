package trolley_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trolleyworks/trolley"
)

var noon = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func seedEvent(
	t *testing.T, seq int64, typ trolley.EventType, data any,
) *trolley.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &trolley.Event{
		Timestamp: noon,
		Sequence:  seq,
		Type:      typ,
		EntityID:  "cart-1",
		Data:      raw,
	}
}

// seedEngine starts an engine over a log that already holds history for
// cart-1, so tests observe how recovery folds raw events
func seedEngine(t *testing.T, evs ...*trolley.Event) *trolley.Trolley {
	t.Helper()
	log := trolley.NewMemoryLog(3)
	_, err := log.AppendBatch(context.Background(), "cart-1", 0, evs)
	require.NoError(t, err)
	return newTestEngine(t, log)
}

func TestFoldItemLifecycle(t *testing.T) {
	engine := seedEngine(t,
		seedEvent(t, 1, trolley.ItemAdded,
			trolley.ItemAddedData{ItemID: "a", Quantity: 2}),
		seedEvent(t, 2, trolley.ItemAdded,
			trolley.ItemAddedData{ItemID: "b", Quantity: 1}),
		seedEvent(t, 3, trolley.ItemAdjusted,
			trolley.ItemAdjustedData{ItemID: "a", Quantity: 5}),
		seedEvent(t, 4, trolley.ItemRemoved,
			trolley.ItemRemovedData{ItemID: "b"}),
	)

	summary, err := engine.Get(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 5}, summary.Items)
	assert.False(t, summary.CheckedOut)
}

func TestFoldCheckoutKeepsItems(t *testing.T) {
	engine := seedEngine(t,
		seedEvent(t, 1, trolley.ItemAdded,
			trolley.ItemAddedData{ItemID: "a", Quantity: 1}),
		seedEvent(t, 2, trolley.CheckedOut,
			trolley.CheckedOutData{At: noon}),
	)

	summary, err := engine.Get(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, summary.Items)
	assert.True(t, summary.CheckedOut)
}

func TestFoldIsTotalAfterCheckout(t *testing.T) {
	// even a checked-out cart folds late-arriving events consistently;
	// invalid transitions are rejected at command time, never at replay
	engine := seedEngine(t,
		seedEvent(t, 1, trolley.CheckedOut,
			trolley.CheckedOutData{At: noon}),
		seedEvent(t, 2, trolley.ItemAdded,
			trolley.ItemAddedData{ItemID: "a", Quantity: 3}),
	)

	summary, err := engine.Get(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 3}, summary.Items)
	assert.True(t, summary.CheckedOut)
}

func TestFoldIgnoresUnknownEventTypes(t *testing.T) {
	engine := seedEngine(t,
		seedEvent(t, 1, trolley.ItemAdded,
			trolley.ItemAddedData{ItemID: "a", Quantity: 2}),
		seedEvent(t, 2, "cart.renamed", struct{}{}),
	)

	summary, err := engine.Get(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 2}, summary.Items)
}

func TestFoldRemoveAbsentIsNoOp(t *testing.T) {
	engine := seedEngine(t,
		seedEvent(t, 1, trolley.ItemRemoved,
			trolley.ItemRemovedData{ItemID: "ghost"}),
	)
	ctx := context.Background()

	summary, err := engine.Get(ctx, "cart-1")
	require.NoError(t, err)
	assert.Empty(t, summary.Items)

	// the cart is still usable after folding the no-op
	summary, err = engine.Submit(ctx, "cart-1",
		trolley.AddItem{ItemID: "a", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, summary.Items)
}

func TestFoldQuantitiesStayPositive(t *testing.T) {
	engine := seedEngine(t,
		seedEvent(t, 1, trolley.ItemAdded,
			trolley.ItemAddedData{ItemID: "a", Quantity: 2}),
		seedEvent(t, 2, trolley.ItemAdded,
			trolley.ItemAddedData{ItemID: "b", Quantity: 1}),
		seedEvent(t, 3, trolley.ItemAdjusted,
			trolley.ItemAdjustedData{ItemID: "a", Quantity: 5}),
		seedEvent(t, 4, trolley.ItemRemoved,
			trolley.ItemRemovedData{ItemID: "b"}),
	)

	summary, err := engine.Get(context.Background(), "cart-1")
	require.NoError(t, err)
	for itemID, qty := range summary.Items {
		assert.Positivef(t, qty, "quantity for %s", itemID)
	}
}

func TestSummaryIsDetached(t *testing.T) {
	engine := newTestEngine(t, trolley.NewMemoryLog(3))
	ctx := context.Background()

	_, err := engine.Submit(ctx, "cart-1",
		trolley.AddItem{ItemID: "a", Quantity: 2})
	require.NoError(t, err)

	summary, err := engine.Get(ctx, "cart-1")
	require.NoError(t, err)
	summary.Items["a"] = 99

	again, err := engine.Get(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Items["a"])
}
