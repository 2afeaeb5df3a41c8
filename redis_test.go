package trolley_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trolleyworks/trolley"
)

func setupRedisLog(t *testing.T, cfg trolley.RedisConfig) *trolley.RedisLog {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	cfg.Addr = server.Addr()
	log, err := trolley.NewRedisLog(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestRedisLogContract(t *testing.T) {
	cfg := trolley.DefaultRedisConfig()
	cfg.Prefix = "contract"
	testLogContract(t, setupRedisLog(t, cfg))
}

func TestEngineOverRedisLog(t *testing.T) {
	cfg := trolley.DefaultRedisConfig()
	cfg.Prefix = "engine"
	log := setupRedisLog(t, cfg)

	engine := newTestEngine(t, log)
	ctx := context.Background()

	_, err := engine.Submit(ctx, "cart-1",
		trolley.AddItem{ItemID: "sku1", Quantity: 2})
	require.NoError(t, err)

	summary, err := engine.Submit(ctx, "cart-1",
		trolley.AddItem{ItemID: "sku2", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"sku1": 2, "sku2": 1}, summary.Items)

	evs, err := log.EventsAfter(ctx, "cart-1", 0)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestRedisArchiveDisabled(t *testing.T) {
	cfg := trolley.DefaultRedisConfig()
	log := setupRedisLog(t, cfg)

	err := log.Archive(context.Background(), "cart-1")
	assert.ErrorIs(t, err, trolley.ErrArchivingDisabled)
}

func TestRedisArchiveRoundTrip(t *testing.T) {
	cfg := trolley.DefaultRedisConfig()
	cfg.Prefix = "arch"
	cfg.ArchiveStream = "arch:stream"
	log := setupRedisLog(t, cfg)
	ctx := context.Background()

	_, err := log.AppendBatch(ctx, "cart-1", 0, []*trolley.Event{
		makeEvent(1, "a"), makeEvent(2, "b"),
	})
	require.NoError(t, err)
	state := json.RawMessage(`{"items":{"a":1},"checked_out_at":null}`)
	require.NoError(t, log.WriteSnapshot(ctx, "cart-1", 1, state))

	require.NoError(t, log.Archive(ctx, "cart-1"))

	// the live keys are gone
	evs, err := log.EventsAfter(ctx, "cart-1", 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
	snap, err := log.LatestSnapshot(ctx, "cart-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	// the record comes back off the stream intact
	var record *trolley.ArchiveRecord
	err = log.PollArchive(ctx, 10*time.Millisecond,
		func(_ context.Context, r *trolley.ArchiveRecord) error {
			record = r
			return nil
		},
	)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, trolley.EntityID("cart-1"), record.EntityID)
	assert.Equal(t, int64(1), record.SnapshotSequence)
	assert.JSONEq(t, string(state), string(record.SnapshotData))
	require.Len(t, record.Events, 1)

	ev := &trolley.Event{}
	require.NoError(t, json.Unmarshal(record.Events[0], ev))
	assert.Equal(t, int64(2), ev.Sequence)

	// handled records are acknowledged and deleted
	called := false
	err = log.PollArchive(ctx, 10*time.Millisecond,
		func(context.Context, *trolley.ArchiveRecord) error {
			called = true
			return nil
		},
	)
	require.NoError(t, err)
	assert.False(t, called)
}

func TestRedisArchiveNothingToMove(t *testing.T) {
	cfg := trolley.DefaultRedisConfig()
	cfg.Prefix = "empty"
	cfg.ArchiveStream = "empty:stream"
	log := setupRedisLog(t, cfg)

	// archiving a cart with no history is a quiet no-op
	assert.NoError(t, log.Archive(context.Background(), "cart-x"))
}
