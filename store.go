package trolley

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Log is the durable event log contract the runtime writes through.
	// Offsets are the sequence number of the last persisted event, so an
	// empty stream sits at offset 0 and the first event is sequence 1.
	// The runtime is the single writer per entity id; AppendBatch's
	// expected-offset check exists so the contract stays implementable
	// against optimistic-concurrency stores
	Log interface {
		// AppendBatch atomically appends events after expectedOffset and
		// returns the new offset. It returns a *ConflictError if the
		// stream has moved past expectedOffset
		AppendBatch(
			ctx context.Context, id EntityID, expectedOffset int64,
			evs []*Event,
		) (int64, error)

		// EventsAfter returns the events with sequence greater than
		// offset, in order
		EventsAfter(
			ctx context.Context, id EntityID, offset int64,
		) ([]*Event, error)

		// WriteSnapshot records the serialized state at offset and may
		// prune older snapshots and the events they supersede
		WriteSnapshot(
			ctx context.Context, id EntityID, offset int64,
			state json.RawMessage,
		) error

		// LatestSnapshot returns the newest snapshot, or nil when the
		// entity has never been snapshotted
		LatestSnapshot(ctx context.Context, id EntityID) (*Snapshot, error)
	}

	// Snapshot is a serialized state at a specific log offset
	Snapshot struct {
		Offset int64           `json:"offset"`
		State  json.RawMessage `json:"state"`
	}

	// ConflictError signals a concurrent writer moved the stream past the
	// expected offset. Under single-writer discipline it indicates a
	// misconfigured deployment rather than a retryable race
	ConflictError struct {
		EntityID EntityID
		Expected int64
		Actual   int64
	}
)

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"append conflict on %q: expected offset %d, log at %d",
		e.EntityID, e.Expected, e.Actual,
	)
}
