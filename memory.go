package trolley

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

type (
	// MemoryLog is an in-process Log. It honors the same append and
	// retention semantics as the durable backends, which makes it the
	// reference implementation for the contract and the default backend
	// for tests
	MemoryLog struct {
		mu      sync.Mutex
		keep    int
		streams map[EntityID]*memStream
	}

	memStream struct {
		offset int64
		events []*Event
		snaps  []Snapshot
	}
)

// NewMemoryLog creates a MemoryLog that retains keep snapshots per entity
func NewMemoryLog(keep int) *MemoryLog {
	if keep <= 0 {
		keep = DefaultSnapshotKeep
	}
	return &MemoryLog{
		keep:    keep,
		streams: map[EntityID]*memStream{},
	}
}

func (l *MemoryLog) AppendBatch(
	_ context.Context, id EntityID, expectedOffset int64, evs []*Event,
) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stream(id)
	if st.offset != expectedOffset {
		return 0, &ConflictError{
			EntityID: id,
			Expected: expectedOffset,
			Actual:   st.offset,
		}
	}

	for _, ev := range evs {
		copied := *ev
		copied.Sequence = st.offset + 1
		st.events = append(st.events, &copied)
		st.offset++
	}
	return st.offset, nil
}

func (l *MemoryLog) EventsAfter(
	_ context.Context, id EntityID, offset int64,
) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stream(id)
	var out []*Event
	for _, ev := range st.events {
		if ev.Sequence > offset {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *MemoryLog) WriteSnapshot(
	_ context.Context, id EntityID, offset int64, state json.RawMessage,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stream(id)
	snap := Snapshot{
		Offset: offset,
		State:  append(json.RawMessage{}, state...),
	}

	// The background pool can complete writes out of order, so retention
	// is keyed by offset, never by arrival
	replaced := false
	for i := range st.snaps {
		if st.snaps[i].Offset == offset {
			st.snaps[i] = snap
			replaced = true
			break
		}
	}
	if !replaced {
		st.snaps = append(st.snaps, snap)
		sort.Slice(st.snaps, func(i, j int) bool {
			return st.snaps[i].Offset < st.snaps[j].Offset
		})
	}
	if len(st.snaps) > l.keep {
		st.snaps = st.snaps[len(st.snaps)-l.keep:]
	}

	// Events at or below the oldest retained snapshot are unreachable by
	// recovery and can be purged
	floor := st.snaps[0].Offset
	trimmed := st.events[:0]
	for _, ev := range st.events {
		if ev.Sequence > floor {
			trimmed = append(trimmed, ev)
		}
	}
	st.events = trimmed
	return nil
}

func (l *MemoryLog) LatestSnapshot(
	_ context.Context, id EntityID,
) (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stream(id)
	if len(st.snaps) == 0 {
		return nil, nil
	}
	snap := st.snaps[len(st.snaps)-1]
	return &snap, nil
}

// EventCount returns the number of retained events for an entity. Tests
// use it to assert idempotent commands persist nothing
func (l *MemoryLog) EventCount(id EntityID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stream(id).events)
}

func (l *MemoryLog) stream(id EntityID) *memStream {
	st, ok := l.streams[id]
	if !ok {
		st = &memStream{}
		l.streams[id] = st
	}
	return st
}
