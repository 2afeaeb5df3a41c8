package trolley

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

type (
	// BoltLog is a file-backed Log over bbolt, suitable for single-node
	// deployments and durable local testing. Events and snapshots live in
	// per-entity sub-buckets keyed by big-endian sequence number; a meta
	// bucket tracks each stream's offset so purged events don't lose it
	BoltLog struct {
		db   *bolt.DB
		keep int
	}
)

var (
	bucketEvents    = []byte("events")
	bucketSnapshots = []byte("snapshots")
	bucketMeta      = []byte("meta")
)

// NewBoltLog opens (or creates) the database file at path
func NewBoltLog(path string, keep int) (*BoltLog, error) {
	if keep <= 0 {
		keep = DefaultSnapshotKeep
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketEvents, bucketSnapshots, bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltLog{db: db, keep: keep}, nil
}

func (l *BoltLog) Close() error {
	return l.db.Close()
}

func (l *BoltLog) AppendBatch(
	_ context.Context, id EntityID, expectedOffset int64, evs []*Event,
) (int64, error) {
	if len(evs) == 0 {
		return expectedOffset, nil
	}

	var newOffset int64
	err := l.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		actual := readOffset(meta, id)
		if actual != expectedOffset {
			return &ConflictError{
				EntityID: id,
				Expected: expectedOffset,
				Actual:   actual,
			}
		}

		stream, err := tx.Bucket(bucketEvents).
			CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}

		seq := expectedOffset
		for _, ev := range evs {
			seq++
			copied := *ev
			copied.Sequence = seq
			data, err := json.Marshal(&copied)
			if err != nil {
				return err
			}
			if err := stream.Put(seqKey(seq), data); err != nil {
				return err
			}
		}

		newOffset = seq
		return meta.Put([]byte(id), seqKey(seq))
	})
	if err != nil {
		return 0, err
	}
	return newOffset, nil
}

func (l *BoltLog) EventsAfter(
	_ context.Context, id EntityID, offset int64,
) ([]*Event, error) {
	var events []*Event
	err := l.db.View(func(tx *bolt.Tx) error {
		stream := tx.Bucket(bucketEvents).Bucket([]byte(id))
		if stream == nil {
			return nil
		}

		c := stream.Cursor()
		for k, v := c.Seek(seqKey(offset + 1)); k != nil; k, v = c.Next() {
			ev := &Event{}
			if err := json.Unmarshal(v, ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (l *BoltLog) WriteSnapshot(
	_ context.Context, id EntityID, offset int64, state json.RawMessage,
) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		snaps, err := tx.Bucket(bucketSnapshots).
			CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		if err := snaps.Put(seqKey(offset), state); err != nil {
			return err
		}

		// prune retention, oldest first. Keys are collected up front;
		// mutating a bucket invalidates its cursors
		keys := bucketKeys(snaps)
		for len(keys) > l.keep {
			if err := snaps.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		if len(keys) == 0 {
			return nil
		}

		// purge events superseded by the oldest retained snapshot
		floor := int64(binary.BigEndian.Uint64(keys[0]))
		stream := tx.Bucket(bucketEvents).Bucket([]byte(id))
		if stream == nil {
			return nil
		}
		for _, k := range bucketKeys(stream) {
			if int64(binary.BigEndian.Uint64(k)) > floor {
				break
			}
			if err := stream.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BoltLog) LatestSnapshot(
	_ context.Context, id EntityID,
) (*Snapshot, error) {
	var snap *Snapshot
	err := l.db.View(func(tx *bolt.Tx) error {
		snaps := tx.Bucket(bucketSnapshots).Bucket([]byte(id))
		if snaps == nil {
			return nil
		}
		k, v := snaps.Cursor().Last()
		if k == nil {
			return nil
		}
		snap = &Snapshot{
			Offset: int64(binary.BigEndian.Uint64(k)),
			State:  append(json.RawMessage{}, v...),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func bucketKeys(b *bolt.Bucket) [][]byte {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte{}, k...))
	}
	return keys
}

func readOffset(meta *bolt.Bucket, id EntityID) int64 {
	v := meta.Get([]byte(id))
	if v == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func seqKey(seq int64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(seq))
	return key[:]
}
