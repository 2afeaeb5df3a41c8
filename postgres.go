package trolley

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLog is a relational Log. Appends run in a transaction with an
// offset check against the stream head; the primary key on
// (entity_id, sequence) backstops the check, so a lost race with another
// writer still surfaces as a ConflictError rather than a corrupt stream
type PostgresLog struct {
	pool *pgxpool.Pool
	keep int
}

const (
	createEventsTable = `
		CREATE TABLE IF NOT EXISTS cart_events (
			entity_id   text        NOT NULL,
			sequence    bigint      NOT NULL,
			recorded_at timestamptz NOT NULL,
			event_type  text        NOT NULL,
			data        jsonb       NOT NULL,
			PRIMARY KEY (entity_id, sequence)
		)`

	createSnapshotsTable = `
		CREATE TABLE IF NOT EXISTS cart_snapshots (
			entity_id text   NOT NULL,
			sequence  bigint NOT NULL,
			state     jsonb  NOT NULL,
			PRIMARY KEY (entity_id, sequence)
		)`

	selectOffset = `
		SELECT coalesce(max(sequence), 0) FROM cart_events
		WHERE entity_id = $1`

	insertEvent = `
		INSERT INTO cart_events
			(entity_id, sequence, recorded_at, event_type, data)
		VALUES ($1, $2, $3, $4, $5)`

	selectEventsAfter = `
		SELECT sequence, recorded_at, event_type, data FROM cart_events
		WHERE entity_id = $1 AND sequence > $2
		ORDER BY sequence`

	insertSnapshot = `
		INSERT INTO cart_snapshots (entity_id, sequence, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, sequence) DO UPDATE SET state = $3`

	pruneSnapshots = `
		DELETE FROM cart_snapshots
		WHERE entity_id = $1 AND sequence NOT IN (
			SELECT sequence FROM cart_snapshots
			WHERE entity_id = $1
			ORDER BY sequence DESC LIMIT $2
		)`

	purgeEvents = `
		DELETE FROM cart_events
		WHERE entity_id = $1 AND sequence <= (
			SELECT coalesce(min(sequence), 0) FROM cart_snapshots
			WHERE entity_id = $1
		)`

	selectLatestSnapshot = `
		SELECT sequence, state FROM cart_snapshots
		WHERE entity_id = $1
		ORDER BY sequence DESC LIMIT 1`
)

// NewPostgresLog connects a pool and ensures the schema exists
func NewPostgresLog(
	ctx context.Context, dsn string, keep int,
) (*PostgresLog, error) {
	if keep <= 0 {
		keep = DefaultSnapshotKeep
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	l := &PostgresLog{pool: pool, keep: keep}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *PostgresLog) Close() error {
	l.pool.Close()
	return nil
}

func (l *PostgresLog) migrate(ctx context.Context) error {
	for _, stmt := range []string{createEventsTable, createSnapshotsTable} {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (l *PostgresLog) AppendBatch(
	ctx context.Context, id EntityID, expectedOffset int64, evs []*Event,
) (int64, error) {
	if len(evs) == 0 {
		return expectedOffset, nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var actual int64
	if err := tx.QueryRow(ctx, selectOffset, id).Scan(&actual); err != nil {
		return 0, err
	}
	if actual != expectedOffset {
		return 0, &ConflictError{
			EntityID: id,
			Expected: expectedOffset,
			Actual:   actual,
		}
	}

	seq := expectedOffset
	for _, ev := range evs {
		seq++
		_, err := tx.Exec(ctx, insertEvent,
			id, seq, ev.Timestamp, ev.Type, ev.Data,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, &ConflictError{
					EntityID: id,
					Expected: expectedOffset,
					Actual:   seq,
				}
			}
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *PostgresLog) EventsAfter(
	ctx context.Context, id EntityID, offset int64,
) ([]*Event, error) {
	rows, err := l.pool.Query(ctx, selectEventsAfter, id, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{EntityID: id}
		var data []byte
		err := rows.Scan(&ev.Sequence, &ev.Timestamp, &ev.Type, &data)
		if err != nil {
			return nil, err
		}
		ev.Data = json.RawMessage(data)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (l *PostgresLog) WriteSnapshot(
	ctx context.Context, id EntityID, offset int64, state json.RawMessage,
) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertSnapshot, id, offset, state); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, pruneSnapshots, id, l.keep); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, purgeEvents, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PostgresLog) LatestSnapshot(
	ctx context.Context, id EntityID,
) (*Snapshot, error) {
	snap := &Snapshot{}
	var state []byte
	err := l.pool.QueryRow(ctx, selectLatestSnapshot, id).
		Scan(&snap.Offset, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.State = json.RawMessage(state)
	return snap, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
