package trolley

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisLog stores each cart's events in a Redis list and its retained
	// snapshots in a hash, with Lua scripts keeping append, retention and
	// archive atomic
	RedisLog struct {
		client          *redis.Client
		config          RedisConfig
		appendEventsLua *redis.Script
		eventsAfterLua  *redis.Script
		putSnapshotLua  *redis.Script
		latestSnapLua   *redis.Script
		publishArchive  *redis.Script
	}

	RedisConfig struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
		Keep     int

		ArchiveStream   string
		ArchiveGroup    string
		ArchiveConsumer string
	}
)

const (
	RedisConnectTimeout = 5 * time.Second

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "trolley"

	eventsSuffix   = ":events"
	baseSuffix     = ":base"
	snapshotSuffix = ":snaps"

	// ArchiveMinIdle is the idle duration before pending archive work is
	// reclaimed from a dead consumer
	ArchiveMinIdle = 30 * time.Second
)

var (
	// ErrUnexpectedLuaResult indicates a Lua script returned a shape the
	// client does not understand
	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")

	// ErrArchivingDisabled indicates no archive stream was configured
	ErrArchivingDisabled = errors.New("archiving not enabled for this log")

	// ErrArchiveRecordMalformed indicates an archive record was malformed
	ErrArchiveRecordMalformed = errors.New("archive record malformed")
)

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   DefaultRedisEndpoint,
		Prefix: DefaultRedisPrefix,
		Keep:   DefaultSnapshotKeep,
	}
}

// NewRedisLog connects to Redis and prepares the scripts
func NewRedisLog(ctx context.Context, cfg RedisConfig) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, RedisConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	if cfg.Keep <= 0 {
		cfg.Keep = DefaultSnapshotKeep
	}

	return &RedisLog{
		client:          client,
		config:          cfg,
		appendEventsLua: redis.NewScript(luaAppendEvents),
		eventsAfterLua:  redis.NewScript(luaEventsAfter),
		putSnapshotLua:  redis.NewScript(luaPutSnapshot),
		latestSnapLua:   redis.NewScript(luaLatestSnapshot),
		publishArchive:  redis.NewScript(luaPublishArchive),
	}, nil
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}

func (l *RedisLog) AppendBatch(
	ctx context.Context, id EntityID, expectedOffset int64, evs []*Event,
) (int64, error) {
	if len(evs) == 0 {
		return expectedOffset, nil
	}

	keys := []string{
		l.buildKey(id, eventsSuffix),
		l.buildKey(id, baseSuffix),
	}
	args := []any{expectedOffset}

	for i, ev := range evs {
		copied := *ev
		copied.Sequence = expectedOffset + int64(i) + 1
		data, err := json.Marshal(&copied)
		if err != nil {
			return 0, err
		}
		args = append(args, string(data))
	}

	result, err := l.appendEventsLua.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		return 0, err
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		return 0, ErrUnexpectedLuaResult
	}

	if res[0].(int64) == 0 {
		return 0, &ConflictError{
			EntityID: id,
			Expected: expectedOffset,
			Actual:   res[1].(int64),
		}
	}
	return res[1].(int64), nil
}

func (l *RedisLog) EventsAfter(
	ctx context.Context, id EntityID, offset int64,
) ([]*Event, error) {
	keys := []string{
		l.buildKey(id, eventsSuffix),
		l.buildKey(id, baseSuffix),
	}

	result, err := l.eventsAfterLua.Run(ctx, l.client, keys, offset).Result()
	if err != nil {
		return nil, err
	}

	raw, ok := result.([]any)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}

	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		ev := &Event{}
		if err := json.Unmarshal([]byte(item.(string)), ev); err != nil {
			return nil, err
		}
		if ev.Sequence > offset {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (l *RedisLog) WriteSnapshot(
	ctx context.Context, id EntityID, offset int64, state json.RawMessage,
) error {
	keys := []string{
		l.buildKey(id, snapshotSuffix),
		l.buildKey(id, eventsSuffix),
		l.buildKey(id, baseSuffix),
	}
	return l.putSnapshotLua.Run(
		ctx, l.client, keys, offset, string(state), l.config.Keep,
	).Err()
}

func (l *RedisLog) LatestSnapshot(
	ctx context.Context, id EntityID,
) (*Snapshot, error) {
	keys := []string{l.buildKey(id, snapshotSuffix)}

	result, err := l.latestSnapLua.Run(ctx, l.client, keys).Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}
	if len(res) == 0 {
		return nil, nil
	}
	if len(res) < 2 {
		return nil, ErrUnexpectedLuaResult
	}

	return &Snapshot{
		Offset: res[0].(int64),
		State:  json.RawMessage(res[1].(string)),
	}, nil
}

func (l *RedisLog) buildKey(id EntityID, suffix string) string {
	return fmt.Sprintf("%s:%s%s", l.config.Prefix, id, suffix)
}

// Archive support. A checked-out cart is terminal; moving it onto a stream
// keeps the live keyspace to active carts while downstream consumers keep
// the full history.

type (
	// ArchiveRecord is one archived cart pulled off the stream
	ArchiveRecord struct {
		StreamID         string
		EntityID         EntityID
		SnapshotData     json.RawMessage
		SnapshotSequence int64
		Events           []json.RawMessage
	}

	// ArchiveHandler handles a single archive record
	ArchiveHandler func(context.Context, *ArchiveRecord) error
)

// Archive atomically moves the cart's events and newest snapshot onto the
// archive stream and deletes the live keys. Only call this once the cart's
// worker has stopped; the engine will otherwise rebuild from an empty log
func (l *RedisLog) Archive(ctx context.Context, id EntityID) error {
	if l.config.ArchiveStream == "" {
		return ErrArchivingDisabled
	}

	keys := []string{
		l.buildKey(id, snapshotSuffix),
		l.buildKey(id, eventsSuffix),
		l.buildKey(id, baseSuffix),
		l.config.ArchiveStream,
	}

	result, err := l.publishArchive.Run(
		ctx, l.client, keys, string(id),
	).Result()
	if err != nil {
		return err
	}

	if res, ok := result.([]any); !ok || len(res) == 0 {
		return ErrUnexpectedLuaResult
	}
	return nil
}

// PollArchive reads one archive record, blocking up to timeout, and invokes
// handler. The entry is acknowledged and deleted only after the handler
// succeeds, so handlers must be idempotent under redelivery
func (l *RedisLog) PollArchive(
	ctx context.Context, timeout time.Duration, handler ArchiveHandler,
) error {
	if l.config.ArchiveStream == "" {
		return ErrArchivingDisabled
	}
	if handler == nil {
		return errors.New("archive handler is required")
	}

	stream := l.config.ArchiveStream
	group := l.archiveGroup()
	consumer := l.archiveConsumer()

	if err := l.ensureArchiveGroup(ctx, stream, group); err != nil {
		return err
	}

	handled, err := l.reclaimArchive(ctx, stream, group, consumer, handler)
	if err != nil || handled {
		return err
	}

	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil
	}
	return l.handleArchive(ctx, stream, group, streams[0].Messages[0], handler)
}

func (l *RedisLog) reclaimArchive(
	ctx context.Context, stream, group, consumer string,
	handler ArchiveHandler,
) (bool, error) {
	msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  ArchiveMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return false, err
	}
	return true, l.handleArchive(ctx, stream, group, msgs[0], handler)
}

func (l *RedisLog) handleArchive(
	ctx context.Context, stream, group string, msg redis.XMessage,
	handler ArchiveHandler,
) error {
	record, err := parseArchiveRecord(msg)
	if err != nil {
		return err
	}

	if err := handler(ctx, record); err != nil {
		return err
	}

	if err := l.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
		return err
	}
	return l.client.XDel(ctx, stream, msg.ID).Err()
}

func parseArchiveRecord(msg redis.XMessage) (*ArchiveRecord, error) {
	id, err := archiveField(msg, "id")
	if err != nil {
		return nil, err
	}
	snap, err := archiveField(msg, "snap")
	if err != nil {
		return nil, err
	}
	seqStr, err := archiveField(msg, "seq")
	if err != nil {
		return nil, err
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, ErrArchiveRecordMalformed
	}
	evjson, err := archiveField(msg, "events")
	if err != nil {
		return nil, err
	}

	var raw []string
	if err := json.Unmarshal([]byte(evjson), &raw); err != nil {
		return nil, ErrArchiveRecordMalformed
	}

	record := &ArchiveRecord{
		StreamID:         msg.ID,
		EntityID:         EntityID(id),
		SnapshotData:     json.RawMessage(snap),
		SnapshotSequence: seq,
		Events:           make([]json.RawMessage, 0, len(raw)),
	}
	for _, ev := range raw {
		record.Events = append(record.Events, json.RawMessage(ev))
	}
	return record, nil
}

func archiveField(msg redis.XMessage, name string) (string, error) {
	raw, ok := msg.Values[name]
	if !ok {
		return "", ErrArchiveRecordMalformed
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", ErrArchiveRecordMalformed
	}
}

func (l *RedisLog) ensureArchiveGroup(
	ctx context.Context, stream, group string,
) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (l *RedisLog) archiveGroup() string {
	if l.config.ArchiveGroup != "" {
		return l.config.ArchiveGroup
	}
	return l.config.Prefix + ":archive"
}

func (l *RedisLog) archiveConsumer() string {
	if l.config.ArchiveConsumer != "" {
		return l.config.ArchiveConsumer
	}
	return l.config.Prefix + ":consumer"
}
