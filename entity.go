package trolley

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type (
	// Reply carries the outcome of a command back to its caller. On
	// success Summary reflects the post-commit state, so a caller always
	// observes the effect of its own write
	Reply struct {
		Summary Summary
		Err     error
	}

	envelope struct {
		cmd   Command
		reply chan Reply
	}

	// entity is the sequential worker owning one cart's in-memory state.
	// The mailbox is the sole way in; one command is in flight at a time,
	// which is the serialization guarantee that prevents lost updates
	entity struct {
		id      EntityID
		log     Log
		cfg     Config
		logger  *zap.Logger
		snaps   *snapshotWorker
		now     func() time.Time
		ctx     context.Context
		mailbox chan envelope

		mu      sync.RWMutex
		stopped error
	}
)

var (
	// ErrEntityFailed rejects commands after an entity exhausted its
	// restart budget
	ErrEntityFailed = errors.New("entity failed: restart budget exhausted")

	// ErrEngineClosed rejects commands submitted after Close
	ErrEngineClosed = errors.New("engine closed")

	// ErrCommandLost replies to the command that was in flight when its
	// worker crashed before reaching the log. The caller may resubmit
	ErrCommandLost = errors.New("command lost to worker crash; resubmit")

	// ErrMailboxFull rejects a command when the entity's bounded queue has
	// no room. The caller may retry once in-flight commands drain
	ErrMailboxFull = errors.New("entity mailbox full")
)

func newEntity(
	ctx context.Context, id EntityID, log Log, cfg Config,
	logger *zap.Logger, snaps *snapshotWorker, now func() time.Time,
) *entity {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	return &entity{
		id:      id,
		log:     log,
		cfg:     cfg,
		logger:  logger.With(zap.String("entity_id", string(id))),
		snaps:   snaps,
		now:     now,
		ctx:     ctx,
		mailbox: make(chan envelope, cfg.MailboxSize),
	}
}

// run drives the lifecycle: serve until clean shutdown, or crash and
// restart with exponential backoff until the budget runs out. Durable
// events survive a crash; only in-memory state and the in-flight command
// are lost
func (e *entity) run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RestartSeed
	bo.MaxInterval = e.cfg.RestartCap
	bo.RandomizationFactor = e.cfg.RestartJitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	for restarts := 0; ; restarts++ {
		err := e.serve()
		if err == nil {
			e.stop(ErrEngineClosed)
			return
		}

		if restarts >= e.cfg.MaxRestarts {
			e.logger.Error("entity failed",
				zap.Int("restarts", restarts),
				zap.Error(err),
			)
			e.stop(ErrEntityFailed)
			return
		}

		delay := bo.NextBackOff()
		e.logger.Warn("entity crashed, restarting",
			zap.Int("restarts", restarts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		select {
		case <-e.ctx.Done():
			e.stop(ErrEngineClosed)
			return
		case <-time.After(delay):
		}
	}
}

// serve recovers state and processes commands until shutdown. Any error or
// panic terminates this incarnation and reports to the restart loop
func (e *entity) serve() (err error) {
	var current *envelope
	defer func() {
		if r := recover(); r != nil {
			if current != nil {
				current.reply <- Reply{Err: ErrCommandLost}
			}
			err = fmt.Errorf("entity panic: %v", r)
		}
	}()

	state, offset, sinceSnap, err := e.recoverState()
	if err != nil {
		return err
	}

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case env, ok := <-e.mailbox:
			if !ok {
				return nil
			}
			// shutdown can race the dequeue; a command that has not
			// started yet is rejected, never half-processed
			if e.ctx.Err() != nil {
				env.reply <- Reply{Err: ErrEngineClosed}
				return nil
			}
			current = &env
			state, offset, sinceSnap = e.process(
				env, state, offset, sinceSnap,
			)
			current = nil
		}
	}
}

// recoverState rebuilds in-memory state from the latest snapshot plus the
// events recorded after it. No command is processed until this completes
func (e *entity) recoverState() (CartState, int64, int, error) {
	state := NewCartState()
	var offset, snapOffset int64

	snap, err := e.log.LatestSnapshot(e.ctx, e.id)
	if err != nil {
		return state, 0, 0, fmt.Errorf("read snapshot: %w", err)
	}
	if snap != nil {
		if err := json.Unmarshal(snap.State, &state); err != nil {
			return state, 0, 0, fmt.Errorf("decode snapshot: %w", err)
		}
		if state.Items == nil {
			state.Items = map[string]int{}
		}
		offset = snap.Offset
		snapOffset = snap.Offset
	}

	evs, err := e.log.EventsAfter(e.ctx, e.id, offset)
	if err != nil {
		return state, 0, 0, fmt.Errorf("replay events: %w", err)
	}
	state = applyEvents(state, evs)
	if len(evs) > 0 {
		offset = evs[len(evs)-1].Sequence
	}

	return state, offset, int(offset - snapOffset), nil
}

// process runs one command to completion. Validation rejections and no-op
// commands reply without touching the log; mutations reply only after the
// batch is durably committed. A failed append leaves in-memory state
// untouched so the next command still validates against truth
func (e *entity) process(
	env envelope, state CartState, offset int64, sinceSnap int,
) (CartState, int64, int) {
	evs, err := decide(e.id, state, env.cmd, e.now(), offset+1)
	if err != nil {
		env.reply <- Reply{Summary: state.Summary(), Err: err}
		return state, offset, sinceSnap
	}
	if len(evs) == 0 {
		env.reply <- Reply{Summary: state.Summary()}
		return state, offset, sinceSnap
	}

	newOffset, err := e.log.AppendBatch(e.ctx, e.id, offset, evs)
	if err != nil {
		env.reply <- Reply{
			Summary: state.Summary(),
			Err:     fmt.Errorf("persist events: %w", err),
		}
		return state, offset, sinceSnap
	}

	state = applyEvents(state, evs)
	offset = newOffset
	sinceSnap += len(evs)

	if sinceSnap >= e.cfg.SnapshotEvery {
		e.snapshot(state, offset)
		sinceSnap = 0
	}

	env.reply <- Reply{Summary: state.Summary()}
	return state, offset, sinceSnap
}

// snapshot hands the state off to the background pool, or writes it inline
// when the pool is disabled. Failures are logged and never fail a command
func (e *entity) snapshot(state CartState, offset int64) {
	data, err := json.Marshal(state)
	if err != nil {
		e.logger.Warn("snapshot encode failed",
			zap.Int64("offset", offset),
			zap.Error(err),
		)
		return
	}

	if e.snaps != nil {
		e.snaps.enqueue(e.id, offset, data)
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SnapshotTimeout)
	defer cancel()
	if err := e.log.WriteSnapshot(ctx, e.id, offset, data); err != nil {
		e.logger.Warn("snapshot write failed",
			zap.Int64("offset", offset),
			zap.Error(err),
		)
	}
}

// stop seals the entity with a terminal rejection and drains whatever is
// queued, so no caller is left waiting on a reply that will never come.
// Senders enqueue under the read lock, so once the write lock is held
// every queued envelope is visible to the drain
func (e *entity) stop(reason error) {
	e.mu.Lock()
	e.stopped = reason
	e.mu.Unlock()

	for {
		select {
		case env := <-e.mailbox:
			env.reply <- Reply{Err: reason}
		default:
			return
		}
	}
}

// send queues a command without blocking; a full mailbox rejects rather
// than stalls the caller. The returned channel is buffered so an abandoned
// caller never blocks the worker
func (e *entity) send(cmd Command) <-chan Reply {
	reply := make(chan Reply, 1)

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped != nil {
		reply <- Reply{Err: e.stopped}
		return reply
	}

	select {
	case e.mailbox <- envelope{cmd: cmd, reply: reply}:
	default:
		reply <- Reply{Err: ErrMailboxFull}
	}
	return reply
}
