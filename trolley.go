package trolley

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// Trolley routes commands to per-entity workers. Workers for distinct
	// ids run fully in parallel; within one id, commands are strictly
	// serialized. No locks are exposed to callers
	Trolley struct {
		cfg      Config
		log      Log
		logger   *zap.Logger
		now      func() time.Time
		snaps    *snapshotWorker
		ctx      context.Context
		cancel   context.CancelFunc
		mu       sync.Mutex
		entities map[EntityID]*entity
		wg       sync.WaitGroup
		closed   bool
	}

	// Option tweaks a Trolley at construction time
	Option func(*Trolley)
)

// WithLogger attaches a structured logger. The default discards everything
func WithLogger(logger *zap.Logger) Option {
	return func(t *Trolley) {
		t.logger = logger
	}
}

// WithClock overrides the time source used to stamp events
func WithClock(now func() time.Time) Option {
	return func(t *Trolley) {
		t.now = now
	}
}

// New creates a Trolley over the given event log
func New(log Log, cfg Config, opts ...Option) *Trolley {
	ctx, cancel := context.WithCancel(context.Background())

	t := &Trolley{
		cfg:      cfg,
		log:      log,
		logger:   zap.NewNop(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		entities: map[EntityID]*entity{},
	}
	for _, opt := range opts {
		opt(t)
	}

	if cfg.SnapshotWorkers > 0 {
		t.snaps = newSnapshotWorker(log, cfg, t.logger)
	}
	return t
}

// Send queues a command for the entity and returns the channel its Reply
// will arrive on. The channel is buffered; abandoning it never blocks the
// worker. A full mailbox rejects with ErrMailboxFull rather than blocking.
// Once a command reaches the log it cannot be cancelled
func (t *Trolley) Send(id EntityID, cmd Command) <-chan Reply {
	e, err := t.entityFor(id)
	if err != nil {
		reply := make(chan Reply, 1)
		reply <- Reply{Err: err}
		return reply
	}
	return e.send(cmd)
}

// Submit queues a command and waits for its reply. A context timeout only
// abandons the wait; it does not stop an in-flight write
func (t *Trolley) Submit(
	ctx context.Context, id EntityID, cmd Command,
) (Summary, error) {
	select {
	case reply := <-t.Send(id, cmd):
		return reply.Summary, reply.Err
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// Get is a convenience for the read-only summary
func (t *Trolley) Get(ctx context.Context, id EntityID) (Summary, error) {
	return t.Submit(ctx, id, Get{})
}

func (t *Trolley) entityFor(id EntityID) (*entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrEngineClosed
	}
	if e, ok := t.entities[id]; ok {
		return e, nil
	}

	e := newEntity(t.ctx, id, t.log, t.cfg, t.logger, t.snaps, t.now)
	t.entities[id] = e
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		e.run()
	}()
	return e, nil
}

// Close stops all workers and the snapshot pool. Commands still queued
// when a worker shuts down get an ErrEngineClosed reply; their events were
// either durably committed or never written
func (t *Trolley) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	if t.snaps != nil {
		t.snaps.Stop()
	}
	return nil
}
