package trolley

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// snapshotWorker writes snapshots off the entity workers so a slow
	// store never stalls command processing
	snapshotWorker struct {
		log     Log
		logger  *zap.Logger
		ctx     context.Context
		cancel  context.CancelFunc
		queue   chan snapshotRequest
		timeout time.Duration
		wg      sync.WaitGroup
		mu      sync.Mutex
		newest  map[EntityID]int64
	}

	snapshotRequest struct {
		id     EntityID
		offset int64
		state  json.RawMessage
	}
)

func newSnapshotWorker(log Log, cfg Config, logger *zap.Logger) *snapshotWorker {
	ctx, cancel := context.WithCancel(context.Background())

	sw := &snapshotWorker{
		log:     log,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan snapshotRequest, cfg.SnapshotQueueSize),
		timeout: cfg.SnapshotTimeout,
		newest:  map[EntityID]int64{},
	}

	for i := 0; i < cfg.SnapshotWorkers; i++ {
		sw.wg.Add(1)
		go sw.worker(i)
	}
	return sw
}

func (sw *snapshotWorker) worker(id int) {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case req := <-sw.queue:
			sw.save(id, req)
		}
	}
}

func (sw *snapshotWorker) save(workerID int, req snapshotRequest) {
	// A newer snapshot for this entity is already queued or written;
	// skip the stale one instead of spending a store round trip on it
	sw.mu.Lock()
	newest := sw.newest[req.id]
	sw.mu.Unlock()
	if req.offset < newest {
		sw.logger.Debug("snapshot superseded, skipping",
			zap.Int("worker_id", workerID),
			zap.String("entity_id", string(req.id)),
			zap.Int64("offset", req.offset),
			zap.Int64("newest", newest),
		)
		return
	}

	ctx, cancel := context.WithTimeout(sw.ctx, sw.timeout)
	defer cancel()

	start := time.Now()
	err := sw.log.WriteSnapshot(ctx, req.id, req.offset, req.state)
	duration := time.Since(start)

	if err != nil {
		sw.logger.Warn("snapshot write failed",
			zap.Int("worker_id", workerID),
			zap.String("entity_id", string(req.id)),
			zap.Int64("offset", req.offset),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	sw.logger.Debug("snapshot saved",
		zap.Int("worker_id", workerID),
		zap.String("entity_id", string(req.id)),
		zap.Int64("offset", req.offset),
		zap.Duration("duration", duration),
	)
}

func (sw *snapshotWorker) enqueue(
	id EntityID, offset int64, state json.RawMessage,
) bool {
	req := snapshotRequest{id: id, offset: offset, state: state}

	select {
	case sw.queue <- req:
		sw.mu.Lock()
		if offset > sw.newest[id] {
			sw.newest[id] = offset
		}
		sw.mu.Unlock()
		return true
	default:
		sw.logger.Warn("snapshot queue full, dropping request",
			zap.String("entity_id", string(id)),
			zap.Int64("offset", offset),
			zap.Int("queue_size", len(sw.queue)),
		)
		return false
	}
}

func (sw *snapshotWorker) Stop() {
	sw.cancel()
	sw.wg.Wait()
}
