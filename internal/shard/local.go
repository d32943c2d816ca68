package shard

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tyrchen/qdrant/internal/cpu"
	"github.com/tyrchen/qdrant/internal/store"
)

// LocalShard is the replica hosted by this process. It applies update
// operations to the storage engine and runs the shard's background
// maintenance (snapshotting) under the global CPU budget, so compaction work
// never crowds out foreground updates.
type LocalShard struct {
	engine *store.Engine
	budget *cpu.Budget
	log    *logrus.Entry
}

// NewLocalShard wraps engine. budget may not be nil; a process without a
// shared pool passes a budget sized for the whole machine.
func NewLocalShard(engine *store.Engine, budget *cpu.Budget) *LocalShard {
	return &LocalShard{
		engine: engine,
		budget: budget,
		log:    logrus.WithField("shard", "local"),
	}
}

// Engine exposes the underlying storage engine for read paths.
func (s *LocalShard) Engine() *store.Engine { return s.engine }

// Update applies op to the storage engine. With wait the WAL entry is synced
// before returning and the result reports Completed; without it the entry is
// only buffered and the result reports Acknowledged.
func (s *LocalShard) Update(ctx context.Context, op *UpdateOperation, wait bool) (*UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CollectionError{Kind: KindCancelled, Msg: "local update", Err: err}
	}

	var (
		seq uint64
		err error
	)
	switch {
	case op.Upsert != nil:
		seq, err = s.engine.Upsert(op.Upsert.Points, wait)
	case op.Delete != nil:
		seq, err = s.engine.Delete(op.Delete.IDs, wait)
	default:
		return nil, NewBadInput("empty update operation")
	}
	if err != nil {
		return nil, WrapService(err, "local shard update")
	}

	status := StatusAcknowledged
	if wait {
		status = StatusCompleted
	}
	return &UpdateResult{OperationID: seq, Status: status}, nil
}

// RunMaintenance periodically snapshots the engine, taking one CPU permit
// per run. When the budget is exhausted the run is skipped rather than
// queued; a snapshot that waits is no better than the next one.
func (s *LocalShard) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			permit := s.budget.TryAcquire(1)
			if permit == nil {
				s.log.Trace("skipping snapshot, no CPU budget")
				continue
			}
			if err := s.engine.Snapshot(); err != nil {
				s.log.WithError(err).Warn("snapshot failed")
			}
			permit.Release()
		}
	}
}
