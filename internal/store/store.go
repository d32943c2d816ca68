// Package store contains the storage engine backing one local shard replica.
//
// The engine:
//   - Keeps points (vector + payload) in memory for fast access
//   - Persists every update to disk through a write-ahead log first
//   - Periodically folds the WAL into a full snapshot to speed up recovery
//
// The WAL-first rule is what makes crash recovery work: an update is recorded
// on disk before memory changes, so replaying the log after a crash rebuilds
// the exact pre-crash state. Snapshots keep the log short: after one is
// taken, only newer entries need replaying.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// PointID identifies one point in a collection.
type PointID uint64

// Point is a single stored record: a vector plus an optional payload.
type Point struct {
	ID      PointID        `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Engine is the in-memory point store with WAL durability. It is safe for
// concurrent use: many readers, one writer at a time.
//
// seq is the monotonic operation sequence number. Every applied operation
// gets the next seq, which callers surface as the operation id in update
// acknowledgments.
type Engine struct {
	mu      sync.RWMutex
	points  map[PointID]Point
	seq     uint64
	wal     *WAL
	dataDir string
	log     *logrus.Entry
}

// Open creates or reopens the engine at dataDir.
//
// Startup order matters: load the snapshot first, then replay WAL entries
// written after it. Replayed entries are applied to memory only, never
// re-appended to the log.
func Open(dataDir string) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	e := &Engine{
		points:  make(map[PointID]Point),
		dataDir: dataDir,
		log:     logrus.WithField("data_dir", dataDir),
	}

	if err := e.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	wal, err := openWAL(filepath.Join(dataDir, "wal.log"))
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	e.wal = wal

	if err := e.replayWAL(); err != nil {
		return nil, fmt.Errorf("replay wal: %w", err)
	}
	return e, nil
}

// Upsert stores the given points, overwriting existing IDs, and returns the
// operation sequence number. With fsync the WAL entry is synced before the
// call returns; without it the entry is buffered to the OS and the caller
// only gets an acknowledgment-level guarantee.
func (e *Engine) Upsert(points []Point, fsync bool) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.seq + 1
	entry := walEntry{Seq: seq, Op: opUpsert, Points: points}
	if err := e.wal.append(entry, fsync); err != nil {
		return 0, fmt.Errorf("wal append: %w", err)
	}

	e.seq = seq
	for _, p := range points {
		e.points[p.ID] = p
	}
	return seq, nil
}

// Delete removes the given point IDs, if present, and returns the operation
// sequence number. Deleting an absent ID is not an error; the operation is
// idempotent.
func (e *Engine) Delete(ids []PointID, fsync bool) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.seq + 1
	entry := walEntry{Seq: seq, Op: opDelete, IDs: ids}
	if err := e.wal.append(entry, fsync); err != nil {
		return 0, fmt.Errorf("wal append: %w", err)
	}

	e.seq = seq
	for _, id := range ids {
		delete(e.points, id)
	}
	return seq, nil
}

// Get returns the point with the given ID.
func (e *Engine) Get(id PointID) (Point, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.points[id]
	return p, ok
}

// Count returns the number of stored points.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.points)
}

// Seq returns the sequence number of the last applied operation.
func (e *Engine) Seq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

// Snapshot writes the full in-memory state to disk and truncates the WAL.
// The snapshot is written to a temp file and atomically renamed, so a crash
// mid-write leaves the previous snapshot intact.
func (e *Engine) Snapshot() error {
	e.mu.RLock()
	snap := snapshot{Seq: e.seq, Points: make([]Point, 0, len(e.points))}
	for _, p := range e.points {
		snap.Points = append(snap.Points, p)
	}
	e.mu.RUnlock()

	if err := writeSnapshot(filepath.Join(e.dataDir, "snapshot.json"), snap); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq != snap.Seq {
		// Writes landed while the snapshot was on its way to disk; keep the
		// WAL so they survive a crash.
		e.log.WithField("seq", e.seq).Debug("skipping wal truncate, writes landed during snapshot")
		return nil
	}
	return e.wal.truncate()
}

func (e *Engine) loadSnapshot() error {
	snap, err := readSnapshot(filepath.Join(e.dataDir, "snapshot.json"))
	if err != nil {
		return err
	}
	if snap == nil {
		return nil // no snapshot yet
	}
	e.seq = snap.Seq
	for _, p := range snap.Points {
		e.points[p.ID] = p
	}
	return nil
}

func (e *Engine) replayWAL() error {
	entries, err := e.wal.readAll()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Seq <= e.seq {
			continue // already covered by the snapshot
		}
		switch entry.Op {
		case opUpsert:
			for _, p := range entry.Points {
				e.points[p.ID] = p
			}
		case opDelete:
			for _, id := range entry.IDs {
				delete(e.points, id)
			}
		}
		e.seq = entry.Seq
	}
	return nil
}

// Close flushes and closes the WAL. Call during shutdown.
func (e *Engine) Close() error {
	return e.wal.close()
}
