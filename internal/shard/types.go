// Package shard implements the replicated write path for a single logical
// shard: a set of peers each holding a copy, a write fan-out that enforces a
// configurable consistency factor, and the bookkeeping that detects failing
// replicas and asks consensus to deactivate them.
//
// The storage engine behind each replica and the consensus machinery that
// mutates replica membership are both external; this package only sees them
// through the ShardOperation contract and the replica state table.
package shard

import "fmt"

// PeerID identifies a cluster node. IDs are totally ordered; leader selection
// relies on that order being stable across the whole cluster.
type PeerID uint64

// ShardID identifies one logical shard of a collection.
type ShardID uint32

// ReplicaState is the consensus-replicated state of one shard replica.
type ReplicaState string

const (
	// ReplicaActive: fully caught up, serves reads and writes.
	ReplicaActive ReplicaState = "Active"
	// ReplicaDead: known bad, excluded from all operations.
	ReplicaDead ReplicaState = "Dead"
	// ReplicaPartial: accepting writes, behind on historical data.
	ReplicaPartial ReplicaState = "Partial"
	// ReplicaInitializing: newly added, accepting writes, not yet confirmed.
	ReplicaInitializing ReplicaState = "Initializing"
	// ReplicaListener: accepts writes fire-and-forget, never blocks the caller.
	ReplicaListener ReplicaState = "Listener"
	// ReplicaPartialSnapshot: receiving a snapshot, not writable.
	ReplicaPartialSnapshot ReplicaState = "PartialSnapshot"
)

// WriteOrdering controls how strictly a single update is coordinated.
type WriteOrdering string

const (
	// OrderingWeak applies the update locally with no coordination.
	OrderingWeak WriteOrdering = "weak"
	// OrderingMedium routes through the highest alive replica.
	OrderingMedium WriteOrdering = "medium"
	// OrderingStrong routes through the highest replica, dead or alive, so two
	// partitions can never both accept writes.
	OrderingStrong WriteOrdering = "strong"
)

// ParseWriteOrdering maps the wire representation to a WriteOrdering,
// defaulting to weak for an empty string.
func ParseWriteOrdering(s string) (WriteOrdering, error) {
	switch WriteOrdering(s) {
	case "":
		return OrderingWeak, nil
	case OrderingWeak, OrderingMedium, OrderingStrong:
		return WriteOrdering(s), nil
	default:
		return "", NewBadInput(fmt.Sprintf("unknown write ordering %q", s))
	}
}

// UpdateStatus reports how far an update got before the call returned.
type UpdateStatus string

const (
	// StatusAcknowledged: the operation was accepted without a durability
	// guarantee; the local shard applies it in memory but does not sync its
	// WAL entry.
	StatusAcknowledged UpdateStatus = "acknowledged"
	// StatusCompleted: the operation is fully applied.
	StatusCompleted UpdateStatus = "completed"
)

// UpdateResult is a replica's acknowledgment of one update operation.
type UpdateResult struct {
	OperationID uint64       `json:"operation_id"`
	Status      UpdateStatus `json:"status"`
}
