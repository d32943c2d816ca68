package shard

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/tyrchen/qdrant/internal/config"
)

// ShardOperation is the capability every replica handle exposes to the write
// path. Local and remote replicas implement it alike, so the dispatcher never
// cares where an update lands.
type ShardOperation interface {
	// Update applies op to this replica. With wait the call returns only once
	// the operation is fully applied and durable; without it, once the replica
	// has accepted it, with no durability guarantee.
	Update(ctx context.Context, op *UpdateOperation, wait bool) (*UpdateResult, error)
}

// RemoteReplica is a replica hosted on another peer. Besides plain updates it
// can run a full consistency update on behalf of this node when the other
// peer is the designated leader.
type RemoteReplica interface {
	ShardOperation
	PeerID() PeerID
	ForwardUpdate(ctx context.Context, op *UpdateOperation, wait bool, ordering WriteOrdering) (*UpdateResult, error)
}

// OnPeerFailure relays a deactivation intent to the consensus layer. The
// replica set never mutates consensus state itself; it only reports which
// peer failed for which shard. The handle must not keep the replica set
// alive; main wires it as a plain closure.
type OnPeerFailure func(peer PeerID, shard ShardID)

// ShardReplicaSet is the group of replicas holding one logical shard,
// together with everything needed to route a write through them.
type ShardReplicaSet struct {
	shardID      ShardID
	collectionID string
	thisPeerID   PeerID

	// localMu guards local, remotesMu guards remotes. Both are read-held only
	// briefly (e.g. while the dispatch target set is built), never across a
	// replica call.
	localMu   sync.RWMutex
	local     ShardOperation // nil when this peer hosts no replica
	remotesMu sync.RWMutex
	remotes   []RemoteReplica

	replicaState *ReplicaSetState

	// locallyDisabled hides peers this process has seen fail from routing
	// until consensus confirms their state change.
	locallyDisabled mapset.Set[PeerID]

	// writeOrderingMu serializes medium/strong ordered writes while this peer
	// is the leader.
	writeOrderingMu sync.Mutex

	collectionCfgMu  sync.RWMutex
	collectionConfig config.CollectionConfig
	storageConfig    config.StorageConfig

	onPeerFailure OnPeerFailure

	// deactivationTimeout bounds the post-quorum wait for consensus to strip
	// a failed peer of its Active status.
	deactivationTimeout time.Duration

	log *logrus.Entry
}

// ReplicaSetParams collects everything needed to assemble a ShardReplicaSet.
type ReplicaSetParams struct {
	ShardID          ShardID
	CollectionID     string
	ThisPeerID       PeerID
	Local            ShardOperation // nil if this peer hosts no replica
	Remotes          []RemoteReplica
	CollectionConfig config.CollectionConfig
	StorageConfig    config.StorageConfig
	OnPeerFailure    OnPeerFailure
}

// NewShardReplicaSet assembles a replica set. Every replica (local and
// remote) starts Dead until consensus activates it, matching how a freshly
// built set has not confirmed any replica yet.
func NewShardReplicaSet(p ReplicaSetParams) *ShardReplicaSet {
	rs := &ShardReplicaSet{
		shardID:             p.ShardID,
		collectionID:        p.CollectionID,
		thisPeerID:          p.ThisPeerID,
		local:               p.Local,
		remotes:             p.Remotes,
		replicaState:        NewReplicaSetState(),
		locallyDisabled:     mapset.NewSet[PeerID](),
		collectionConfig:    p.CollectionConfig,
		storageConfig:       p.StorageConfig,
		onPeerFailure:       p.OnPeerFailure,
		deactivationTimeout: DefaultShardDeactivationTimeout,
		log: logrus.WithFields(logrus.Fields{
			"collection": p.CollectionID,
			"shard":      p.ShardID,
		}),
	}
	if p.Local != nil {
		rs.replicaState.Set(p.ThisPeerID, ReplicaDead)
	}
	for _, r := range p.Remotes {
		rs.replicaState.Set(r.PeerID(), ReplicaDead)
	}
	return rs
}

// SetOnPeerFailure installs the consensus relay callback after construction,
// for hosts whose callback needs a handle on the replica set itself. Install
// before the first update is dispatched.
func (rs *ShardReplicaSet) SetOnPeerFailure(cb OnPeerFailure) { rs.onPeerFailure = cb }

// Local returns the local shard when this peer hosts one through a
// *LocalShard handle, nil otherwise.
func (rs *ShardReplicaSet) Local() *LocalShard {
	rs.localMu.RLock()
	defer rs.localMu.RUnlock()
	if ls, ok := rs.local.(*LocalShard); ok {
		return ls
	}
	return nil
}

// ThisPeerID returns the id of the peer running this process.
func (rs *ShardReplicaSet) ThisPeerID() PeerID { return rs.thisPeerID }

// ShardID returns the shard this set replicates.
func (rs *ShardReplicaSet) ShardID() ShardID { return rs.shardID }

// State returns the observable replica state table.
func (rs *ShardReplicaSet) State() *ReplicaSetState { return rs.replicaState }

// SetReplicaState is the consensus layer's entry point for recording a
// peer's state. Confirming a state change also clears the local-disable
// overlay for that peer.
func (rs *ShardReplicaSet) SetReplicaState(peer PeerID, state ReplicaState) error {
	if _, ok := rs.replicaState.Get(peer); !ok {
		return NewNotFound("peer %d is not a member of shard %d", peer, rs.shardID)
	}
	rs.replicaState.Set(peer, state)
	rs.locallyDisabled.Remove(peer)
	return nil
}

// RemoveReplica drops a peer from the set entirely (consensus decided it is
// gone for good).
func (rs *ShardReplicaSet) RemoveReplica(peer PeerID) {
	rs.replicaState.Remove(peer)
	rs.locallyDisabled.Remove(peer)

	rs.remotesMu.Lock()
	kept := rs.remotes[:0]
	for _, r := range rs.remotes {
		if r.PeerID() != peer {
			kept = append(kept, r)
		}
	}
	rs.remotes = kept
	rs.remotesMu.Unlock()
}

func (rs *ShardReplicaSet) peerState(peer PeerID) (ReplicaState, bool) {
	return rs.replicaState.Get(peer)
}

func (rs *ShardReplicaSet) isLocallyDisabled(peer PeerID) bool {
	return rs.locallyDisabled.Contains(peer)
}

// addLocallyDisabled hides peer from routing and reports the deactivation
// intent to consensus.
func (rs *ShardReplicaSet) addLocallyDisabled(peer PeerID) {
	if !rs.locallyDisabled.Add(peer) {
		return // already reported
	}
	if rs.onPeerFailure != nil {
		rs.onPeerFailure(peer, rs.shardID)
	}
}

// LocallyDisabled returns a snapshot of the local-disable overlay.
func (rs *ShardReplicaSet) LocallyDisabled() []PeerID {
	return rs.locallyDisabled.ToSlice()
}

// peerIsActive reports whether peer serves reads and writes right now.
func (rs *ShardReplicaSet) peerIsActive(peer PeerID) bool {
	st, ok := rs.peerState(peer)
	return ok && st == ReplicaActive && !rs.isLocallyDisabled(peer)
}

// peerIsActiveOrPending reports whether peer can receive updates. Dead
// replicas and replicas mid-snapshot cannot; everything else can, including
// listeners.
func (rs *ShardReplicaSet) peerIsActiveOrPending(peer PeerID) bool {
	st, ok := rs.peerState(peer)
	if !ok {
		return false
	}
	switch st {
	case ReplicaActive, ReplicaPartial, ReplicaInitializing, ReplicaListener:
		return !rs.isLocallyDisabled(peer)
	default:
		return false
	}
}

func (rs *ShardReplicaSet) writeConsistencyFactor() int {
	rs.collectionCfgMu.RLock()
	defer rs.collectionCfgMu.RUnlock()
	w := int(rs.collectionConfig.Params.WriteConsistencyFactor)
	if w < 1 {
		w = 1
	}
	return w
}

func (rs *ShardReplicaSet) updateConcurrency() int {
	return rs.storageConfig.UpdateConcurrency
}

// UpdateCollectionConfig swaps the collection parameters, e.g. after
// consensus changed the write consistency factor.
func (rs *ShardReplicaSet) UpdateCollectionConfig(cfg config.CollectionConfig) {
	rs.collectionCfgMu.Lock()
	rs.collectionConfig = cfg
	rs.collectionCfgMu.Unlock()
}
