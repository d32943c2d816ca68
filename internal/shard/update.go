package shard

import (
	"context"
	"fmt"
	"time"
)

// DefaultShardDeactivationTimeout bounds how long a quorum-satisfied update
// waits for consensus to strip a failed replica of its Active status.
const DefaultShardDeactivationTimeout = 30 * time.Second

// UpdateLocal applies op to the local shard, if any, without touching remote
// replicas and without any failure handling. It returns (nil, nil) when this
// peer hosts no replica or its state does not accept writes.
func (rs *ShardReplicaSet) UpdateLocal(ctx context.Context, op *UpdateOperation, wait bool) (*UpdateResult, error) {
	rs.localMu.RLock()
	local := rs.local
	rs.localMu.RUnlock()
	if local == nil {
		return nil, nil
	}

	st, ok := rs.peerState(rs.thisPeerID)
	if !ok {
		return nil, nil
	}
	switch st {
	case ReplicaActive, ReplicaPartial, ReplicaInitializing:
		return local.Update(ctx, op, wait)
	case ReplicaListener:
		// A listener never blocks the caller on application.
		return local.Update(ctx, op, false)
	default: // PartialSnapshot, Dead
		return nil, nil
	}
}

// UpdateWithConsistency routes one update through the replica set: picks the
// leader for the requested ordering, forwards if the leader is another peer,
// otherwise fans out to every replica that can accept writes and enforces the
// collection's write consistency factor.
func (rs *ShardReplicaSet) UpdateWithConsistency(ctx context.Context, op *UpdateOperation, wait bool, ordering WriteOrdering) (*UpdateResult, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	leader, ok := rs.leaderPeerForUpdate(ordering)
	if !ok {
		return nil, NewServiceError(
			"cannot update shard %s:%d with %s ordering because no leader could be selected",
			rs.collectionID, rs.shardID, ordering)
	}

	if leader != rs.thisPeerID {
		res, err := rs.forwardUpdate(ctx, leader, op, wait, ordering)
		if err != nil {
			if IsTransient(err) {
				// The leader may recover and diverge; hide it from routing
				// until consensus settles its state.
				rs.addLocallyDisabled(leader)
				return nil, WrapService(err,
					"failed to apply update with %s ordering via leader peer %d", ordering, leader)
			}
			return nil, err
		}
		return res, nil
	}

	// We are the leader. Medium and strong ordering admit one in-flight write
	// per shard at a time; the lock is held through the deactivation wait,
	// which is itself bounded by deactivationTimeout.
	if ordering == OrderingMedium || ordering == OrderingStrong {
		rs.writeOrderingMu.Lock()
		defer rs.writeOrderingMu.Unlock()
	}
	return rs.update(ctx, op, wait)
}

// leaderPeerForUpdate designates the leader replica for one update based on
// the requested write ordering.
func (rs *ShardReplicaSet) leaderPeerForUpdate(ordering WriteOrdering) (PeerID, bool) {
	switch ordering {
	case OrderingMedium:
		return rs.HighestAliveReplicaPeerID() // consistency with the highest alive replica
	case OrderingStrong:
		return rs.HighestReplicaPeerID() // consistency with the highest replica, dead or not
	default: // weak, no coordination required
		return rs.thisPeerID, true
	}
}

// HighestReplicaPeerID returns the largest peer id across all replica set
// members, including Dead ones.
func (rs *ShardReplicaSet) HighestReplicaPeerID() (PeerID, bool) {
	var max PeerID
	found := false
	for _, p := range rs.replicaState.Keys() {
		if !found || p > max {
			max, found = p, true
		}
	}
	return max, found
}

// HighestAliveReplicaPeerID returns the largest peer id among replicas that
// are Active and not locally disabled.
func (rs *ShardReplicaSet) HighestAliveReplicaPeerID() (PeerID, bool) {
	// Snapshot the keys first; peerIsActive re-acquires the state lock per
	// peer, so it is never held across the whole scan.
	var max PeerID
	found := false
	for _, p := range rs.replicaState.Keys() {
		if rs.peerIsActive(p) && (!found || p > max) {
			max, found = p, true
		}
	}
	return max, found
}

// peerResult tags one replica's answer with the peer it came from.
type peerResult struct {
	peer PeerID
	res  *UpdateResult
	err  error
}

// updateTarget is one dispatch target with its effective wait flag resolved.
type updateTarget struct {
	peer    PeerID
	replica ShardOperation
	wait    bool
}

// update fans op out to every replica that can accept writes, collects the
// tagged results in completion order, and enforces the write consistency
// factor over them.
func (rs *ShardReplicaSet) update(ctx context.Context, op *UpdateOperation, wait bool) (*UpdateResult, error) {
	targets := rs.updateTargets(wait)
	if len(targets) == 0 {
		return nil, NewServiceError(
			"the replica set for shard %d on peer %d has no active replica",
			rs.shardID, rs.thisPeerID)
	}

	// Fan out one goroutine per target; a buffered channel collects tagged
	// results as they complete. When update_concurrency is configured a
	// channel semaphore bounds how many dispatches are in flight.
	results := make(chan peerResult, len(targets))
	var sem chan struct{}
	if c := rs.updateConcurrency(); c > 0 {
		sem = make(chan struct{}, c)
	}
	for _, t := range targets {
		t := t
		opClone := op.Clone()
		go func() {
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			res, err := t.replica.Update(ctx, opClone, t.wait)
			results <- peerResult{peer: t.peer, res: res, err: err}
		}()
	}

	var successes, failures []peerResult
	for range targets {
		r := <-results
		if r.err != nil {
			failures = append(failures, r)
		} else {
			successes = append(successes, r)
		}
	}

	totalResults := len(targets)
	minimalSuccessCount := min(rs.writeConsistencyFactor(), totalResults)

	var failureError string
	if len(failures) > 0 {
		failureError = fmt.Sprintf("failed peer: %d, error: %v", failures[0].peer, failures[0].err)
	}

	if len(successes) >= minimalSuccessCount {
		waitForDeactivation := rs.handleFailedReplicas(failures, rs.replicaState.Peers())

		if wait && waitForDeactivation && len(failures) > 0 {
			peerIDs := make([]PeerID, len(failures))
			for i, f := range failures {
				peerIDs[i] = f.peer
			}
			disabled := rs.replicaState.WaitFor(func(peers map[PeerID]ReplicaState) bool {
				for _, p := range peerIDs {
					// A missing peer is already gone from the set, which is
					// as deactivated as it gets.
					if st, ok := peers[p]; ok && st == ReplicaActive {
						return false
					}
				}
				return true
			}, rs.deactivationTimeout)

			if !disabled {
				return nil, NewServiceError(
					"some replica of shard %d failed to apply operation and deactivation timed out after %d seconds; consistency of this update is not guaranteed, please retry. %s",
					rs.shardID, int(rs.deactivationTimeout.Seconds()), failureError)
			}
		}
	}

	if len(failures) > 0 && len(successes) < minimalSuccessCount {
		// Completely failed. Surface the first replica error unchanged so the
		// caller keeps its taxonomy.
		return nil, failures[0].err
	}

	// A write that only landed on Partial/Initializing replicas has not
	// reached any replica that can currently serve reads, so consistency
	// cannot be claimed.
	anyActive := false
	for _, s := range successes {
		if rs.peerIsActive(s.peer) {
			anyActive = true
			break
		}
	}
	if !anyActive {
		return nil, NewServiceError(
			"failed to apply operation to at least one Active replica; consistency of this update is not guaranteed, please retry. %s",
			failureError)
	}

	// Enough successes; any one will do, first in completion order.
	return successes[0].res, nil
}

// updateTargets builds the eligible target set with per-target wait flags
// resolved. Listeners are always dispatched fire-and-forget regardless of the
// caller's wait.
func (rs *ShardReplicaSet) updateTargets(wait bool) []updateTarget {
	rs.remotesMu.RLock()
	defer rs.remotesMu.RUnlock()
	rs.localMu.RLock()
	defer rs.localMu.RUnlock()

	var targets []updateTarget
	if rs.local != nil && rs.peerIsActiveOrPending(rs.thisPeerID) {
		targets = append(targets, updateTarget{
			peer:    rs.thisPeerID,
			replica: rs.local,
			wait:    rs.effectiveWait(rs.thisPeerID, wait),
		})
	}
	for _, r := range rs.remotes {
		if rs.peerIsActiveOrPending(r.PeerID()) {
			targets = append(targets, updateTarget{
				peer:    r.PeerID(),
				replica: r,
				wait:    rs.effectiveWait(r.PeerID(), wait),
			})
		}
	}
	return targets
}

func (rs *ShardReplicaSet) effectiveWait(peer PeerID, wait bool) bool {
	if st, _ := rs.peerState(peer); st == ReplicaListener {
		return false
	}
	return wait
}

// handleFailedReplicas reports every failed replica that consensus still
// considers Active or Initializing, hides it from local routing, and decides
// whether the caller must wait for the deactivation to be confirmed.
//
// The wait is forced when the error is transient or the peer was still
// initializing: such a node can become responsive again before the rest of
// the cluster deactivates it, leaving storage inconsistent. A node that
// failed permanently is presumed cleanly dead, so no wait is forced.
func (rs *ShardReplicaSet) handleFailedReplicas(failures []peerResult, state map[PeerID]ReplicaState) bool {
	waitForDeactivation := false

	for _, f := range failures {
		rs.log.WithField("peer", f.peer).WithError(f.err).Warn("failed to update shard on peer")

		peerState, ok := state[f.peer]
		if !ok {
			continue
		}
		if peerState != ReplicaActive && peerState != ReplicaInitializing {
			continue // already transitioning, nothing to report
		}

		if IsTransient(f.err) || peerState == ReplicaInitializing {
			waitForDeactivation = true
		}

		rs.log.WithField("peer", f.peer).Debug("deactivating peer after failed update")
		rs.addLocallyDisabled(f.peer)
	}

	return waitForDeactivation
}

// forwardUpdate hands the whole update to the designated leader replica.
func (rs *ShardReplicaSet) forwardUpdate(ctx context.Context, leader PeerID, op *UpdateOperation, wait bool, ordering WriteOrdering) (*UpdateResult, error) {
	rs.remotesMu.RLock()
	var remote RemoteReplica
	for _, r := range rs.remotes {
		if r.PeerID() == leader {
			remote = r
			break
		}
	}
	rs.remotesMu.RUnlock()

	if remote == nil {
		return nil, NewServiceError(
			"cannot forward update to shard %d because it was removed from the replica set", rs.shardID)
	}
	return remote.ForwardUpdate(ctx, op, wait, ordering)
}
