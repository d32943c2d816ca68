package shard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyrchen/qdrant/internal/config"
	"github.com/tyrchen/qdrant/internal/store"
)

// fakeReplica is an in-memory replica handle recording every call it sees.
type fakeReplica struct {
	peer PeerID

	mu        sync.Mutex
	updates   int
	waitFlags []bool

	updateFn  func(op *UpdateOperation, wait bool) (*UpdateResult, error)
	forwardFn func(op *UpdateOperation, wait bool, ordering WriteOrdering) (*UpdateResult, error)
}

func (f *fakeReplica) PeerID() PeerID { return f.peer }

func (f *fakeReplica) Update(ctx context.Context, op *UpdateOperation, wait bool) (*UpdateResult, error) {
	f.mu.Lock()
	f.updates++
	f.waitFlags = append(f.waitFlags, wait)
	fn := f.updateFn
	f.mu.Unlock()

	if fn != nil {
		return fn(op, wait)
	}
	return &UpdateResult{OperationID: 1, Status: StatusCompleted}, nil
}

func (f *fakeReplica) ForwardUpdate(ctx context.Context, op *UpdateOperation, wait bool, ordering WriteOrdering) (*UpdateResult, error) {
	if f.forwardFn != nil {
		return f.forwardFn(op, wait, ordering)
	}
	return &UpdateResult{OperationID: 1, Status: StatusCompleted}, nil
}

func (f *fakeReplica) updateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func (f *fakeReplica) seenWaitFlags() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.waitFlags...)
}

func testOp() *UpdateOperation {
	return &UpdateOperation{Upsert: &UpsertPoints{Points: []store.Point{
		{ID: 7, Vector: []float32{0.1, 0.2, 0.3, 0.4}},
	}}}
}

// newTestReplicaSet builds a replica set for this peer 1 with a fake local
// replica and one fake remote per given peer id. All replicas start Dead.
func newTestReplicaSet(t *testing.T, remotePeers ...PeerID) (*ShardReplicaSet, *fakeReplica, map[PeerID]*fakeReplica) {
	t.Helper()

	local := &fakeReplica{peer: 1}
	remotes := make([]RemoteReplica, 0, len(remotePeers))
	fakes := make(map[PeerID]*fakeReplica, len(remotePeers))
	for _, p := range remotePeers {
		f := &fakeReplica{peer: p}
		remotes = append(remotes, f)
		fakes[p] = f
	}

	rs := NewShardReplicaSet(ReplicaSetParams{
		ShardID:      1,
		CollectionID: "test_collection",
		ThisPeerID:   1,
		Local:        local,
		Remotes:      remotes,
		CollectionConfig: config.CollectionConfig{
			Name: "test_collection",
			Params: config.CollectionParams{
				ShardNumber:            4,
				ReplicationFactor:      3,
				WriteConsistencyFactor: 2,
			},
		},
	})
	return rs, local, fakes
}

func TestHighestReplicaPeerID(t *testing.T) {
	rs, _, _ := newTestReplicaSet(t, 2, 3, 4, 5)

	// At build time all replicas are Dead; they need to be activated.
	highest, ok := rs.HighestReplicaPeerID()
	require.True(t, ok)
	require.Equal(t, PeerID(5), highest)
	_, ok = rs.HighestAliveReplicaPeerID()
	require.False(t, ok)

	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(3, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(4, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(5, ReplicaPartial))

	highest, ok = rs.HighestReplicaPeerID()
	require.True(t, ok)
	require.Equal(t, PeerID(5), highest)
	alive, ok := rs.HighestAliveReplicaPeerID()
	require.True(t, ok)
	require.Equal(t, PeerID(4), alive)
}

func TestLeaderSelection(t *testing.T) {
	rs, _, _ := newTestReplicaSet(t, 4, 5)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(4, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(5, ReplicaDead))

	// Weak always stays local.
	leader, ok := rs.leaderPeerForUpdate(OrderingWeak)
	require.True(t, ok)
	require.Equal(t, PeerID(1), leader)

	// Medium takes the highest Active peer.
	leader, ok = rs.leaderPeerForUpdate(OrderingMedium)
	require.True(t, ok)
	require.Equal(t, PeerID(4), leader)

	// Strong takes the highest member, Dead included.
	leader, ok = rs.leaderPeerForUpdate(OrderingStrong)
	require.True(t, ok)
	require.Equal(t, PeerID(5), leader)

	// A locally disabled peer is not alive for medium ordering.
	rs.addLocallyDisabled(4)
	leader, ok = rs.leaderPeerForUpdate(OrderingMedium)
	require.True(t, ok)
	require.Equal(t, PeerID(1), leader)
}

func TestNoLeaderSelectable(t *testing.T) {
	rs, _, _ := newTestReplicaSet(t, 2) // everyone Dead

	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingMedium)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no leader")
}

func TestWeakOrderingStaysLocal(t *testing.T) {
	rs, local, fakes := newTestReplicaSet(t, 2)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))

	res, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, 1, local.updateCalls())
	require.Equal(t, 0, fakes[2].updateCalls())
}

func TestMediumForwardsToLeader(t *testing.T) {
	rs, local, fakes := newTestReplicaSet(t, 4, 5)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(4, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(5, ReplicaActive))

	forwarded := false
	fakes[5].forwardFn = func(op *UpdateOperation, wait bool, ordering WriteOrdering) (*UpdateResult, error) {
		forwarded = true
		require.True(t, wait)
		require.Equal(t, OrderingMedium, ordering)
		return &UpdateResult{OperationID: 9, Status: StatusCompleted}, nil
	}

	res, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingMedium)
	require.NoError(t, err)
	require.True(t, forwarded)
	require.Equal(t, uint64(9), res.OperationID)
	require.Equal(t, 0, local.updateCalls())
}

func TestTransientForwardFailureDisablesLeader(t *testing.T) {
	rs, _, fakes := newTestReplicaSet(t, 4, 5)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(4, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(5, ReplicaActive))

	fakes[5].forwardFn = func(op *UpdateOperation, wait bool, ordering WriteOrdering) (*UpdateResult, error) {
		return nil, NewTimeout("connection reset")
	}

	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingMedium)
	require.Error(t, err)
	require.Contains(t, err.Error(), "peer 5")
	require.Contains(t, rs.LocallyDisabled(), PeerID(5))

	var ce *CollectionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindService, ce.Kind)
}

func TestNonTransientForwardFailurePropagatesUnchanged(t *testing.T) {
	rs, _, fakes := newTestReplicaSet(t, 5)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(5, ReplicaActive))

	cause := NewBadInput("vector dimension mismatch")
	fakes[5].forwardFn = func(op *UpdateOperation, wait bool, ordering WriteOrdering) (*UpdateResult, error) {
		return nil, cause
	}

	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingMedium)
	require.ErrorIs(t, err, cause)
	require.Empty(t, rs.LocallyDisabled())
}

func TestForwardToRemovedLeader(t *testing.T) {
	rs, _, _ := newTestReplicaSet(t, 2)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(2, ReplicaActive))
	// Consensus knows about peer 5 but this node holds no handle for it.
	rs.replicaState.Set(5, ReplicaActive)

	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingMedium)
	require.Error(t, err)
	require.Contains(t, err.Error(), "removed from the replica set")
}

func TestNoActiveReplica(t *testing.T) {
	rs, local, fakes := newTestReplicaSet(t, 2) // everyone Dead

	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no active replica")
	require.Equal(t, 0, local.updateCalls())
	require.Equal(t, 0, fakes[2].updateCalls())
}

func TestQuorumMetWithTransientFailure(t *testing.T) {
	rs, _, fakes := newTestReplicaSet(t, 2, 3)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(2, ReplicaPartial))
	require.NoError(t, rs.SetReplicaState(3, ReplicaInitializing))
	rs.deactivationTimeout = 2 * time.Second

	var failedPeers []PeerID
	var cbMu sync.Mutex
	rs.SetOnPeerFailure(func(peer PeerID, shardID ShardID) {
		cbMu.Lock()
		failedPeers = append(failedPeers, peer)
		cbMu.Unlock()
		// Stand in for consensus confirming the deactivation.
		go func() {
			time.Sleep(20 * time.Millisecond)
			rs.replicaState.Set(peer, ReplicaDead)
		}()
	})

	fakes[3].updateFn = func(op *UpdateOperation, wait bool) (*UpdateResult, error) {
		return nil, NewServiceError("connection refused")
	}

	res, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.NoError(t, err)
	require.NotNil(t, res)

	cbMu.Lock()
	defer cbMu.Unlock()
	require.Equal(t, []PeerID{3}, failedPeers)
}

func TestQuorumMetOnlyPendingAcked(t *testing.T) {
	rs, _, fakes := newTestReplicaSet(t, 2, 3)
	require.NoError(t, rs.SetReplicaState(1, ReplicaPartial))
	require.NoError(t, rs.SetReplicaState(2, ReplicaInitializing))
	require.NoError(t, rs.SetReplicaState(3, ReplicaActive))

	fakes[3].updateFn = func(op *UpdateOperation, wait bool) (*UpdateResult, error) {
		return nil, NewServiceError("connection refused")
	}

	// Quorum is met (2 of 3), but the only Active replica failed, so the
	// write never landed anywhere that can serve reads.
	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), false, OrderingWeak)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Active replica")
	require.Contains(t, rs.LocallyDisabled(), PeerID(3))
}

func TestQuorumMissReturnsFirstReplicaError(t *testing.T) {
	rs, local, fakes := newTestReplicaSet(t, 2, 3)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(2, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(3, ReplicaActive))

	fail := func(op *UpdateOperation, wait bool) (*UpdateResult, error) {
		return nil, NewTimeout("peer timed out")
	}
	local.updateFn = fail
	fakes[2].updateFn = fail
	fakes[3].updateFn = fail

	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.Error(t, err)

	// The underlying replica error surfaces with its taxonomy intact.
	var ce *CollectionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindTimeout, ce.Kind)
}

func TestQuorumMissNoDeactivationWaitForced(t *testing.T) {
	rs, local, fakes := newTestReplicaSet(t, 2)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(2, ReplicaActive))
	rs.deactivationTimeout = 5 * time.Second

	cause := NewServiceError("disk full")
	local.updateFn = func(op *UpdateOperation, wait bool) (*UpdateResult, error) {
		return nil, cause
	}
	fakes[2].updateFn = func(op *UpdateOperation, wait bool) (*UpdateResult, error) {
		return nil, cause
	}

	// W=2, no successes: the caller gets the replica error immediately, no
	// 5s deactivation stall.
	start := time.Now()
	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.ErrorIs(t, err, cause)
	require.Less(t, time.Since(start), time.Second)
}

func TestDeactivationTimeout(t *testing.T) {
	rs, _, fakes := newTestReplicaSet(t, 2, 3)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(2, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(3, ReplicaActive))
	rs.deactivationTimeout = 50 * time.Millisecond

	fakes[3].updateFn = func(op *UpdateOperation, wait bool) (*UpdateResult, error) {
		return nil, NewServiceError("connection refused")
	}

	// Consensus never confirms the deactivation, so the bounded wait trips.
	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestListenerDispatchedWithoutWait(t *testing.T) {
	rs, _, fakes := newTestReplicaSet(t, 2, 3)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(2, ReplicaListener))
	require.NoError(t, rs.SetReplicaState(3, ReplicaActive))

	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.NoError(t, err)

	require.Equal(t, []bool{false}, fakes[2].seenWaitFlags())
	require.Equal(t, []bool{true}, fakes[3].seenWaitFlags())
}

func TestEffectiveThresholdClampedToTargets(t *testing.T) {
	rs, local, _ := newTestReplicaSet(t)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	rs.UpdateCollectionConfig(config.CollectionConfig{
		Name:   "test_collection",
		Params: config.CollectionParams{WriteConsistencyFactor: 5},
	})

	// W=5 but only one target exists; min(W, n) = 1 success suffices.
	res, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, 1, local.updateCalls())
}

func TestSnapshotAndDeadTargetsExcluded(t *testing.T) {
	rs, _, fakes := newTestReplicaSet(t, 2, 3)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	require.NoError(t, rs.SetReplicaState(2, ReplicaPartialSnapshot))
	require.NoError(t, rs.SetReplicaState(3, ReplicaDead))

	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.NoError(t, err)
	require.Equal(t, 0, fakes[2].updateCalls())
	require.Equal(t, 0, fakes[3].updateCalls())
}

func TestUpdateConcurrencyBoundsDispatch(t *testing.T) {
	rs, local, fakes := newTestReplicaSet(t, 2, 3, 4)
	for _, p := range []PeerID{1, 2, 3, 4} {
		require.NoError(t, rs.SetReplicaState(p, ReplicaActive))
	}
	rs.storageConfig.UpdateConcurrency = 1

	// Track in-flight dispatches across all targets.
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	slow := func(op *UpdateOperation, wait bool) (*UpdateResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &UpdateResult{OperationID: 1, Status: StatusCompleted}, nil
	}
	local.updateFn = slow
	for _, f := range fakes {
		f.updateFn = slow
	}

	_, err := rs.UpdateWithConsistency(context.Background(), testOp(), true, OrderingWeak)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxInFlight)
}

func TestUpdateLocal(t *testing.T) {
	rs, local, fakes := newTestReplicaSet(t, 2)

	// Dead local replica: nothing applied, no error.
	res, err := rs.UpdateLocal(context.Background(), testOp(), true)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, 0, local.updateCalls())

	// Active local replica: wait passes through.
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))
	res, err = rs.UpdateLocal(context.Background(), testOp(), true)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, []bool{true}, local.seenWaitFlags())

	// Listener local replica: wait is forced off.
	require.NoError(t, rs.SetReplicaState(1, ReplicaListener))
	_, err = rs.UpdateLocal(context.Background(), testOp(), true)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, local.seenWaitFlags())

	// Remotes are never consulted.
	require.Equal(t, 0, fakes[2].updateCalls())
}

func TestUpdateLocalWithoutLocalReplica(t *testing.T) {
	rs := NewShardReplicaSet(ReplicaSetParams{
		ShardID:      1,
		CollectionID: "test_collection",
		ThisPeerID:   1,
		Remotes:      []RemoteReplica{&fakeReplica{peer: 2}},
		CollectionConfig: config.CollectionConfig{
			Params: config.CollectionParams{WriteConsistencyFactor: 1},
		},
	})
	res, err := rs.UpdateLocal(context.Background(), testOp(), true)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestValidateRejectsEmptyOperation(t *testing.T) {
	rs, local, _ := newTestReplicaSet(t)
	require.NoError(t, rs.SetReplicaState(1, ReplicaActive))

	_, err := rs.UpdateWithConsistency(context.Background(), &UpdateOperation{}, true, OrderingWeak)
	var ce *CollectionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindBadInput, ce.Kind)
	require.Equal(t, 0, local.updateCalls())
}
