package shard

import (
	"sync"
	"time"
)

// ReplicaSetState tracks which peers hold a replica of this shard and what
// state consensus last reported for each. The consensus layer is the only
// writer; the write path reads it on every dispatch and can block on it while
// waiting for a failed peer to be stripped of its Active status.
//
// Waiting works through a notification channel that is closed and replaced on
// every mutation, so any number of waiters wake per change and re-check their
// predicate. Readers never starve: writers hold the lock only for the map
// mutation itself.
type ReplicaSetState struct {
	mu      sync.RWMutex
	peers   map[PeerID]ReplicaState
	changed chan struct{}
}

// NewReplicaSetState creates an empty state table.
func NewReplicaSetState() *ReplicaSetState {
	return &ReplicaSetState{
		peers:   make(map[PeerID]ReplicaState),
		changed: make(chan struct{}),
	}
}

// Get returns the state of peer, if it is a member of the replica set.
func (s *ReplicaSetState) Get(peer PeerID) (ReplicaState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.peers[peer]
	return st, ok
}

// Set records the state of peer, adding it to the set if new, and wakes all
// waiters.
func (s *ReplicaSetState) Set(peer PeerID, state ReplicaState) {
	s.mu.Lock()
	s.peers[peer] = state
	s.notifyLocked()
	s.mu.Unlock()
}

// Remove drops peer from the set and wakes all waiters. A missing peer counts
// as deactivated for every predicate that checks non-Active.
func (s *ReplicaSetState) Remove(peer PeerID) {
	s.mu.Lock()
	delete(s.peers, peer)
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *ReplicaSetState) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Peers returns a copy of the current peer→state mapping.
func (s *ReplicaSetState) Peers() map[PeerID]ReplicaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[PeerID]ReplicaState, len(s.peers))
	for p, st := range s.peers {
		out[p] = st
	}
	return out
}

// Keys returns the member peer IDs in unspecified order.
func (s *ReplicaSetState) Keys() []PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerID, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Len returns the number of member peers.
func (s *ReplicaSetState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// WaitFor blocks until pred holds over the peer map or timeout elapses, and
// reports whether it held before the deadline. The predicate runs under the
// read lock and is re-checked after every state change; it must not call back
// into the table.
func (s *ReplicaSetState) WaitFor(pred func(map[PeerID]ReplicaState) bool, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.RLock()
		ok := pred(s.peers)
		ch := s.changed
		s.mu.RUnlock()

		if ok {
			return true
		}
		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
}
