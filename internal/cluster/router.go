// Package cluster routes points to shards. A collection is split into a
// fixed number of logical shards; every point belongs to exactly one, decided
// by a hash ring so that resharding moves as few points as possible.
package cluster

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/tyrchen/qdrant/internal/store"
)

// virtual positions per shard on the ring; spreads ownership evenly
const defaultVnodes = 150

// Router maps point IDs onto shard IDs via consistent hashing.
// Safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	vnodes int
	// ring position → shard id
	ring map[uint32]ShardID
	// sorted ring positions for binary search
	sorted []uint32
}

// ShardID mirrors the shard package's id type; kept local so the router has
// no dependency on the write path.
type ShardID = uint32

// NewRouter builds a ring over shard ids 0..shardNumber-1.
func NewRouter(shardNumber uint32) *Router {
	r := &Router{
		vnodes: defaultVnodes,
		ring:   make(map[uint32]ShardID),
	}
	for shard := uint32(0); shard < shardNumber; shard++ {
		r.addShard(shard)
	}
	return r
}

func (r *Router) addShard(shard ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.vnodes; i++ {
		pos := hashPosition(fmt.Sprintf("shard-%d-%d", shard, i))
		r.ring[pos] = shard
		r.sorted = append(r.sorted, pos)
	}
	sort.Slice(r.sorted, func(a, b int) bool { return r.sorted[a] < r.sorted[b] })
}

// ShardFor returns the shard owning the given point: the first ring position
// clockwise from the point's hash.
func (r *Router) ShardFor(id store.PointID) ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pos := hashPosition(fmt.Sprintf("point-%d", id))
	// first position >= pos, wrapping around
	i := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= pos })
	if i == len(r.sorted) {
		i = 0
	}
	return r.ring[r.sorted[i]]
}

// hashPosition places a key on the ring
func hashPosition(key string) uint32 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}
