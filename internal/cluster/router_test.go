package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyrchen/qdrant/internal/store"
)

func TestShardForIsStable(t *testing.T) {
	r := NewRouter(4)
	for id := store.PointID(0); id < 100; id++ {
		require.Equal(t, r.ShardFor(id), r.ShardFor(id))
	}
}

func TestShardForStaysInRange(t *testing.T) {
	r := NewRouter(4)
	for id := store.PointID(0); id < 1000; id++ {
		require.Less(t, r.ShardFor(id), ShardID(4))
	}
}

func TestAllShardsGetPoints(t *testing.T) {
	r := NewRouter(4)
	seen := make(map[ShardID]int)
	for id := store.PointID(0); id < 1000; id++ {
		seen[r.ShardFor(id)]++
	}
	// With vnodes the split is roughly even; every shard owns something.
	require.Len(t, seen, 4)
	for shard, count := range seen {
		require.Greater(t, count, 0, "shard %d owns no points", shard)
	}
}

func TestSingleShardOwnsEverything(t *testing.T) {
	r := NewRouter(1)
	for id := store.PointID(0); id < 100; id++ {
		require.Equal(t, ShardID(0), r.ShardFor(id))
	}
}
