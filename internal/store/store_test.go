package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testPoints() []Point {
	return []Point{
		{ID: 1, Vector: []float32{0.1, 0.2, 0.3, 0.4}, Payload: map[string]any{"city": "berlin"}},
		{ID: 2, Vector: []float32{0.4, 0.3, 0.2, 0.1}},
	}
}

func TestUpsertAndGet(t *testing.T) {
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	defer e.Close()

	seq, err := e.Upsert(testPoints(), true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	require.Equal(t, 2, e.Count())

	p, ok := e.Get(1)
	require.True(t, ok)
	require.Equal(t, "berlin", p.Payload["city"])

	// Upserting an existing ID overwrites it.
	seq, err = e.Upsert([]Point{{ID: 1, Vector: []float32{9, 9, 9, 9}}}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
	require.Equal(t, 2, e.Count())
	p, _ = e.Get(1)
	require.Equal(t, []float32{9, 9, 9, 9}, p.Vector)
}

func TestDeleteIsIdempotent(t *testing.T) {
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Upsert(testPoints(), true)
	require.NoError(t, err)

	_, err = e.Delete([]PointID{1, 42}, true) // 42 never existed
	require.NoError(t, err)
	require.Equal(t, 1, e.Count())

	// Deleting again changes nothing but still bumps the sequence.
	seq, err := e.Delete([]PointID{1}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
	require.Equal(t, 1, e.Count())
}

func TestWALReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir)
	require.NoError(t, err)
	_, err = e.Upsert(testPoints(), true)
	require.NoError(t, err)
	_, err = e.Delete([]PointID{2}, true)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Reopen: state is rebuilt from the log alone.
	e, err = Open(dir)
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, 1, e.Count())
	require.Equal(t, uint64(2), e.Seq())
	_, ok := e.Get(2)
	require.False(t, ok)
	p, ok := e.Get(1)
	require.True(t, ok)
	require.Equal(t, "berlin", p.Payload["city"])
}

func TestSnapshotTruncatesWAL(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir)
	require.NoError(t, err)
	_, err = e.Upsert(testPoints(), true)
	require.NoError(t, err)
	require.NoError(t, e.Snapshot())

	// Writes after the snapshot land in the fresh WAL.
	_, err = e.Upsert([]Point{{ID: 3, Vector: []float32{1, 2, 3, 4}}}, false)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = Open(dir)
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, 3, e.Count())
	require.Equal(t, uint64(2), e.Seq())
	_, ok := e.Get(3)
	require.True(t, ok)
}

func TestUnsyncedWritesAreStillReadable(t *testing.T) {
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	defer e.Close()

	// sync=false trades durability for latency, not visibility.
	_, err = e.Upsert(testPoints(), false)
	require.NoError(t, err)
	_, ok := e.Get(1)
	require.True(t, ok)
}
