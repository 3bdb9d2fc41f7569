package arc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/arc"
)

func unitSize(int) uint64 { return 1 }

func TestInsertAndGet(t *testing.T) {
	t.Parallel()

	e := arc.New[string, int](4, 1, unitSize, nil)

	e.Insert("a", 1)
	e.Insert("b", 2)

	v, ok := e.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = e.Get("missing")
	assert.False(t, ok)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCapacityNeverExceeded(t *testing.T) {
	t.Parallel()

	const cap = 8

	e := arc.New[int, int](cap, 1, unitSize, nil)

	for i := range 100 {
		e.Insert(i, i)
		stats := e.Stats()
		require.LessOrEqual(t, stats.T1Bytes+stats.T2Bytes, uint64(cap))
	}
}

func TestEvictionCallbackFires(t *testing.T) {
	t.Parallel()

	var evicted []int

	e := arc.New[int, int](2, 1, unitSize, func(k, _ int) {
		evicted = append(evicted, k)
	})

	e.Insert(1, 1)
	e.Insert(2, 2)
	e.Insert(3, 3) // should evict key 1 (T1 tail)

	assert.Contains(t, evicted, 1)
}

func TestGhostPromotionAdaptsP(t *testing.T) {
	t.Parallel()

	e := arc.New[int, int](2, 1, unitSize, nil)

	e.Insert(1, 1)
	e.Insert(2, 2)
	e.Insert(3, 3) // evicts 1 into B1

	before := e.Stats().P

	e.Insert(1, 10) // re-insert a ghost key from B1, p should grow

	after := e.Stats().P

	assert.GreaterOrEqual(t, after, before)

	v, ok := e.Get(1)
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestRemoveDropsEntryWithoutCallback(t *testing.T) {
	t.Parallel()

	called := false
	e := arc.New[int, int](4, 1, unitSize, func(int, int) { called = true })

	e.Insert(1, 1)
	e.Remove(1)

	_, ok := e.Get(1)
	assert.False(t, ok)
	assert.False(t, called)
}

func TestByteSizedValues(t *testing.T) {
	t.Parallel()

	sizeOf := func(v []byte) uint64 { return uint64(len(v)) }

	e := arc.New[string, []byte](10, 1, sizeOf, nil)

	e.Insert("x", make([]byte, 4))
	e.Insert("y", make([]byte, 4))
	e.Insert("z", make([]byte, 4)) // total would be 12 > capacity 10, must evict

	stats := e.Stats()
	assert.LessOrEqual(t, stats.T1Bytes+stats.T2Bytes, uint64(10))
}
