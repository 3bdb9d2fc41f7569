package indexstore_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/indexstore"
)

// TestWireEntrySize enforces spec invariant P3: sizeof(WireIndexEntry) == 66.
func TestWireEntrySize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 66, indexstore.EntrySize)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := indexstore.New(dir, zerolog.Nop())

	entries, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)

	e1 := indexstore.Entry{
		CacheKey:      cachekey.Key{1},
		CanonicalHash: cachekey.Key{1},
		Flags:         indexstore.FlagPersistable,
		Width:         128,
		Height:        128,
		BPP:           32,
		Depth:         24,
		ShardID:       0,
		Offset:        0,
	}
	e2 := indexstore.Entry{
		CacheKey:      cachekey.Key{2},
		CanonicalHash: cachekey.Key{9},
		Flags:         indexstore.FlagPersistable | indexstore.FlagLossy,
		Width:         64,
		Height:        64,
		BPP:           16,
		Depth:         16,
		ShardID:       3,
		Offset:        128,
	}

	s.MarkDirty(e1.CacheKey, e1)
	s.MarkDirty(e2.CacheKey, e2)
	require.NoError(t, s.FlushDirty())

	s2 := indexstore.New(dir, zerolog.Nop())

	loaded, err := s2.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	byKey := map[cachekey.Key]indexstore.Entry{}
	for _, e := range loaded {
		byKey[e.CacheKey] = e
	}

	assert.Equal(t, e1, byKey[e1.CacheKey])
	assert.Equal(t, e2, byKey[e2.CacheKey])
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := indexstore.New(dir, zerolog.Nop())

	entries, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLiveShardIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := indexstore.New(dir, zerolog.Nop())

	_, err := s.Load()
	require.NoError(t, err)

	s.MarkDirty(cachekey.Key{1}, indexstore.Entry{CacheKey: cachekey.Key{1}, ShardID: 2})
	s.MarkDirty(cachekey.Key{2}, indexstore.Entry{CacheKey: cachekey.Key{2}, ShardID: 5})

	live := s.LiveShardIDs()
	assert.Contains(t, live, uint16(2))
	assert.Contains(t, live, uint16(5))
	assert.Len(t, live, 2)
}
