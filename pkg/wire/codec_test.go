package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/wire"
)

func TestCachedRectInitRoundTrip(t *testing.T) {
	t.Parallel()

	var buf wire.Buffer

	in := wire.CachedRectInitMsg{ContentID: 42, InnerEncoding: 7, Payload: []byte("pixels")}
	require.NoError(t, wire.WriteCachedRectInit(&buf, in))

	r := &wire.Buffer{}
	_ = r.WriteBytes(buf.Bytes())

	out, err := wire.ReadCachedRectInit(r, len(in.Payload))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPersistentCacheEvictionRoundTrip(t *testing.T) {
	t.Parallel()

	var buf wire.Buffer

	in := wire.PersistentCacheEvictionMsg{Keys: []cachekey.Key{{1}, {2}, {3}}}
	require.NoError(t, wire.WritePersistentCacheEviction(&buf, in))

	out, err := wire.ReadPersistentCacheEviction(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Keys, out.Keys)
}

func TestPersistentCacheEvictionZeroCountIsLegal(t *testing.T) {
	t.Parallel()

	var buf wire.Buffer

	require.NoError(t, wire.WritePersistentCacheEviction(&buf, wire.PersistentCacheEvictionMsg{}))

	out, err := wire.ReadPersistentCacheEviction(&buf)
	require.NoError(t, err)
	assert.Empty(t, out.Keys)
}

func TestPersistentCacheHashReportRoundTrip(t *testing.T) {
	t.Parallel()

	var buf wire.Buffer

	in := wire.PersistentCacheHashReportMsg{Canonical: cachekey.Key{9}, Actual: cachekey.Key{8}}
	require.NoError(t, wire.WritePersistentCacheHashReport(&buf, in))

	out, err := wire.ReadPersistentCacheHashReport(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadShortBufferIsProtocolError(t *testing.T) {
	t.Parallel()

	var buf wire.Buffer
	_ = buf.WriteU8(0)

	_, err := wire.ReadCachedRect(&buf)
	assert.ErrorIs(t, err, wire.ErrProtocol)
}

func TestClearAllSentinel(t *testing.T) {
	t.Parallel()

	assert.True(t, wire.ClearAll(0, 0, 0))
	assert.False(t, wire.ClearAll(1, 0, 0))
}

func TestPersistentHashListRoundTrip(t *testing.T) {
	t.Parallel()

	var buf wire.Buffer

	in := wire.PersistentHashListMsg{
		SequenceID:  5,
		TotalChunks: 2,
		ChunkIndex:  1,
		ContentIDs:  []uint64{1, 2, 3, 4, 5},
	}
	require.NoError(t, wire.WritePersistentHashList(&buf, in))

	out, err := wire.ReadPersistentHashList(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
