package clienttracker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/clienttracker"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
)

func TestSentInitMarksKnown(t *testing.T) {
	t.Parallel()

	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()

	k := cachekey.Key{0x01}
	rect := rfbpixel.Rect{X: 0, Y: 0, W: 16, H: 16}

	assert.False(t, tr.Knows(k))
	tr.SentInit(k, rect)
	assert.True(t, tr.Knows(k))

	got, ok := tr.Query(k)
	require.True(t, ok)
	assert.Equal(t, rect, got)
	assert.Equal(t, uint64(1), tr.UpdatesSent())
}

func TestReceiveEvictionForgetsKey(t *testing.T) {
	t.Parallel()

	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()

	k := cachekey.Key{0x02}
	tr.SentInit(k, rfbpixel.Rect{W: 8, H: 8})
	tr.ReceiveHashReport(k, cachekey.Key{0x03})

	tr.ReceiveEviction([]cachekey.Key{k})

	assert.False(t, tr.Knows(k))

	_, ok := tr.LossyActual(k)
	assert.False(t, ok)
}

func TestReceiveHashReportEnablesLossyLookup(t *testing.T) {
	t.Parallel()

	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()

	canonical := cachekey.Key{0x10}
	actual := cachekey.Key{0x20}

	tr.ReceiveHashReport(canonical, actual)

	got, ok := tr.LossyActual(canonical)
	require.True(t, ok)
	assert.Equal(t, actual, got)
}

func TestRegistryDisconnectDropsTracker(t *testing.T) {
	t.Parallel()

	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()

	require.Equal(t, 1, reg.Len())

	reg.Disconnect(tr.ID())

	assert.Equal(t, 0, reg.Len())

	_, ok := reg.Get(tr.ID())
	assert.False(t, ok)
}

func TestReceiveHashListUnionsKnownKeys(t *testing.T) {
	t.Parallel()

	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()

	tr.ReceiveHashList([]uint64{0x0102030405060708, 0xAABBCCDDEEFF0011})

	var k1, k2 cachekey.Key
	for i := range 8 {
		k1[i] = byte(0x0102030405060708 >> (8 * (7 - i)))
		k2[i] = byte(0xAABBCCDDEEFF0011 >> (8 * (7 - i)))
	}

	assert.True(t, tr.Knows(k1))
	assert.True(t, tr.Knows(k2))
}
