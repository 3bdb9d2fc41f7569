package encodeorch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/cacheconfig"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/clienttracker"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/encodeorch"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
)

func stubHash(k cachekey.Key) func(rfbpixel.Buffer, rfbpixel.Rect) (cachekey.Key, error) {
	return func(rfbpixel.Buffer, rfbpixel.Rect) (cachekey.Key, error) { return k, nil }
}

func bigRect() rfbpixel.Rect { return rfbpixel.Rect{W: 128, H: 128} }

func TestDecideSkipsBelowThreshold(t *testing.T) {
	t.Parallel()

	cfg := cacheconfig.DefaultServer()
	o := encodeorch.New(cfg, zap.NewNop(), stubHash(cachekey.Key{0x01}))
	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()

	d, err := o.Decide(nil, rfbpixel.Rect{W: 4, H: 4}, tr, func(rfbpixel.Rect) encodeorch.EncodingKind { return encodeorch.Lossless }, encodeorch.SeedAfterNormal)
	require.NoError(t, err)
	assert.Equal(t, encodeorch.ActionSkip, d.Action)
}

func TestDecideEmitsReferenceWhenKnown(t *testing.T) {
	t.Parallel()

	canonical := cachekey.Key{0x42}
	cfg := cacheconfig.DefaultServer()
	o := encodeorch.New(cfg, zap.NewNop(), stubHash(canonical))
	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()
	tr.SentInit(canonical, bigRect())

	d, err := o.Decide(nil, bigRect(), tr, func(rfbpixel.Rect) encodeorch.EncodingKind { return encodeorch.Lossless }, encodeorch.SeedAfterNormal)
	require.NoError(t, err)
	assert.Equal(t, encodeorch.ActionReference, d.Action)
	assert.Equal(t, canonical, d.ReferenceKey)
}

func TestDecideEmitsInitLosslessAndMarksKnown(t *testing.T) {
	t.Parallel()

	canonical := cachekey.Key{0x07}
	cfg := cacheconfig.DefaultServer()
	o := encodeorch.New(cfg, zap.NewNop(), stubHash(canonical))
	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()

	d, err := o.Decide(nil, bigRect(), tr, func(rfbpixel.Rect) encodeorch.EncodingKind { return encodeorch.Lossless }, encodeorch.SeedAfterNormal)
	require.NoError(t, err)
	assert.Equal(t, encodeorch.ActionInitLossless, d.Action)
	assert.True(t, tr.Knows(canonical))
}

func TestDecideLossySeedPolicySelectsAction(t *testing.T) {
	t.Parallel()

	canonical := cachekey.Key{0x09}
	cfg := cacheconfig.DefaultServer()
	o := encodeorch.New(cfg, zap.NewNop(), stubHash(canonical))
	reg := clienttracker.NewRegistry(zap.NewNop())

	tr1 := reg.Connect()
	d1, err := o.Decide(nil, bigRect(), tr1, func(rfbpixel.Rect) encodeorch.EncodingKind { return encodeorch.Lossy }, encodeorch.SeedAfterNormal)
	require.NoError(t, err)
	assert.Equal(t, encodeorch.ActionSeedAfterNormal, d1.Action)

	tr2 := reg.Connect()
	d2, err := o.Decide(nil, bigRect(), tr2, func(rfbpixel.Rect) encodeorch.EncodingKind { return encodeorch.Lossy }, encodeorch.SeedViaInit)
	require.NoError(t, err)
	assert.Equal(t, encodeorch.ActionInitLossy, d2.Action)
}

func TestHandleHashReportEnablesLossyReference(t *testing.T) {
	t.Parallel()

	canonical := cachekey.Key{0x11}
	actual := cachekey.Key{0x22}
	cfg := cacheconfig.DefaultServer()
	o := encodeorch.New(cfg, zap.NewNop(), stubHash(canonical))
	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()
	tr.SentInit(canonical, bigRect())

	o.HandleHashReport(tr, canonical, actual)

	d, err := o.Decide(nil, bigRect(), tr, func(rfbpixel.Rect) encodeorch.EncodingKind { return encodeorch.Lossless }, encodeorch.SeedAfterNormal)
	require.NoError(t, err)
	assert.Equal(t, encodeorch.ActionReference, d.Action)
	assert.Equal(t, actual, d.ReferenceKey)
}

func TestDecideSkipsWhenBothProtocolsDisabled(t *testing.T) {
	t.Parallel()

	cfg := cacheconfig.DefaultServer()
	cfg.EnableContentCache = false
	cfg.EnablePersistentCache = false

	o := encodeorch.New(cfg, zap.NewNop(), stubHash(cachekey.Key{0x01}))
	reg := clienttracker.NewRegistry(zap.NewNop())
	tr := reg.Connect()

	d, err := o.Decide(nil, bigRect(), tr, func(rfbpixel.Rect) encodeorch.EncodingKind { return encodeorch.Lossless }, encodeorch.SeedAfterNormal)
	require.NoError(t, err)
	assert.Equal(t, encodeorch.ActionSkip, d.Action)
}
