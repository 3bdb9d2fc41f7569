package decodeorch_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/decodeorch"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/viewercache"
)

// fakeFB is a flat in-memory framebuffer sized to a fixed full-screen
// rect, used as the rfbpixel.Buffer collaborator under test.
type fakeFB struct {
	w, h int
	buf  []byte
}

func newFakeFB(w, h int) *fakeFB {
	return &fakeFB{w: w, h: h, buf: make([]byte, w*h*rfbpixel.Canonical.BytesPerPixel())}
}

func (f *fakeFB) GetRect() rfbpixel.Rect { return rfbpixel.Rect{W: f.w, H: f.h} }

func (f *fakeFB) GetImage(format rfbpixel.Format, dst []byte, rect rfbpixel.Rect, dstStrideInPixels int) error {
	bpp := format.BytesPerPixel()
	for row := 0; row < rect.H; row++ {
		srcOff := ((rect.Y+row)*f.w + rect.X) * bpp
		dstOff := row * dstStrideInPixels * bpp
		copy(dst[dstOff:dstOff+rect.W*bpp], f.buf[srcOff:srcOff+rect.W*bpp])
	}

	return nil
}

func (f *fakeFB) PutImage(format rfbpixel.Format, src []byte, rect rfbpixel.Rect, srcStrideInPixels int) error {
	bpp := format.BytesPerPixel()
	for row := 0; row < rect.H; row++ {
		dstOff := ((rect.Y+row)*f.w + rect.X) * bpp
		srcOff := row * srcStrideInPixels * bpp
		copy(f.buf[dstOff:dstOff+rect.W*bpp], src[srcOff:srcOff+rect.W*bpp])
	}

	return nil
}

// fill writes val into rect directly, simulating a decoder's output.
func (f *fakeFB) fill(rect rfbpixel.Rect, val byte) {
	bpp := rfbpixel.Canonical.BytesPerPixel()
	for row := 0; row < rect.H; row++ {
		off := ((rect.Y+row)*f.w + rect.X) * bpp
		for i := 0; i < rect.W*bpp; i++ {
			f.buf[off+i] = val
		}
	}
}

func newCache(t *testing.T) *viewercache.Cache {
	t.Helper()

	c, err := viewercache.New(viewercache.Config{Capacity: 1 << 20, MinEntrySize: 64}, zerolog.Nop())
	require.NoError(t, err)

	return c
}

func TestHandleSeedStoresAndLossyReport(t *testing.T) {
	t.Parallel()

	fb := newFakeFB(64, 64)
	rect := rfbpixel.Rect{X: 0, Y: 0, W: 8, H: 8}
	fb.fill(rect, 0x41)

	cache := newCache(t)
	canonical := cachekey.Key{0xFE} // will not match actual hash: lossy

	decode := func(context.Context, int32, rfbpixel.Rect, []byte, rfbpixel.Buffer) error { return nil }
	o := decodeorch.New(1, decode, fb, cache, zerolog.Nop())

	require.NoError(t, o.ProcessBatch(context.Background(), decodeorch.NewSeedItem(rect, canonical)))

	_, _, reports, err := o.Flush(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, canonical, reports[0].Canonical)
}

func TestHandleReferenceHitBlitsPixels(t *testing.T) {
	t.Parallel()

	fb := newFakeFB(64, 64)
	rect := rfbpixel.Rect{X: 0, Y: 0, W: 8, H: 8}

	cache := newCache(t)

	pixels := make([]byte, rect.W*rect.H*rfbpixel.Canonical.BytesPerPixel())
	for i := range pixels {
		pixels[i] = 0x99
	}

	key, err := cachekey.HashCanonicalPixels(rect.W, rect.H, pixels)
	require.NoError(t, err)
	require.NoError(t, cache.Insert(context.Background(), key, key, pixels, rfbpixel.Canonical, rect.W, rect.H, false))

	decode := func(context.Context, int32, rfbpixel.Rect, []byte, rfbpixel.Buffer) error { return nil }
	o := decodeorch.New(1, decode, fb, cache, zerolog.Nop())

	require.NoError(t, o.ProcessBatch(context.Background(), decodeorch.NewReferenceItem(rect, key)))

	got, err := rfbpixel.CanonicalPixels(fb, rect)
	require.NoError(t, err)
	assert.Equal(t, pixels, got)
}

func TestHandleReferenceMissQueuesQuery(t *testing.T) {
	t.Parallel()

	fb := newFakeFB(64, 64)
	rect := rfbpixel.Rect{X: 0, Y: 0, W: 8, H: 8}

	cache := newCache(t)
	canonical := cachekey.Key{0x55}

	decode := func(context.Context, int32, rfbpixel.Rect, []byte, rfbpixel.Buffer) error { return nil }
	o := decodeorch.New(1, decode, fb, cache, zerolog.Nop())

	require.NoError(t, o.ProcessBatch(context.Background(), decodeorch.NewReferenceItem(rect, canonical)))

	_, queries, _, err := o.Flush(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, canonical, queries[0])
}
