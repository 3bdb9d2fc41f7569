package scanner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/scanner"
)

func keyFor(rect rfbpixel.Rect) cachekey.Key {
	var k cachekey.Key
	k[0] = byte(rect.X)
	k[1] = byte(rect.Y)

	return k
}

func hashByPosition(_ rfbpixel.Buffer, rect rfbpixel.Rect) (cachekey.Key, error) {
	return keyFor(rect), nil
}

func zeroClock() int64 { return 0 }

func TestScanEmptyDamageReturnsNoHits(t *testing.T) {
	t.Parallel()

	hits, stats := scanner.Scan(nil, rfbpixel.Rect{}, scanner.DefaultOptions(), hashByPosition, func(cachekey.Key) bool { return true }, zeroClock)
	assert.Empty(t, hits)
	assert.Zero(t, stats.BlocksConsidered)
}

func TestScanFindsKnownTile(t *testing.T) {
	t.Parallel()

	damage := rfbpixel.Rect{X: 0, Y: 0, W: 64, H: 64}
	wantKey := keyFor(rfbpixel.Rect{X: 0, Y: 0, W: 64, H: 64})

	opts := scanner.Options{
		TileSizes: []int{64},
		Phases:    scanner.MinimalPhases1,
		MaxBlocks: 100,
	}

	hits, stats := scanner.Scan(nil, damage, opts, hashByPosition, func(k cachekey.Key) bool { return k == wantKey }, zeroClock)
	require.Len(t, hits, 1)
	assert.Equal(t, wantKey, hits[0].Key)
	assert.Equal(t, 1, stats.HitsEmitted)
}

func TestScanStopsAtMaxBlocks(t *testing.T) {
	t.Parallel()

	damage := rfbpixel.Rect{X: 0, Y: 0, W: 256, H: 256}

	opts := scanner.Options{
		TileSizes: []int{16},
		Phases:    scanner.MinimalPhases1,
		MaxBlocks: 3,
	}

	_, stats := scanner.Scan(nil, damage, opts, hashByPosition, func(cachekey.Key) bool { return false }, zeroClock)
	assert.LessOrEqual(t, stats.BlocksConsidered, 3)
}

func TestScanPrefersLargestTileFirst(t *testing.T) {
	t.Parallel()

	damage := rfbpixel.Rect{X: 0, Y: 0, W: 128, H: 128}

	opts := scanner.Options{
		TileSizes:          []int{64, 128},
		Phases:             scanner.MinimalPhases1,
		MaxBlocks:          100,
		PreferLargestFirst: true,
		CoveragePermille:   1000,
	}

	wantKey := keyFor(rfbpixel.Rect{X: 0, Y: 0, W: 128, H: 128})

	hits, _ := scanner.Scan(nil, damage, opts, hashByPosition, func(k cachekey.Key) bool { return k == wantKey }, zeroClock)
	require.Len(t, hits, 1)
	assert.Equal(t, 128, hits[0].Rect.W)
}

func TestQuarterPhasesProducesNinePhases(t *testing.T) {
	t.Parallel()

	phases := scanner.QuarterPhases(64)
	assert.Len(t, phases, 9)
}
