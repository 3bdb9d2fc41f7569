// Package scanner implements the shift-tolerant scanner (C9): an
// optional pre-pass that re-hashes a damage region at multiple tile
// sizes and phase offsets, looking for blocks the client already knows,
// even when on-screen content has shifted (spec §4.9).
package scanner

import (
	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
)

// Phase is a (dx, dy) offset applied to the tile grid before enumerating
// tiles, used to catch content that has shifted by a fraction of a tile.
type Phase struct{ DX, DY int }

// MinimalPhases is the single-phase set: no shift tolerance.
func MinimalPhases() []Phase { return []Phase{{0, 0}} }

// QuarterPhases is the 9-phase set {0, T/4, T/2, 3T/4}² for tile size T
// (spec §4.9).
func QuarterPhases(tileSize int) []Phase {
	steps := []int{0, tileSize / 4, tileSize / 2, 3 * tileSize / 4}

	phases := make([]Phase, 0, len(steps)*len(steps))
	for _, dy := range steps {
		for _, dx := range steps {
			phases = append(phases, Phase{DX: dx, DY: dy})
		}
	}

	return phases
}

// Options bounds a scan pass (spec §4.9 "stop early on...").
type Options struct {
	TileSizes          []int
	Phases             func(tileSize int) []Phase
	BudgetMicros       int64
	MaxBlocks          int
	CoveragePermille   int // stop once hit coverage exceeds this out of 1000
	PreferLargestFirst bool
	PadPixels          int
}

// DefaultOptions returns a reasonable pass, per the tile sizes suggested
// in spec §4.9.
func DefaultOptions() Options {
	return Options{
		TileSizes:          []int{256, 128, 64},
		Phases:             MinimalPhases1,
		BudgetMicros:       20_000,
		MaxBlocks:          4096,
		CoveragePermille:   950,
		PreferLargestFirst: true,
		PadPixels:          0,
	}
}

// MinimalPhases1 adapts MinimalPhases to the Options.Phases signature.
func MinimalPhases1(int) []Phase { return MinimalPhases() }

// Hit is one covered tile and the CacheKey it hashed to.
type Hit struct {
	Rect rfbpixel.Rect
	Key  cachekey.Key
}

// Stats reports a scan pass's counters (spec §4.9 "Statistics").
type Stats struct {
	BlocksConsidered int
	BlocksHashed     int
	PackedRects      int
	HitsVerified     int
	HitsEmitted      int
	ElapsedMicros    int64
}

// ElapsedFunc returns elapsed microseconds since the scan started; it is
// injected so callers control the time source (spec's no-wall-clock
// constraint on library code applies equally here: tests pass a fake
// clock).
type ElapsedFunc func() int64

// Scan runs the shift-tolerant pre-pass over damage, calling hashRect to
// fingerprint each candidate tile and clientKnows to test it against the
// client's known set (spec §4.9).
func Scan(
	pb rfbpixel.Buffer,
	damage rfbpixel.Rect,
	opts Options,
	hashRect func(rfbpixel.Buffer, rfbpixel.Rect) (cachekey.Key, error),
	clientKnows func(cachekey.Key) bool,
	elapsed ElapsedFunc,
) ([]Hit, Stats) {
	if damage.Empty() || len(opts.TileSizes) == 0 {
		return nil, Stats{}
	}

	sizes := make([]int, len(opts.TileSizes))
	copy(sizes, opts.TileSizes)

	if opts.PreferLargestFirst {
		sortDescending(sizes)
	}

	phaseFn := opts.Phases
	if phaseFn == nil {
		phaseFn = MinimalPhases1
	}

	var (
		hits    []Hit
		stats   Stats
		covered = map[[2]int]bool{} // tile origins snapped to the grid of the tile size being scanned
	)

	totalArea := damage.Area()

	for _, tileSize := range sizes {
		if budgetExceeded(opts, stats, elapsed) {
			break
		}

		for _, ph := range phaseFn(tileSize) {
			if budgetExceeded(opts, stats, elapsed) {
				break
			}

			tiles := enumerateTiles(damage, tileSize, ph, opts.PadPixels)

			for _, rect := range tiles {
				if budgetExceeded(opts, stats, elapsed) {
					break
				}

				if alreadyCovered(covered, rect, tileSize) {
					continue
				}

				stats.BlocksConsidered++

				key, err := hashRect(pb, rect)
				if err != nil {
					continue
				}

				stats.BlocksHashed++

				if !clientKnows(key) {
					continue
				}

				stats.HitsVerified++
				hits = append(hits, Hit{Rect: rect, Key: key})
				stats.HitsEmitted++
				stats.PackedRects++

				markCovered(covered, rect, tileSize)

				if coveragePermille(covered, tileSize, totalArea) > opts.CoveragePermille {
					return finish(hits, stats, elapsed)
				}
			}
		}
	}

	return finish(hits, stats, elapsed)
}

func finish(hits []Hit, stats Stats, elapsed ElapsedFunc) ([]Hit, Stats) {
	if elapsed != nil {
		stats.ElapsedMicros = elapsed()
	}

	return hits, stats
}

func budgetExceeded(opts Options, stats Stats, elapsed ElapsedFunc) bool {
	if opts.MaxBlocks > 0 && stats.BlocksConsidered >= opts.MaxBlocks {
		return true
	}

	if opts.BudgetMicros > 0 && elapsed != nil && elapsed() >= opts.BudgetMicros {
		return true
	}

	return false
}

// enumerateTiles lists every tileSize x tileSize block, shifted by
// phase and padded by padPixels, that intersects damage.
func enumerateTiles(damage rfbpixel.Rect, tileSize int, phase Phase, padPixels int) []rfbpixel.Rect {
	if tileSize <= 0 {
		return nil
	}

	startX := floorToGrid(damage.X-phase.DX, tileSize) + phase.DX
	startY := floorToGrid(damage.Y-phase.DY, tileSize) + phase.DY

	var tiles []rfbpixel.Rect

	for y := startY; y < damage.Y+damage.H; y += tileSize {
		for x := startX; x < damage.X+damage.W; x += tileSize {
			rect := rfbpixel.Rect{
				X: x - padPixels,
				Y: y - padPixels,
				W: tileSize + 2*padPixels,
				H: tileSize + 2*padPixels,
			}

			if rect.Intersects(damage) {
				tiles = append(tiles, rect)
			}
		}
	}

	return tiles
}

func floorToGrid(v, grid int) int {
	if grid <= 0 {
		return v
	}

	if v >= 0 {
		return (v / grid) * grid
	}

	return -(((-v) + grid - 1) / grid) * grid
}

func sortDescending(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] < s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// coverageKey coarsens a rect's position to a grid cell so overlapping
// tiles from different phases can be recognised as covering the same
// area.
func coverageKey(x, y, grid int) [2]int {
	return [2]int{floorToGrid(x, grid), floorToGrid(y, grid)}
}

func alreadyCovered(covered map[[2]int]bool, rect rfbpixel.Rect, tileSize int) bool {
	return covered[coverageKey(rect.X, rect.Y, tileSize)]
}

func markCovered(covered map[[2]int]bool, rect rfbpixel.Rect, tileSize int) {
	covered[coverageKey(rect.X, rect.Y, tileSize)] = true
}

func coveragePermille(covered map[[2]int]bool, tileSize, totalArea int) int {
	if totalArea <= 0 {
		return 0
	}

	coveredArea := len(covered) * tileSize * tileSize

	return coveredArea * 1000 / totalArea
}
