// Package viewercache implements the unified viewer cache (C5): the
// viewer-facing composition of the ARC engine (C2), the shard store (C3)
// and the index store (C4) behind a single mutex (spec §4.5, §5).
package viewercache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/arc"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/indexstore"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/shardstore"
)

// ErrDimensionMismatch is returned when an insert's declared width/height
// does not match the pixel payload supplied (spec §4.5 edge cases).
var ErrDimensionMismatch = errors.New("viewercache: dimension mismatch")

// CachedEntry is the value type stored in the ARC engine, keyed by
// actualHash.
type CachedEntry struct {
	ActualHash    cachekey.Key
	CanonicalHash cachekey.Key
	Width, Height int
	Format        rfbpixel.Format
	Pixels        []byte // canonical-domain bytes, tightly packed
	Persistable   bool
	Lossy         bool
	QualityCode   uint16
	Loc           shardstore.Locator
	HasLoc        bool
}

// qualityCode ranks entries for getByCanonical's tie-break: lossless
// beats lossy, and within a tier bits-per-pixel is the differentiator
// (spec §4.5 "pick the highest-quality entry").
func qualityCode(lossy bool, bpp int) uint16 {
	base := uint16(bpp)
	if lossy {
		return base
	}

	return base | 0x8000
}

// Config bundles the unified cache's construction-time parameters
// (spec §6.4).
type Config struct {
	Capacity      uint64 // ContentCacheSize or PersistentCacheSize, in bytes
	MinEntrySize  uint64
	DiskEnabled   bool
	CacheDir      string
	ShardMaxBytes uint64
	Persistable   bool // whether the PersistentCache protocol was negotiated
}

// Cache is the unified viewer cache. A single mutex serialises every
// operation, matching the "not internally parallel" model of spec §5.
type Cache struct {
	mu sync.Mutex

	cfg    Config
	logger zerolog.Logger

	engine *arc.Engine[cachekey.Key, CachedEntry]
	shards *shardstore.Store
	index  *indexstore.Store

	byCanonical map[cachekey.Key][]cachekey.Key

	pendingEvictions []cachekey.Key
	pendingQueries   []cachekey.Key
	pendingReports   []HashReport
	pendingHydrate   []indexstore.Entry

	dirtySinceSave int
}

// HashReport is a queued (canonical, actual) pair awaiting delivery to
// the server (spec §4.6 "queue a hash-report").
type HashReport struct {
	Canonical cachekey.Key
	Actual    cachekey.Key
}

// New constructs a Cache. If cfg.DiskEnabled, dir-backed shard and index
// stores are opened; otherwise the cache is RAM-only.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	c := &Cache{
		cfg:         cfg,
		logger:      logger,
		byCanonical: make(map[cachekey.Key][]cachekey.Key),
	}

	c.engine = arc.New(cfg.Capacity, cfg.MinEntrySize, sizeOfEntry, c.onEvict)

	if cfg.DiskEnabled {
		shards, err := shardstore.New(cfg.CacheDir, cfg.ShardMaxBytes, logger)
		if err != nil {
			return nil, fmt.Errorf("viewercache: %w", err)
		}

		c.shards = shards
		c.index = indexstore.New(cfg.CacheDir, logger)
	}

	return c, nil
}

func sizeOfEntry(e CachedEntry) uint64 { return uint64(len(e.Pixels)) }

// onEvict is the ARC eviction callback (spec §4.5 "recordEviction").
// It must not call back into the engine.
func (c *Cache) onEvict(actual cachekey.Key, v CachedEntry) {
	c.removeFromSecondary(v.CanonicalHash, actual)
	c.pendingEvictions = append(c.pendingEvictions, v.CanonicalHash)
}

func (c *Cache) removeFromSecondary(canonical, actual cachekey.Key) {
	list := c.byCanonical[canonical]

	for i, k := range list {
		if k == actual {
			list = append(list[:i], list[i+1:]...)

			break
		}
	}

	if len(list) == 0 {
		delete(c.byCanonical, canonical)
	} else {
		c.byCanonical[canonical] = list
	}
}

// Insert stores pixels under (canonical, actual), per spec §4.5 "insert".
// pixels must already be in the canonical pixel domain and tightly
// packed; w and h must match len(pixels).
func (c *Cache) Insert(ctx context.Context, canonical, actual cachekey.Key, pixels []byte, pf rfbpixel.Format, w, h int, persistable bool) error {
	if w <= 0 || h <= 0 {
		return cachekey.ErrEmptyRect
	}

	want := w * h * rfbpixel.Canonical.BytesPerPixel()
	if len(pixels) != want {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrDimensionMismatch, want, len(pixels))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.insertLocked(ctx, canonical, actual, pixels, pf, w, h, persistable)
}

func (c *Cache) insertLocked(ctx context.Context, canonical, actual cachekey.Key, pixels []byte, pf rfbpixel.Format, w, h int, persistable bool) error {
	if existing, ok := c.engine.Peek(actual); ok {
		if existing.Width != w || existing.Height != h || !sameContent(existing.Pixels, pixels) {
			c.logger.Warn().
				Str("actual", actual.String()).
				Msg("hash collision on insert, evicting stale entry")
			c.engine.Remove(actual)
			c.removeFromSecondary(existing.CanonicalHash, actual)
		}
	}

	lossy := actual != canonical

	entry := CachedEntry{
		ActualHash:    actual,
		CanonicalHash: canonical,
		Width:         w,
		Height:        h,
		Format:        pf,
		Pixels:        pixels,
		Persistable:   persistable && c.cfg.Persistable,
		Lossy:         lossy,
		QualityCode:   qualityCode(lossy, pf.BitsPerPixel),
	}

	if entry.Persistable && c.cfg.DiskEnabled {
		loc, err := c.shards.Append(ctx, shardstore.Record{
			ActualHash:    actual,
			CanonicalHash: canonical,
			Flags:         flagsFor(lossy),
			Payload:       pixels,
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("shard append failed, entry kept RAM-only")
			entry.Persistable = false
		} else {
			entry.Loc = loc
			entry.HasLoc = true
			c.index.MarkDirty(actual, toIndexEntry(entry))
			c.dirtySinceSave++
		}
	}

	c.engine.Insert(actual, entry)
	c.addToSecondary(canonical, actual)
	c.promoteLosslessIfBetter(canonical)

	return nil
}

func flagsFor(lossy bool) shardstore.RecordFlag {
	if lossy {
		return shardstore.FlagLossy
	}

	return 0
}

func sameContent(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func (c *Cache) addToSecondary(canonical, actual cachekey.Key) {
	list := c.byCanonical[canonical]

	for _, k := range list {
		if k == actual {
			return
		}
	}

	c.byCanonical[canonical] = append(list, actual)
}

// promoteLosslessIfBetter drops any lossy disk copy once a lossless entry
// for the same canonical exists (spec §4.5 "promote lossy→lossless").
func (c *Cache) promoteLosslessIfBetter(canonical cachekey.Key) {
	candidates := c.byCanonical[canonical]

	var bestLossless bool

	for _, k := range candidates {
		if e, ok := c.engine.Peek(k); ok && !e.Lossy {
			bestLossless = true

			break
		}
	}

	if !bestLossless {
		return
	}

	for _, k := range candidates {
		e, ok := c.engine.Peek(k)
		if !ok || !e.Lossy {
			continue
		}

		if e.HasLoc && c.cfg.DiskEnabled {
			c.index.MarkRemoved(k)
		}
	}
}

// GetByActual performs a direct ARC lookup; the entry's dimensions must
// match (w, h) or the lookup misses (spec §4.5 "getByActual").
func (c *Cache) GetByActual(actual cachekey.Key, w, h int) (CachedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.engine.Get(actual)
	if !ok || e.Width != w || e.Height != h {
		return CachedEntry{}, false
	}

	return e, true
}

// GetByCanonical enumerates secondary candidates for canonical and
// returns the highest-quality entry meeting (w, h, minBpp), tie-breaking
// lossless over lossy then most-recent (spec §4.5 "getByCanonical").
func (c *Cache) GetByCanonical(canonical cachekey.Key, w, h, minBpp int) (CachedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.byCanonical[canonical]

	var (
		best    CachedEntry
		bestKey cachekey.Key
		found   bool
	)

	for _, k := range candidates {
		e, ok := c.engine.Peek(k)
		if !ok || e.Width != w || e.Height != h || e.Format.BitsPerPixel < minBpp {
			continue
		}

		// >= lets a later (more recently added) candidate win a tie.
		if !found || e.QualityCode >= best.QualityCode {
			best, bestKey, found = e, k, true
		}
	}

	if !found {
		return CachedEntry{}, false
	}

	// Promote the winning entry via the normal Get path for recency.
	if promoted, ok := c.engine.Get(bestKey); ok {
		return promoted, true
	}

	return best, true
}

// StoreSeed snapshots pixels already decoded by the viewer under
// canonical, computing actual locally (spec §4.5 "storeSeed"). If
// actual differs from canonical the entry is lossy and the caller
// should queue a hash report; StoreSeed does this automatically.
func (c *Cache) StoreSeed(ctx context.Context, canonical cachekey.Key, pixels []byte, pf rfbpixel.Format, w, h int, persistable bool) (actual cachekey.Key, lossy bool, err error) {
	actual, err = cachekey.HashCanonicalPixels(w, h, pixels)
	if err != nil {
		return cachekey.Key{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.insertLocked(ctx, canonical, actual, pixels, pf, w, h, persistable); err != nil {
		return cachekey.Key{}, false, err
	}

	lossy = actual != canonical
	if lossy {
		c.pendingReports = append(c.pendingReports, HashReport{Canonical: canonical, Actual: actual})
	}

	return actual, lossy, nil
}

// DrainPendingEvictions returns and clears the pending-evictions vector
// (spec §4.5 "drainPendingEvictions").
func (c *Cache) DrainPendingEvictions() []cachekey.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.pendingEvictions
	c.pendingEvictions = nil

	return out
}

// DrainPendingQueries returns and clears the pending-query vector
// (spec §4.5 "drainPendingQueries").
func (c *Cache) DrainPendingQueries() []cachekey.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.pendingQueries
	c.pendingQueries = nil

	return out
}

// DrainPendingHashReports returns and clears the pending hash-report
// vector produced by StoreSeed (spec §4.6).
func (c *Cache) DrainPendingHashReports() []HashReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.pendingReports
	c.pendingReports = nil

	return out
}

// QueueQuery records that canonical missed getByCanonical and the server
// should be asked to resend it (spec §4.6 "reference miss").
func (c *Cache) QueueQuery(canonical cachekey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingQueries = append(c.pendingQueries, canonical)
}

// LoadIndex loads the on-disk index (metadata only; no payload bytes are
// read) and GCs orphaned shards, per spec §4.5 "loadIndex".
func (c *Cache) LoadIndex() error {
	if !c.cfg.DiskEnabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.index.Load()
	if err != nil {
		return fmt.Errorf("viewercache: %w", err)
	}

	for _, e := range entries {
		c.pendingHydrate = append(c.pendingHydrate, e)
	}

	if _, err := c.shards.GC(c.index.LiveShardIDs()); err != nil {
		c.logger.Warn().Err(err).Msg("shard gc failed after index load")
	}

	return nil
}

// SaveIndex flushes dirty index entries to disk (spec §4.5 "saveIndex").
func (c *Cache) SaveIndex() error {
	if !c.cfg.DiskEnabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.index.FlushDirty(); err != nil {
		return fmt.Errorf("viewercache: %w", err)
	}

	c.dirtySinceSave = 0

	return nil
}

// DirtyCount reports how many index mutations have accumulated since the
// last SaveIndex, for callers implementing a periodic-persist policy
// (spec §4.6 "periodically persist dirty index").
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dirtySinceSave
}

// HydrateNextBatch reads up to n index-only entries' payloads from disk
// and inserts them into the ARC engine, supporting lazy startup
// hydration of large on-disk caches (spec §4.5 "hydrateNextBatch").
func (c *Cache) HydrateNextBatch(ctx context.Context, n int) (int, error) {
	if !c.cfg.DiskEnabled {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hydrated := 0

	for hydrated < n && len(c.pendingHydrate) > 0 {
		e := c.pendingHydrate[0]
		c.pendingHydrate = c.pendingHydrate[1:]

		if _, ok := c.engine.Peek(e.CacheKey); ok {
			continue
		}

		loc := shardstore.Locator{ShardID: uint16(e.ShardID), Offset: e.Offset, Length: uint32(e.Width) * uint32(e.Height) * uint32(rfbpixel.Canonical.BytesPerPixel())}

		payload, err := c.shards.Read(ctx, loc)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", e.CacheKey.String()).Msg("hydration read failed, dropping entry")

			continue
		}

		pf := rfbpixel.Summary(e.PixelFormatSummary).Unpack(int(e.BPP), int(e.Depth))

		entry := CachedEntry{
			ActualHash:    e.CacheKey,
			CanonicalHash: e.CanonicalHash,
			Width:         int(e.Width),
			Height:        int(e.Height),
			Format:        pf,
			Pixels:        payload,
			Persistable:   true,
			Lossy:         e.Flags&indexstore.FlagLossy != 0,
			QualityCode:   qualityCode(e.Flags&indexstore.FlagLossy != 0, int(e.BPP)),
			Loc:           loc,
			HasLoc:        true,
		}

		c.engine.Insert(e.CacheKey, entry)
		c.addToSecondary(e.CanonicalHash, e.CacheKey)
		hydrated++
	}

	return hydrated, nil
}

func toIndexEntry(e CachedEntry) indexstore.Entry {
	var flags indexstore.EntryFlag
	if e.Lossy {
		flags |= indexstore.FlagLossy
	}

	if e.Persistable {
		flags |= indexstore.FlagPersistable
	}

	return indexstore.Entry{
		CacheKey:           e.ActualHash,
		Flags:              flags,
		Width:              uint32(e.Width),
		Height:             uint32(e.Height),
		BPP:                uint16(e.Format.BitsPerPixel),
		Depth:              uint16(e.Format.Depth),
		QualityCode:        e.QualityCode,
		ShardID:            uint64(e.Loc.ShardID),
		Offset:             e.Loc.Offset,
		PixelFormatSummary: uint8(rfbpixel.Pack(e.Format)),
		CanonicalHash:      e.CanonicalHash,
	}
}

// Stats returns the underlying ARC engine's counters.
func (c *Cache) Stats() arc.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.engine.Stats()
}

// Close flushes the index (if dirty) and closes the shard store.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.DiskEnabled {
		return nil
	}

	if err := c.index.FlushDirty(); err != nil {
		c.logger.Warn().Err(err).Msg("error flushing index on close")
	}

	return c.shards.Close()
}
