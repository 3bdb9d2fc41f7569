// Package decodeorch implements the decode orchestrator (C6): the
// viewer-side worker pool that sits between the wire codec and the
// registered decoders, and the cache-specific handling of init, seed
// and reference rectangles (spec §4.6).
package decodeorch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/viewercache"
)

// Decoder decodes one rectangle's inner-encoding payload and writes the
// resulting pixels to fb (spec §6.1 "decoder registry").
type Decoder func(ctx context.Context, innerEncoding int32, rect rfbpixel.Rect, payload []byte, fb rfbpixel.Buffer) error

// workItem is one queued rectangle.
type workItem struct {
	kind    itemKind
	rect    rfbpixel.Rect
	payload []byte
	enc     int32

	canonical cachekey.Key
}

type itemKind int

const (
	kindNormal itemKind = iota
	kindInit
	kindSeed
	kindReference
)

// Orchestrator runs a bounded pool of decode workers and applies the
// cache semantics of spec §4.6 around each decode.
type Orchestrator struct {
	workers int
	decode  Decoder
	fb      rfbpixel.Buffer
	cache   *viewercache.Cache
	logger  zerolog.Logger

	mu      sync.Mutex
	reports []viewercache.HashReport
}

// New constructs an Orchestrator. workers is clamped to
// max(1, min(4, hardware parallelism)) by the caller per spec §5; this
// package does not read runtime.GOMAXPROCS itself so tests can pin a
// deterministic worker count.
func New(workers int, decode Decoder, fb rfbpixel.Buffer, cache *viewercache.Cache, logger zerolog.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}

	return &Orchestrator{workers: workers, decode: decode, fb: fb, cache: cache, logger: logger}
}

// ProcessBatch decodes every queued rectangle in items, serialising
// overlapping rectangles against each other (spec §4.6 "Two rectangles
// whose affected regions overlap are serialised", §5 worker model), and
// returns once every item has either applied or been dropped.
func (o *Orchestrator) ProcessBatch(ctx context.Context, items ...workItem) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	var mu sync.Mutex

	cond := sync.NewCond(&mu)
	inFlight := make([]rfbpixel.Rect, 0, len(items))

	for _, item := range items {
		item := item

		g.Go(func() error {
			mu.Lock()
			for overlaps(inFlight, item.rect) {
				cond.Wait()
			}

			inFlight = append(inFlight, item.rect)
			mu.Unlock()

			err := o.processOne(ctx, item)

			mu.Lock()
			inFlight = removeRect(inFlight, item.rect)
			mu.Unlock()
			cond.Broadcast()

			return err
		})
	}

	return g.Wait()
}

func overlaps(rects []rfbpixel.Rect, r rfbpixel.Rect) bool {
	for _, d := range rects {
		if d.Intersects(r) {
			return true
		}
	}

	return false
}

func removeRect(rects []rfbpixel.Rect, r rfbpixel.Rect) []rfbpixel.Rect {
	for i, d := range rects {
		if d == r {
			return append(rects[:i], rects[i+1:]...)
		}
	}

	return rects
}

func (o *Orchestrator) processOne(ctx context.Context, item workItem) error {
	switch item.kind {
	case kindNormal:
		return o.decode(ctx, item.enc, item.rect, item.payload, o.fb)
	case kindInit:
		return o.handleInit(ctx, item)
	case kindSeed:
		return o.handleSeed(ctx, item)
	case kindReference:
		return o.handleReference(ctx, item)
	default:
		return fmt.Errorf("decodeorch: unknown item kind %d", item.kind)
	}
}

// handleInit implements spec §4.6's init handling: decode, compute
// actual, discard on a lossless hash mismatch (corruption), otherwise
// insert.
func (o *Orchestrator) handleInit(ctx context.Context, item workItem) error {
	if err := o.decode(ctx, item.enc, item.rect, item.payload, o.fb); err != nil {
		o.logger.Info().Err(err).Msg("decoder failed for init payload, dropping rectangle")

		return nil
	}

	pixels, err := rfbpixel.CanonicalPixels(o.fb, item.rect)
	if err != nil {
		o.logger.Info().Err(err).Msg("error reading back decoded pixels, not caching")

		return nil
	}

	actual, err := cachekey.HashCanonicalPixels(item.rect.W, item.rect.H, pixels)
	if err != nil {
		return nil
	}

	lossless := isLosslessEncoding(item.enc)

	if lossless && actual != item.canonical {
		o.logger.Info().
			Str("canonical", item.canonical.String()).
			Str("actual", actual.String()).
			Msg("lossless init hash mismatch, discarding without caching")

		return nil
	}

	persistable := lossless || actual == item.canonical

	if err := o.cache.Insert(ctx, item.canonical, actual, pixels, rfbpixel.Canonical, item.rect.W, item.rect.H, persistable); err != nil {
		o.logger.Warn().Err(err).Msg("cache insert failed for init rectangle")

		return nil
	}

	if !lossless && actual != item.canonical {
		o.queueReport(item.canonical, actual)
	}

	return nil
}

// handleSeed implements spec §4.6's seed handling: snapshot the
// framebuffer region the server just told us to remember.
func (o *Orchestrator) handleSeed(ctx context.Context, item workItem) error {
	pixels, err := rfbpixel.CanonicalPixels(o.fb, item.rect)
	if err != nil {
		o.logger.Info().Err(err).Msg("error reading framebuffer for seed, skipping")

		return nil
	}

	actual, lossy, err := o.cache.StoreSeed(ctx, item.canonical, pixels, rfbpixel.Canonical, item.rect.W, item.rect.H, true)
	if err != nil {
		o.logger.Warn().Err(err).Msg("storeSeed failed")

		return nil
	}

	if lossy {
		o.queueReport(item.canonical, actual)
	}

	return nil
}

// handleReference implements spec §4.6's reference handling: blit on
// hit, queue a query and leave the framebuffer untouched on miss.
func (o *Orchestrator) handleReference(_ context.Context, item workItem) error {
	// minBpp is left at 0: the pixel-buffer collaborator interface (spec
	// §6.1) does not expose its native bits-per-pixel, so any entry
	// whose dimensions match is an acceptable hit; the eventual blit goes
	// through the canonical format regardless.
	entry, ok := o.cache.GetByCanonical(item.canonical, item.rect.W, item.rect.H, 0)
	if !ok {
		o.cache.QueueQuery(item.canonical)

		return nil
	}

	return blit(o.fb, item.rect, entry.Pixels)
}

// blit writes canonical-domain pixels back into fb at rect. The
// concrete pixel-format conversion back to the viewer's native format is
// an external collaborator concern (spec §6.1); this package only
// guarantees the canonical bytes are handed over in full.
func blit(fb rfbpixel.Buffer, rect rfbpixel.Rect, pixels []byte) error {
	return fb.PutImage(rfbpixel.Canonical, pixels, rect, rect.W)
}

func isLosslessEncoding(enc int32) bool {
	// There is no per-encoding lossiness table here: every non-negative
	// encoding number counts as lossless and every negative one as lossy.
	// A lossy inner encoding with a non-negative number (e.g. tight with
	// JPEG) is therefore treated as lossless, so its init is discarded
	// when the decoded hash differs from canonical.
	return enc >= 0
}

func (o *Orchestrator) queueReport(canonical, actual cachekey.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reports = append(o.reports, viewercache.HashReport{Canonical: canonical, Actual: actual})
}

// Flush implements spec §4.6's flush() ordering: drain the decode queue
// (handled by ProcessBatch's caller), then emit pending evictions, then
// queries, then opportunistically hydrate, then persist the index if
// dirty. Hydration and the index save are independent of the drained
// evictions/queries/reports, so a failure in either is joined into the
// returned error rather than discarding the batch's otherwise-valid
// results.
func (o *Orchestrator) Flush(ctx context.Context, hydrateBatch int) (evictions []cachekey.Key, queries []cachekey.Key, reports []viewercache.HashReport, err error) {
	evictions = o.cache.DrainPendingEvictions()
	queries = o.cache.DrainPendingQueries()

	o.mu.Lock()
	reports = o.reports
	o.reports = nil
	o.mu.Unlock()

	if hydrateBatch > 0 {
		if _, hydrateErr := o.cache.HydrateNextBatch(ctx, hydrateBatch); hydrateErr != nil {
			o.logger.Warn().Err(hydrateErr).Msg("hydration batch failed")
			err = multierr.Append(err, fmt.Errorf("decodeorch: hydration batch: %w", hydrateErr))
		}
	}

	if o.cache.DirtyCount() > 0 {
		if saveErr := o.cache.SaveIndex(); saveErr != nil {
			o.logger.Warn().Err(saveErr).Msg("periodic index save failed")
			err = multierr.Append(err, fmt.Errorf("decodeorch: periodic index save: %w", saveErr))
		}
	}

	return evictions, queries, reports, err
}

// NewNormalItem wraps a plain (non-cache) rectangle for the worker pool.
func NewNormalItem(rect rfbpixel.Rect, enc int32, payload []byte) workItem {
	return workItem{kind: kindNormal, rect: rect, enc: enc, payload: payload}
}

// NewInitItem wraps an init rectangle (spec §4.6 "init message").
func NewInitItem(rect rfbpixel.Rect, canonical cachekey.Key, enc int32, payload []byte) workItem {
	return workItem{kind: kindInit, rect: rect, canonical: canonical, enc: enc, payload: payload}
}

// NewSeedItem wraps a seed rectangle (spec §4.6 "seed message").
func NewSeedItem(rect rfbpixel.Rect, canonical cachekey.Key) workItem {
	return workItem{kind: kindSeed, rect: rect, canonical: canonical}
}

// NewReferenceItem wraps a reference rectangle (spec §4.6 "reference
// message").
func NewReferenceItem(rect rfbpixel.Rect, canonical cachekey.Key) workItem {
	return workItem{kind: kindReference, rect: rect, canonical: canonical}
}
