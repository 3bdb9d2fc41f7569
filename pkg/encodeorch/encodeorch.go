// Package encodeorch implements the server-side encode orchestrator
// (C8): the per-subrect decision procedure that turns a damaged
// rectangle into a reference, init or seed cache message (spec §4.8).
package encodeorch

import (
	"go.uber.org/zap"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/cacheconfig"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/clienttracker"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
)

// EncodingKind distinguishes lossless from lossy inner encodings, which
// is all the decision procedure needs to know about the chosen encoder
// (spec §4.8 step 4).
type EncodingKind int

const (
	Lossless EncodingKind = iota
	Lossy
)

// SeedPolicy selects between the two legal lossy delivery paths (spec
// §4.8 step 4): both are legal, but seeds must never be skipped for a
// lossy encoding that succeeds at the client.
type SeedPolicy int

const (
	// SeedAfterNormal sends the rectangle via the normal encoder, then a
	// separate seed message carrying canonical.
	SeedAfterNormal SeedPolicy = iota
	// SeedViaInit wraps the payload in the cache init envelope instead.
	SeedViaInit
)

// Action is the decision the orchestrator reaches for one subrect.
type Action int

const (
	// ActionSkip means the subrect is below threshold; encode normally
	// with no cache interaction.
	ActionSkip Action = iota
	// ActionReference means emit a CachedRect/PersistentCachedRect
	// reference; the client already has canonical.
	ActionReference
	// ActionInitLossless means emit an init message with a lossless
	// payload and record canonical as known.
	ActionInitLossless
	// ActionSeedAfterNormal means send the rectangle normally, then a
	// seed message.
	ActionSeedAfterNormal
	// ActionInitLossy means emit an init message whose payload is lossy.
	ActionInitLossy
)

// Decision is the orchestrator's output for one subrect.
type Decision struct {
	Action       Action
	Canonical    cachekey.Key
	ReferenceKey cachekey.Key // set on ActionReference: canonical, or lossyMap[canonical] if known
}

// Orchestrator runs the per-subrect decision procedure for a single
// connection, consulting that connection's Tracker.
type Orchestrator struct {
	cfg    cacheconfig.Server
	logger *zap.Logger

	hashRect func(pb rfbpixel.Buffer, rect rfbpixel.Rect) (cachekey.Key, error)
}

// New constructs an Orchestrator. hashRect is injected so tests can
// avoid a real pixel buffer; production callers pass cachekey.HashRect.
// A nil logger is replaced with a no-op one.
func New(cfg cacheconfig.Server, logger *zap.Logger, hashRect func(rfbpixel.Buffer, rfbpixel.Rect) (cachekey.Key, error)) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{cfg: cfg, logger: logger, hashRect: hashRect}
}

// Decide runs the decision procedure for one subrect against tr's known
// state, applying the caller's seedPolicy to lossy encodings (spec §4.8).
func (o *Orchestrator) Decide(pb rfbpixel.Buffer, rect rfbpixel.Rect, tr *clienttracker.Tracker, chooseEncoding func(rfbpixel.Rect) EncodingKind, seedPolicy SeedPolicy) (Decision, error) {
	if !o.cfg.EnableContentCache && !o.cfg.EnablePersistentCache {
		return Decision{Action: ActionSkip}, nil
	}

	if rect.Area() < o.cfg.ContentCacheMinRectSize {
		return Decision{Action: ActionSkip}, nil
	}

	canonical, err := o.hashRect(pb, rect)
	if err != nil {
		o.logger.Debug("rect uncacheable, skipping cache interaction", zap.Error(err))

		return Decision{Action: ActionSkip}, nil
	}

	if tr.Knows(canonical) {
		ref := canonical
		if actual, ok := tr.LossyActual(canonical); ok {
			ref = actual
		}

		return Decision{Action: ActionReference, Canonical: canonical, ReferenceKey: ref}, nil
	}

	switch chooseEncoding(rect) {
	case Lossless:
		tr.SentInit(canonical, rect)

		return Decision{Action: ActionInitLossless, Canonical: canonical}, nil
	default:
		tr.SentInit(canonical, rect)

		if seedPolicy == SeedViaInit {
			return Decision{Action: ActionInitLossy, Canonical: canonical}, nil
		}

		return Decision{Action: ActionSeedAfterNormal, Canonical: canonical}, nil
	}
}

// HandleHashReport records a client's lossy-hash report, enabling direct
// references on subsequent encounters (spec §4.8 step 5).
func (o *Orchestrator) HandleHashReport(tr *clienttracker.Tracker, canonical, actual cachekey.Key) {
	tr.ReceiveHashReport(canonical, actual)
}
