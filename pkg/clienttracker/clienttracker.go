// Package clienttracker implements the server-side per-client cache
// tracker (C7): the set of canonical hashes a connected viewer is known
// to hold, and the lossy-hash mapping it has reported back (spec §4.7).
//
// A Tracker is owned by exactly one connection's agent and is never
// shared, so unlike viewercache it needs no internal locking (spec §5
// "accessed only by that connection's agent"). The encode side of the
// cache runs in the server process, a separate binary from the viewer,
// so it carries its own structured logger rather than the viewer-side
// zerolog.Logger threaded through the decode path.
package clienttracker

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
)

// Tracker holds one connection's view of what its viewer already knows.
type Tracker struct {
	id     uuid.UUID
	logger *zap.Logger

	knownKeys     map[cachekey.Key]struct{}
	lossyMap      map[cachekey.Key]cachekey.Key
	lastRectByKey map[cachekey.Key]rfbpixel.Rect
	updatesSent   uint64
}

// New creates a Tracker for a single connection, identified by id for
// logging and registry lookups. A nil logger is replaced with a no-op
// one.
func New(id uuid.UUID, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Tracker{
		id:            id,
		logger:        logger,
		knownKeys:     make(map[cachekey.Key]struct{}),
		lossyMap:      make(map[cachekey.Key]cachekey.Key),
		lastRectByKey: make(map[cachekey.Key]rfbpixel.Rect),
	}
}

// ID returns the connection identifier this tracker was created for.
func (t *Tracker) ID() uuid.UUID { return t.id }

// Knows reports whether canonical has previously been sent to this
// client via an init or seed.
func (t *Tracker) Knows(canonical cachekey.Key) bool {
	_, ok := t.knownKeys[canonical]

	return ok
}

// LossyActual returns the actual hash this client reported for
// canonical, if any (spec §4.8 "direct reference using lossyMap").
func (t *Tracker) LossyActual(canonical cachekey.Key) (cachekey.Key, bool) {
	a, ok := t.lossyMap[canonical]

	return a, ok
}

// SentInit records that canonical was just sent via init or seed
// (spec §4.7 "send(init)").
func (t *Tracker) SentInit(canonical cachekey.Key, rect rfbpixel.Rect) {
	t.knownKeys[canonical] = struct{}{}
	t.lastRectByKey[canonical] = rect
	t.updatesSent++
}

// ReceiveEviction drops the listed canonicals from knownKeys, lossyMap
// and lastRectByKey (spec §4.7 "receive(eviction)").
func (t *Tracker) ReceiveEviction(canonicals []cachekey.Key) {
	for _, k := range canonicals {
		delete(t.knownKeys, k)
		delete(t.lossyMap, k)
		delete(t.lastRectByKey, k)
	}

	if len(canonicals) > 0 {
		t.logger.Debug("forgot evicted keys", zap.Int("count", len(canonicals)), zap.Stringer("conn_id", t.id))
	}
}

// ReceiveHashReport records that canonical is currently held by the
// client under actual (spec §4.7 "receive(hashReport)").
func (t *Tracker) ReceiveHashReport(canonical, actual cachekey.Key) {
	t.lossyMap[canonical] = actual
}

// ReceiveHashList unions a bulk advertisement of already-known content
// ids into knownKeys, used after a client reconnects (spec §4.7
// "receive(hashList)"). Only a key's 64-bit content id (its first 8
// bytes, see cachekey.Key.ContentID) travels on the wire, so each id is
// stored as a Key holding the id big-endian in its first 8 bytes and
// zeros in the last 8. Knows and ReceiveEviction compare whole 16-byte
// keys, so a full canonical key whose content id was advertised here is
// not reported as known by Knows.
func (t *Tracker) ReceiveHashList(contentIDs []uint64) {
	for _, id := range contentIDs {
		var k cachekey.Key

		for i := range 8 {
			k[i] = byte(id >> (8 * (7 - i)))
		}

		t.knownKeys[k] = struct{}{}
	}
}

// Query returns the server-side rect last sent for canonical, if known,
// to help resolve a query by re-issuing an init for the same region
// (spec §4.7 "receive(query)").
func (t *Tracker) Query(canonical cachekey.Key) (rfbpixel.Rect, bool) {
	r, ok := t.lastRectByKey[canonical]

	return r, ok
}

// UpdatesSent returns the number of init/seed sends recorded so far, for
// periodic logging (spec §4.7 "updatesSent counter").
func (t *Tracker) UpdatesSent() uint64 { return t.updatesSent }

// Registry tracks one Tracker per live connection, keyed by connection
// id.
type Registry struct {
	trackers map[uuid.UUID]*Tracker
	logger   *zap.Logger
}

// NewRegistry constructs an empty Registry. A nil logger is replaced
// with a no-op one.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		trackers: make(map[uuid.UUID]*Tracker),
		logger:   logger,
	}
}

// Connect creates and registers a Tracker for a newly accepted
// connection.
func (r *Registry) Connect() *Tracker {
	id := uuid.New()
	t := New(id, r.logger.With(zap.Stringer("conn_id", id)))
	r.trackers[id] = t

	return t
}

// Disconnect drops all per-client state for id (spec §4.7 "On
// disconnect: drop all per-client state").
func (r *Registry) Disconnect(id uuid.UUID) {
	if _, ok := r.trackers[id]; ok {
		r.logger.Info("connection disconnected, dropping tracker state", zap.Stringer("conn_id", id))
	}

	delete(r.trackers, id)
}

// Get returns the tracker for id, if connected.
func (r *Registry) Get(id uuid.UUID) (*Tracker, bool) {
	t, ok := r.trackers[id]

	return t, ok
}

// Len returns the number of currently connected trackers.
func (r *Registry) Len() int { return len(r.trackers) }
