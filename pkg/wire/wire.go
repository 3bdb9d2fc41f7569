// Package wire implements the cache wire protocol extensions (C10):
// pseudo-encodings, rectangle encodings and top-level message types that
// synchronise the server and viewer caches (spec §6.2).
//
// This package is pure framing: it has no cache policy. The connection
// reader/writer collaborator interfaces it serialises against
// (spec §6.1) are modelled here as Reader/Writer so the codec can be
// exercised without a real transport.
package wire

import (
	"errors"
	"fmt"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
)

// PseudoEncoding values are advertised by the viewer in SetEncodings to
// negotiate cache support (spec §6.2).
type PseudoEncoding int32

const (
	ContentCache    PseudoEncoding = -320
	PersistentCache PseudoEncoding = -321
)

// RectEncoding values are used within a FramebufferUpdate to mark a
// rectangle as cache-related rather than carrying a normal encoding.
type RectEncoding int32

const (
	CachedRect                RectEncoding = 100
	CachedRectInit            RectEncoding = 101
	PersistentCachedRect      RectEncoding = 102
	PersistentCachedRectInit  RectEncoding = 103
	CachedRectSeed            RectEncoding = 104
)

// MessageType identifies a top-level cache message sent outside of a
// FramebufferUpdate.
type MessageType uint8

const (
	PersistentCacheHashReport MessageType = 247
	PersistentHashList        MessageType = 248
	CacheEviction             MessageType = 250
	PersistentCacheEviction   MessageType = 251
	PersistentCacheQuery      MessageType = 252
	RequestCachedData         MessageType = 253
)

// MaxBatchBytes is the recommended upper bound on a single message's
// wire size (spec §6.2); callers should split eviction/query/hash-list
// batches so no message exceeds it.
const MaxBatchBytes = 64 * 1024

// EvictionChunkSize is the recommended item count per CacheEviction /
// PersistentCacheEviction message (spec §6.2 "chunks of 100").
const EvictionChunkSize = 100

// ErrProtocol is returned for malformed cache messages (wrong length,
// oversized count, invalid encoding); the caller must close the
// connection (spec §6.3, §7).
var ErrProtocol = errors.New("wire: protocol error")

// MaxCount is the largest item count a u16 count field can carry; the
// Write* functions reject larger batches instead of truncating the count.
const MaxCount = 1<<16 - 1

// Writer is the byte-oriented connection writer collaborator (spec §6.1).
type Writer interface {
	WriteU8(v uint8) error
	WriteU16(v uint16) error
	WriteU32(v uint32) error
	WriteU64(v uint64) error
	WriteBytes(b []byte) error
}

// Reader is the byte-oriented connection reader collaborator (spec §6.1).
type Reader interface {
	ReadU8() (uint8, error)
	ReadU16() (uint16, error)
	ReadU32() (uint32, error)
	ReadU64() (uint64, error)
	ReadBytes(n int) ([]byte, error)
	HasData(n int) bool
}

// ClearAll reports whether a reference names the special "clear all"
// sentinel: width=0, height=0, contentId=0 (spec §6.2).
func ClearAll(width, height uint32, contentID uint64) bool {
	return width == 0 && height == 0 && contentID == 0
}

func writeKey(w Writer, k cachekey.Key) error { return w.WriteBytes(k[:]) }

func readKey(r Reader) (cachekey.Key, error) {
	b, err := r.ReadBytes(cachekey.Size)
	if err != nil {
		return cachekey.Key{}, err
	}

	var k cachekey.Key

	copy(k[:], b)

	return k, nil
}

func wrapProto(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
