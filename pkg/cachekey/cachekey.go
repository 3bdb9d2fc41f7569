// Package cachekey implements the content hasher (C1): a canonical,
// deterministic 128-bit fingerprint of a rectangle's pixels.
package cachekey

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/rfbpixel"
)

// Size is the length in bytes of a CacheKey.
const Size = 16

// Key is a 16-byte content fingerprint computed over (width, height,
// canonical pixel stream). Width and height are part of the hashed
// domain so a dimension mismatch cannot collide with a different
// rectangle's key (spec §3).
type Key [Size]byte

// ErrEmptyRect is returned when hashing a zero-area rectangle, which is
// uncacheable by definition (spec §4.5).
var ErrEmptyRect = errors.New("cachekey: rectangle has zero area")

// String renders the key as hex, mostly useful for logging.
func (k Key) String() string { return fmt.Sprintf("%x", [Size]byte(k)) }

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k == Key{} }

// ContentID returns the 64-bit content identifier carried on the wire:
// the first 8 bytes of the key, reinterpreted as big-endian (spec §3).
func (k Key) ContentID() uint64 {
	return binary.BigEndian.Uint64(k[:8])
}

// HashRect computes the canonical CacheKey for rect as seen through pb.
// It hashes width, height, then each row of the canonical pixel stream
// row-tightly, excluding any stride padding. HashRect is deterministic,
// stateless and independent of pb's native pixel format: pb is expected
// to perform the conversion to rfbpixel.Canonical itself.
//
// HashRect fails only when reading the pixel buffer fails or the
// rectangle is empty; callers must treat both as "uncacheable", not as a
// fatal error (spec §4.1, §7).
func HashRect(pb rfbpixel.Buffer, rect rfbpixel.Rect) (Key, error) {
	if rect.Empty() {
		return Key{}, ErrEmptyRect
	}

	pixels, err := rfbpixel.CanonicalPixels(pb, rect)
	if err != nil {
		return Key{}, fmt.Errorf("cachekey: %w", err)
	}

	return hashCanonical(rect.W, rect.H, pixels), nil
}

// hashCanonical hashes an already-converted, tightly packed canonical
// pixel stream. It is split out from HashRect so storeSeed / insert
// paths that already hold canonical bytes can reuse it without a second
// buffer read (spec §3 "actualHash").
func hashCanonical(w, h int, canonicalPixels []byte) Key {
	h3 := blake3.New()

	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:4], uint32(w))
	binary.BigEndian.PutUint32(dims[4:8], uint32(h))
	h3.Write(dims[:])

	bpp := rfbpixel.Canonical.BytesPerPixel()
	rowLen := w * bpp

	for row := range h {
		off := row * rowLen
		h3.Write(canonicalPixels[off : off+rowLen])
	}

	sum := h3.Sum(nil) // 256 bits

	var k Key
	copy(k[:], sum[:Size])

	return k
}

// HashCanonicalPixels hashes a buffer the caller has already converted
// to the canonical domain (e.g. pixels the viewer just decoded). Used by
// the decode orchestrator to compute actualHash without re-reading the
// framebuffer (spec §4.6).
func HashCanonicalPixels(w, h int, canonicalPixels []byte) (Key, error) {
	if w <= 0 || h <= 0 {
		return Key{}, ErrEmptyRect
	}

	bpp := rfbpixel.Canonical.BytesPerPixel()
	if len(canonicalPixels) < w*h*bpp {
		return Key{}, fmt.Errorf("cachekey: short canonical buffer: have %d want %d", len(canonicalPixels), w*h*bpp)
	}

	return hashCanonical(w, h, canonicalPixels), nil
}

// SampleRate, when greater than 1, enables a large-rectangle sampling
// hash variant that hashes only every SampleRate-th row. It is defined
// for forward compatibility but disabled by default (SampleRate == 1)
// per spec §4.1/§9: its collision behaviour with respect to P4 has not
// been studied, so it must not be enabled without a dedicated review.
type SampleRate int

// Disabled is the default, full-fidelity hashing mode.
const Disabled SampleRate = 1

// HashRectSampled is the large-rectangle sampling variant described in
// spec §4.1. It is never called by any component in this module with a
// rate other than Disabled; it exists so the option is available behind
// an explicit, reviewed opt-in.
func HashRectSampled(pb rfbpixel.Buffer, rect rfbpixel.Rect, rate SampleRate) (Key, error) {
	if rate <= 1 {
		return HashRect(pb, rect)
	}

	if rect.Empty() {
		return Key{}, ErrEmptyRect
	}

	pixels, err := rfbpixel.CanonicalPixels(pb, rect)
	if err != nil {
		return Key{}, fmt.Errorf("cachekey: %w", err)
	}

	h3 := blake3.New()

	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:4], uint32(rect.W))
	binary.BigEndian.PutUint32(dims[4:8], uint32(rect.H))
	h3.Write(dims[:])

	bpp := rfbpixel.Canonical.BytesPerPixel()
	rowLen := rect.W * bpp

	for row := 0; row < rect.H; row += int(rate) {
		off := row * rowLen
		h3.Write(pixels[off : off+rowLen])
	}

	sum := h3.Sum(nil)

	var k Key
	copy(k[:], sum[:Size])

	return k, nil
}
