// Package rfbpixel defines the pixel and rectangle types shared by the
// cache subsystem, along with conversion to and from the canonical
// on-disk pixel domain.
//
// The remote-framebuffer transport, the concrete pixel encodings and the
// framebuffer itself are external collaborators (see spec §6.1); this
// package only describes the interfaces the cache consumes from them and
// the canonical domain the cache hashes and stores pixels in.
package rfbpixel

import "fmt"

// Rect is a screen-space rectangle in pixels.
type Rect struct {
	X, Y int
	W, H int
}

// Area returns the number of pixels covered by the rectangle.
func (r Rect) Area() int { return r.W * r.H }

// Empty reports whether the rectangle covers zero pixels.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Intersects reports whether r and o share at least one pixel.
func (r Rect) Intersects(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}

	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// Intersect returns the overlapping region of r and o, which is empty if
// they do not intersect.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)

	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}

	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Format describes a viewer-local pixel format, mirroring the RFB
// PixelFormat wire structure.
type Format struct {
	BitsPerPixel int
	Depth        int
	BigEndian    bool
	TrueColour   bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// BytesPerPixel returns the number of bytes one pixel occupies in this
// format.
func (f Format) BytesPerPixel() int { return (f.BitsPerPixel + 7) / 8 }

// Canonical is the fixed pixel domain that all hashing and on-disk
// storage operates in: 32 bits per pixel, 24-bit depth, little-endian,
// true-colour, a fixed R/G/B byte order (spec §3).
var Canonical = Format{
	BitsPerPixel: 32,
	Depth:        24,
	BigEndian:    false,
	TrueColour:   true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     0,
	GreenShift:   8,
	BlueShift:    16,
}

// Buffer is the pixel-buffer interface the cache consumes from the
// framebuffer collaborator. Dimensions are in pixels; stride is in
// pixels, never bytes (spec §6.1).
type Buffer interface {
	// GetImage copies the rectangle rect, converted to format, into dst.
	// dstStrideInPixels gives the row stride of dst in pixels.
	GetImage(format Format, dst []byte, rect Rect, dstStrideInPixels int) error

	// PutImage writes src, already in format, into the framebuffer at
	// rect. Used only for cache-hit blits (spec §4.6 "on hit, blit");
	// normal decoded rectangles are written by the registered decoder
	// itself and never go through this path.
	PutImage(format Format, src []byte, rect Rect, srcStrideInPixels int) error

	// GetRect returns the bounds of the whole framebuffer.
	GetRect() Rect
}

// Summary packs the handful of format bits the on-disk index needs to
// recall without storing a full Format (spec §4.4 pixelFormatSummary).
type Summary uint8

const (
	summaryBigEndian  Summary = 1 << 0
	summaryTrueColour Summary = 1 << 1
)

// Pack compresses a Format into a Summary byte plus the raw bits-per-pixel,
// which callers store alongside it (the index's own bpp field).
func Pack(f Format) Summary {
	var s Summary
	if f.BigEndian {
		s |= summaryBigEndian
	}

	if f.TrueColour {
		s |= summaryTrueColour
	}

	return s
}

// Unpack expands a Summary and a bits-per-pixel value back into a Format
// sufficient for cache bookkeeping (shift/max fields are not recoverable
// and are left at the Canonical defaults, which is correct since only
// canonical-domain pixels are ever read back from disk).
func (s Summary) Unpack(bpp, depth int) Format {
	f := Canonical
	f.BitsPerPixel = bpp
	f.Depth = depth
	f.BigEndian = s&summaryBigEndian != 0
	f.TrueColour = s&summaryTrueColour != 0

	return f
}

// CanonicalPixels reads rect from pb, converts it to the Canonical
// format and returns a tightly packed (stride == rect.W) byte slice.
func CanonicalPixels(pb Buffer, rect Rect) ([]byte, error) {
	if rect.Empty() {
		return nil, fmt.Errorf("rfbpixel: empty rect %+v", rect)
	}

	buf := make([]byte, rect.W*rect.H*Canonical.BytesPerPixel())
	if err := pb.GetImage(Canonical, buf, rect, rect.W); err != nil {
		return nil, fmt.Errorf("rfbpixel: error reading canonical pixels: %w", err)
	}

	return buf, nil
}
