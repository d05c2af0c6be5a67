package imaging

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for pixel formats this package cannot convert.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	// ErrUnsupportedExt is returned when an output file extension has no encoder.
	ErrUnsupportedExt = errors.New("unsupported image file extension")
	// ErrShortBuffer is returned when a frame holds fewer bytes than its geometry needs.
	ErrShortBuffer = errors.New("frame buffer too short")
)

// PixelFormat names a camera buffer layout using libcamera (DRM fourcc) names.
// The names describe a little-endian word, so the byte order in memory is
// reversed: BGR888 stores R, G, B for each pixel.
type PixelFormat string

const (
	BGR888   PixelFormat = "BGR888"   // 24 bpp, memory order R, G, B
	RGB888   PixelFormat = "RGB888"   // 24 bpp, memory order B, G, R
	XBGR8888 PixelFormat = "XBGR8888" // 32 bpp, memory order R, G, B, X
	XRGB8888 PixelFormat = "XRGB8888" // 32 bpp, memory order B, G, R, X
	YUV420   PixelFormat = "YUV420"   // planar I420: Y, then U and V at half resolution
)

// Formats lists every supported pixel format.
var Formats = []PixelFormat{BGR888, RGB888, XBGR8888, XRGB8888, YUV420}

// ParsePixelFormat parses a format name case-insensitively.
func ParsePixelFormat(s string) (PixelFormat, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, f := range Formats {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

func (f PixelFormat) String() string { return string(f) }

// Valid reports whether f is one of the supported formats.
func (f PixelFormat) Valid() bool {
	_, err := ParsePixelFormat(string(f))
	return err == nil
}

// Planar reports whether the format stores its components in separate planes.
func (f PixelFormat) Planar() bool { return f == YUV420 }

// BytesPerPixel returns the packed pixel size, or 0 for planar formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case BGR888, RGB888:
		return 3
	case XBGR8888, XRGB8888:
		return 4
	default:
		return 0
	}
}

// MinStride returns the smallest row stride, in bytes, for width pixels.
// For YUV420 it is the stride of the luma plane.
func (f PixelFormat) MinStride(width int) int {
	if f.Planar() {
		return width
	}
	return width * f.BytesPerPixel()
}

// FrameSize returns the number of bytes a frame of this geometry occupies.
func (f PixelFormat) FrameSize(width, height, stride int) int {
	if f.Planar() {
		cStride := (stride + 1) / 2
		cHeight := (height + 1) / 2
		return stride*height + 2*cStride*cHeight
	}
	return stride * height
}

// channelOffsets returns the byte offsets of R, G and B inside a packed pixel.
func (f PixelFormat) channelOffsets() (r, g, b int, err error) {
	switch f {
	case BGR888, XBGR8888:
		return 0, 1, 2, nil
	case RGB888, XRGB8888:
		return 2, 1, 0, nil
	default:
		return 0, 0, 0, fmt.Errorf("%w: %s is not packed RGB", ErrUnsupportedFormat, f)
	}
}
