package wsa

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Format is a DRM fourcc pixel format, passed through to wl_drm unchanged.
type Format uint32

// Formats from drm_fourcc.h. Names give channel order from the most
// significant bit of a little-endian word.
const (
	FormatR8          Format = 'R' | '8'<<8 | ' '<<16 | ' '<<24
	FormatRGB565      Format = 'R' | 'G'<<8 | '1'<<16 | '6'<<24
	FormatXRGB8888    Format = 'X' | 'R'<<8 | '2'<<16 | '4'<<24
	FormatARGB8888    Format = 'A' | 'R'<<8 | '2'<<16 | '4'<<24
	FormatXBGR8888    Format = 'X' | 'B'<<8 | '2'<<16 | '4'<<24
	FormatABGR8888    Format = 'A' | 'B'<<8 | '2'<<16 | '4'<<24
	FormatXRGB2101010 Format = 'X' | 'R'<<8 | '3'<<16 | '0'<<24
	FormatARGB2101010 Format = 'A' | 'R'<<8 | '3'<<16 | '0'<<24
)

// String returns the four character code, e.g. "XR24".
func (f Format) String() string {
	b := [4]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("Format(0x%08x)", uint32(f))
		}
	}
	return string(b[:])
}

// FormatFromTexture returns the DRM format with the same memory layout as a
// WebGPU texture format. opaque selects the X variant for formats with an
// alpha channel the compositor should ignore.
func FormatFromTexture(tf gputypes.TextureFormat, opaque bool) (Format, bool) {
	switch tf {
	case gputypes.TextureFormatBGRA8Unorm:
		if opaque {
			return FormatXRGB8888, true
		}
		return FormatARGB8888, true
	case gputypes.TextureFormatRGBA8Unorm:
		if opaque {
			return FormatXBGR8888, true
		}
		return FormatABGR8888, true
	case gputypes.TextureFormatR8Unorm:
		return FormatR8, true
	}
	return 0, false
}

// MarshalText encodes the format as its four character code.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}
