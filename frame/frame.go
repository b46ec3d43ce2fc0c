// Package frame defines the pixel buffer and generated-image types shared by
// the generation pipeline, the on-disk cache and the morph player.
//
// A PixelBuffer is immutable once constructed: it is shared by pointer
// between cache, queue and compositor and MUST NOT be mutated after
// publication. The same contract applies to Image.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"time"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"
)

// Format tags the sample layout of a PixelBuffer.
type Format string

const (
	// FormatRGBA is 8-bit RGBA, 4 bytes per pixel, row-major.
	FormatRGBA Format = "rgba8"
)

// PixelBuffer is an owned, fixed-resolution grid of pixel samples.
type PixelBuffer struct {
	Pix    []byte
	Width  int
	Height int
	Format Format
}

// NewPixelBuffer allocates a zeroed RGBA buffer of the given dimensions.
func NewPixelBuffer(width, height int) *PixelBuffer {
	return &PixelBuffer{
		Pix:    make([]byte, width*height*4),
		Width:  width,
		Height: height,
		Format: FormatRGBA,
	}
}

// FromImage copies a decoded image into a PixelBuffer.
func FromImage(src image.Image) *PixelBuffer {
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	return &PixelBuffer{
		Pix:    rgba.Pix,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: FormatRGBA,
	}
}

// RGBA returns an image.RGBA view over the buffer's pixels. The returned
// image aliases Pix; treat it as read-only.
func (p *PixelBuffer) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    p.Pix,
		Stride: p.Width * 4,
		Rect:   image.Rect(0, 0, p.Width, p.Height),
	}
}

// Image is one generated picture: decoded pixels plus the encoded bytes it
// arrived in (kept so the cache can persist without re-encoding).
type Image struct {
	ID        string
	Buffer    *PixelBuffer
	Encoded   []byte // optional; nil when loaded lazily or synthesised
	CreatedAt time.Time
	Prompt    string
}

// Decode parses encoded image bytes (png, jpeg, gif or webp) into a
// PixelBuffer.
func Decode(encoded []byte) (*PixelBuffer, error) {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("frame: decode: %w", err)
	}
	return FromImage(img), nil
}

// EncodePNG serialises a PixelBuffer to PNG bytes. Used when an image was
// produced in memory (upscaled) and has no original encoding to persist.
func EncodePNG(p *PixelBuffer) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, p.RGBA()); err != nil {
		return nil, fmt.Errorf("frame: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
