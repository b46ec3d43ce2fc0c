package upscale

import (
	"context"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/hazyhaar/lanterne/frame"
)

// Kernel selects the resampling filter used by DrawScaler.
type Kernel string

const (
	// KernelQuality uses Catmull-Rom resampling. Sharper, a few hundred
	// milliseconds for a 1024px source.
	KernelQuality Kernel = "quality"
	// KernelFast uses approximate bilinear resampling. Tens of
	// milliseconds; the choice when the consumer cannot tolerate latency
	// spikes.
	KernelFast Kernel = "fast"
)

// DrawScaler upscales with a pure-Go resampling kernel. Always available.
type DrawScaler struct {
	kernel Kernel
}

// NewDrawScaler creates a scaler with the given kernel.
func NewDrawScaler(kernel Kernel) *DrawScaler {
	return &DrawScaler{kernel: kernel}
}

// Name implements Upscaler.
func (s *DrawScaler) Name() string { return "draw-" + string(s.kernel) }

// Upscale implements Upscaler.
func (s *DrawScaler) Upscale(ctx context.Context, buf *frame.PixelBuffer, scale int) (*frame.PixelBuffer, error) {
	if scale < 1 {
		return nil, fmt.Errorf("upscale: invalid scale %d", scale)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, buf.Width*scale, buf.Height*scale))
	var scaler xdraw.Scaler
	switch s.kernel {
	case KernelQuality:
		scaler = xdraw.CatmullRom
	default:
		scaler = xdraw.ApproxBiLinear
	}
	scaler.Scale(dst, dst.Bounds(), buf.RGBA(), buf.RGBA().Bounds(), xdraw.Src, nil)

	return &frame.PixelBuffer{
		Pix:    dst.Pix,
		Width:  dst.Rect.Dx(),
		Height: dst.Rect.Dy(),
		Format: frame.FormatRGBA,
	}, nil
}
