// Package upscale transforms pixel buffers to a higher resolution.
//
// Two interchangeable strategies exist, selected by a deployment capability
// probe at startup:
//
//   - ModelUpscaler shells out to an external super-resolution model binary.
//     Seconds of latency, highest quality. Chosen when the binary is present.
//   - DrawScaler is a pure-Go resampling kernel. Sub-second, always
//     available, slightly lower quality.
//
// Both run synchronously inside the background pipeline and must never be
// called from the render domain.
//
// Failure policy: an upscaler that cannot do its job returns an error; the
// Graceful wrapper converts that into an identity fallback (original buffer
// returned unscaled) and reports it through the fallback hook. The fallback
// is observable by contract — never silent.
package upscale

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/lanterne/frame"
)

// ErrModelUnavailable indicates the model binary was not found or refused
// to run. Recovered by the Graceful wrapper, never surfaced to callers.
var ErrModelUnavailable = errors.New("upscale: model unavailable")

// Upscaler transforms a pixel buffer to scale× its resolution.
type Upscaler interface {
	// Name identifies the strategy ("model", "draw-quality", "draw-fast").
	Name() string
	Upscale(ctx context.Context, buf *frame.PixelBuffer, scale int) (*frame.PixelBuffer, error)
}

// FallbackFunc is invoked whenever an upscale falls back to the original
// buffer. Wired to the observability event log by the engine.
type FallbackFunc func(ctx context.Context, strategy string, err error)

// Graceful wraps an Upscaler with the pipeline's degradation policy: on any
// failure it returns the original buffer unscaled and reports the fallback.
type Graceful struct {
	inner      Upscaler
	onFallback FallbackFunc
	logger     *slog.Logger
}

// GracefulOption configures a Graceful wrapper.
type GracefulOption func(*Graceful)

// WithFallbackHook sets the hook called on every identity fallback.
func WithFallbackHook(fn FallbackFunc) GracefulOption {
	return func(g *Graceful) { g.onFallback = fn }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) GracefulOption {
	return func(g *Graceful) { g.logger = l }
}

// NewGraceful wraps inner with the identity-fallback policy.
func NewGraceful(inner Upscaler, opts ...GracefulOption) *Graceful {
	g := &Graceful{
		inner:  inner,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Name returns the wrapped strategy's name.
func (g *Graceful) Name() string { return g.inner.Name() }

// Upscale never fails: on error the original buffer is returned unchanged
// and the fallback hook fires.
func (g *Graceful) Upscale(ctx context.Context, buf *frame.PixelBuffer, scale int) *frame.PixelBuffer {
	if scale <= 1 {
		return buf
	}
	out, err := g.inner.Upscale(ctx, buf, scale)
	if err != nil {
		g.logger.Warn("upscale fell back to original buffer",
			"strategy", g.inner.Name(), "scale", scale, "error", err)
		if g.onFallback != nil {
			g.onFallback(ctx, g.inner.Name(), err)
		}
		return buf
	}
	return out
}
