// Command lanternview runs the pipeline with a local window, compositing the
// crossfade on screen. The window reads the latest frame triple and blends
// the target over the source at the published progress; it never blocks the
// pipeline.
//
// Usage:
//
//	lanternview -config lanterne.yaml
//	lanternview -config lanterne.yaml -cache-only
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hajimehoshi/ebiten/v2"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/lanterne/engine"
	"github.com/hazyhaar/lanterne/frame"
	"github.com/hazyhaar/lanterne/morph"
)

func main() {
	configPath := flag.String("config", "lanterne.yaml", "path to config file")
	cacheOnly := flag.Bool("cache-only", false, "serve cached images only, no generation")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *cacheOnly); err != nil {
		logger.Error("lanternview: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, cacheOnly bool) error {
	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cacheOnly {
		cfg.CacheOnly = true
	}

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	ebiten.SetWindowSize(1280, 720)
	ebiten.SetWindowTitle("lanterne")
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	return ebiten.RunGame(&viewer{ctx: ctx, handoff: eng.Handoff()})
}

// viewer is the compositor: it samples the latest published triple each frame
// and draws the source with the target alpha-blended on top.
type viewer struct {
	ctx     context.Context
	handoff *morph.Handoff

	fromID, toID string
	from, to     *ebiten.Image
}

func (v *viewer) Update() error {
	if v.ctx.Err() != nil {
		return ebiten.Termination
	}
	return nil
}

func (v *viewer) Draw(screen *ebiten.Image) {
	tr, ok := v.handoff.Latest()
	if !ok {
		return
	}

	// GPU textures are cached per image ID; a triple keeps the same two
	// endpoints for the whole transition.
	if tr.From.ID != v.fromID {
		v.from = textureFor(tr.From)
		v.fromID = tr.From.ID
	}
	if tr.To.ID != v.toID {
		v.to = textureFor(tr.To)
		v.toID = tr.To.ID
	}

	drawFitted(screen, v.from, 1)
	if tr.Progress > 0 && tr.To.ID != tr.From.ID {
		drawFitted(screen, v.to, float32(tr.Progress))
	}
}

func (v *viewer) Layout(outsideWidth, outsideHeight int) (int, int) {
	return outsideWidth, outsideHeight
}

func textureFor(img *frame.Image) *ebiten.Image {
	return ebiten.NewImageFromImage(img.Buffer.RGBA())
}

// drawFitted letterboxes img into the screen, centred, at the given alpha.
func drawFitted(screen, img *ebiten.Image, alpha float32) {
	if img == nil {
		return
	}
	sw, sh := screen.Bounds().Dx(), screen.Bounds().Dy()
	iw, ih := img.Bounds().Dx(), img.Bounds().Dy()
	if iw == 0 || ih == 0 {
		return
	}

	scale := float64(sw) / float64(iw)
	if s := float64(sh) / float64(ih); s < scale {
		scale = s
	}

	op := &ebiten.DrawImageOptions{}
	op.Filter = ebiten.FilterLinear
	op.GeoM.Scale(scale, scale)
	op.GeoM.Translate(
		(float64(sw)-float64(iw)*scale)/2,
		(float64(sh)-float64(ih)*scale)/2,
	)
	op.ColorScale.ScaleAlpha(alpha)
	screen.DrawImage(img, op)
}
