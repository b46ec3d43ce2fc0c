// Package engine coordinates the full visual pipeline: the generation queue,
// the image cache, the morph player and the frame handoff. It owns their
// lifecycles and drives the advance schedule from a wall-clock interval and
// the mood of the audio engine.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/lanterne/dbopen"
	"github.com/hazyhaar/lanterne/frame"
	"github.com/hazyhaar/lanterne/imagecache"
	"github.com/hazyhaar/lanterne/imagegen"
	"github.com/hazyhaar/lanterne/morph"
	"github.com/hazyhaar/lanterne/observability"
	"github.com/hazyhaar/lanterne/queue"
	"github.com/hazyhaar/lanterne/upscale"
)

// defaultTickInterval is the compositor publish cadence, roughly 60 Hz.
const defaultTickInterval = 16 * time.Millisecond

// Engine wires the pipeline together and runs the advance/publish loops.
type Engine struct {
	cfg     *Config
	logger  *slog.Logger
	mood    MoodSource
	events  *observability.EventLogger
	metrics *observability.MetricsManager

	genOverride queue.Generator
	tickEvery   time.Duration

	cacheDB *sql.DB
	store   *imagecache.Store
	queue   *queue.Queue
	player  *morph.Player
	handoff *morph.Handoff

	upscalerName string

	moodMu   sync.Mutex
	lastMood MoodSnapshot

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMoodSource wires the audio engine's mood feed. Without it the engine
// uses a fixed mid-range mood.
func WithMoodSource(src MoodSource) Option {
	return func(e *Engine) { e.mood = src }
}

// WithEventLogger wires pipeline events to the observability store.
func WithEventLogger(el *observability.EventLogger) Option {
	return func(e *Engine) { e.events = el }
}

// WithMetrics wires periodic gauge recording to the observability store.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(e *Engine) { e.metrics = mm }
}

// WithGenerator replaces the remote generation client (for testing).
func WithGenerator(gen queue.Generator) Option {
	return func(e *Engine) { e.genOverride = gen }
}

// WithTickInterval overrides the publish cadence (for testing).
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) { e.tickEvery = d }
}

// New builds the pipeline from cfg: opens the cache index, probes the
// upscale strategy, and wires generator, cache, queue, player and handoff.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    slog.Default(),
		mood:      staticMood{},
		tickEvery: defaultTickInterval,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}

	ups, profile, persistUpscaled, err := e.resolveUpscaler()
	if err != nil {
		return nil, err
	}

	cacheDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "cache.db"),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(imagecache.Schema))
	if err != nil {
		return nil, fmt.Errorf("engine: open cache index: %w", err)
	}
	e.cacheDB = cacheDB

	storeOpts := []imagecache.StoreOption{imagecache.WithLogger(e.logger)}
	if e.events != nil {
		storeOpts = append(storeOpts, imagecache.WithCorruptHook(
			func(ctx context.Context, imageID, reason string) {
				e.events.LogEvent(ctx, observability.Event{
					Type:      observability.EventCacheCorruptSkip,
					Component: "imagecache",
					ImageID:   imageID,
					Detail:    reason,
					Success:   false,
				})
			}))
	}
	store, err := imagecache.NewStore(cacheDB,
		filepath.Join(cfg.DataDir, "images"), profile, storeOpts...)
	if err != nil {
		cacheDB.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.store = store

	gen := e.genOverride
	if gen == nil && !cfg.CacheOnly {
		gen = imagegen.New(cfg.Remote.BaseURL, cfg.Remote.APIKey,
			cfg.Remote.Model, cfg.Remote.Size,
			imagegen.WithLogger(e.logger))
	}

	qopts := []queue.QueueOption{queue.WithLogger(e.logger)}
	if e.events != nil {
		qopts = append(qopts, queue.WithEventLogger(e.events))
	}
	e.queue = queue.New(queue.Config{
		Depth:           cfg.BufferDepth,
		CacheOnly:       cfg.CacheOnly,
		UpscaleScale:    cfg.Upscale.Scale,
		PersistUpscaled: persistUpscaled,
	}, gen, ups, store, e.nextPrompt, qopts...)

	e.handoff = morph.NewHandoff()
	e.player = morph.NewPlayer(e.queue, e.handoff, morph.WithLogger(e.logger))

	e.logger.Info("pipeline assembled",
		"profile", profile,
		"upscaler", e.upscalerName,
		"cache_only", cfg.CacheOnly,
		"depth", cfg.BufferDepth)
	return e, nil
}

// resolveUpscaler probes for the configured strategy. The model binary being
// present selects the persist-upscaled profile; otherwise the fast kernel
// runs per display and the cache keeps originals.
func (e *Engine) resolveUpscaler() (queue.Upscaler, imagecache.Profile, bool, error) {
	hook := func(ctx context.Context, strategy string, err error) {
		if e.events != nil {
			e.events.LogEvent(ctx, observability.Event{
				Type:      observability.EventUpscaleFallback,
				Component: "upscale",
				Detail:    strategy + ": " + err.Error(),
				Success:   false,
			})
		}
	}
	wrap := func(inner upscale.Upscaler) *upscale.Graceful {
		e.upscalerName = inner.Name()
		return upscale.NewGraceful(inner,
			upscale.WithFallbackHook(hook),
			upscale.WithLogger(e.logger))
	}

	switch e.cfg.Upscale.Mode {
	case "off":
		e.upscalerName = "off"
		return nil, imagecache.ProfileRawOriginal, false, nil

	case "fast":
		return wrap(upscale.NewDrawScaler(upscale.KernelFast)),
			imagecache.ProfileRawOriginal, false, nil

	case "model":
		binary, err := upscale.DetectModelBinary(e.cfg.Upscale.ModelBinary)
		if err != nil {
			return nil, "", false, fmt.Errorf("engine: upscale.mode=model: %w", err)
		}
		m, err := upscale.NewModelUpscaler(binary, filepath.Join(e.cfg.DataDir, "work"))
		if err != nil {
			return nil, "", false, fmt.Errorf("engine: %w", err)
		}
		return wrap(m), imagecache.ProfileUpscaledFinal, true, nil

	default: // auto
		binary, err := upscale.DetectModelBinary(e.cfg.Upscale.ModelBinary)
		if err == nil {
			m, merr := upscale.NewModelUpscaler(binary, filepath.Join(e.cfg.DataDir, "work"))
			if merr == nil {
				e.logger.Info("model upscaler detected", "binary", binary)
				return wrap(m), imagecache.ProfileUpscaledFinal, true, nil
			}
			err = merr
		}
		e.logger.Info("model upscaler unavailable, using fast kernel", "reason", err)
		return wrap(upscale.NewDrawScaler(upscale.KernelFast)),
			imagecache.ProfileRawOriginal, false, nil
	}
}

// nextPrompt derives the prompt for the next generation from the mood at
// request time.
func (e *Engine) nextPrompt() string {
	return buildPrompt(e.cfg.Theme, e.mood.Mood())
}

// Start launches the queue and the advance/publish loop, displaying the
// first frame immediately. The only fatal condition is a cache-only start
// with an empty cache.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.queue.Start(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.moodMu.Lock()
	e.lastMood = e.mood.Mood()
	e.moodMu.Unlock()

	if err := e.player.Advance(ctx); err != nil {
		e.queue.Close()
		return fmt.Errorf("engine: first frame: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true
	go e.run(lctx)

	e.logger.Info("engine started", "image_interval", e.cfg.ImageInterval)
	return nil
}

// run is the scheduling loop: publish ticks at the compositor cadence, and
// advance on the fixed interval or when the mood drifts past the threshold.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	publish := time.NewTicker(e.tickEvery)
	defer publish.Stop()
	interval := time.NewTicker(e.cfg.ImageInterval)
	defer interval.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-publish.C:
			e.player.Tick(now)
			if e.moodShifted() {
				e.advance(ctx, "mood")
				interval.Reset(e.cfg.ImageInterval)
			}

		case <-interval.C:
			e.advance(ctx, "interval")
		}
	}
}

// moodShifted reports whether the mood has drifted past the configured
// threshold since the last advance. Checked at publish cadence; cheap.
func (e *Engine) moodShifted() bool {
	if e.cfg.MoodDeltaThreshold <= 0 {
		return false
	}
	if e.player.State() == morph.PlayerTransitioning {
		return false
	}
	m := e.mood.Mood()
	e.moodMu.Lock()
	defer e.moodMu.Unlock()
	return m.Delta(e.lastMood) >= e.cfg.MoodDeltaThreshold
}

func (e *Engine) advance(ctx context.Context, trigger string) {
	if err := e.player.Advance(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("advance failed", "trigger", trigger, "error", err)
		}
		return
	}
	e.moodMu.Lock()
	e.lastMood = e.mood.Mood()
	e.moodMu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordSimple("queue_depth", float64(e.queue.Depth()), "images")
	}
	e.logger.Debug("advanced", "trigger", trigger)
}

// Close stops the scheduling loop and the queue, then releases the cache
// index. Safe to call once after a successful Start.
func (e *Engine) Close() error {
	if e.started {
		e.cancel()
		<-e.done
		e.queue.Close()
	}
	if e.cacheDB != nil {
		return e.cacheDB.Close()
	}
	return nil
}

// Handoff returns the frame handoff the compositor reads from.
func (e *Engine) Handoff() *morph.Handoff { return e.handoff }

// CurrentFrame returns the frame currently displayed, nil before the first
// advance.
func (e *Engine) CurrentFrame() *frame.Image { return e.player.Current() }

// Stats is a point-in-time snapshot of pipeline state for the status server.
type Stats struct {
	Queue    queue.Stats `json:"queue"`
	Player   string      `json:"player"`
	Profile  string      `json:"profile"`
	Upscaler string      `json:"upscaler"`
}

// Stats snapshots pipeline state.
func (e *Engine) Stats() Stats {
	return Stats{
		Queue:    e.queue.Stats(),
		Player:   e.player.State().String(),
		Profile:  string(e.store.Profile()),
		Upscaler: e.upscalerName,
	}
}
