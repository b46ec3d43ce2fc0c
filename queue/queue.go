// Package queue owns the look-ahead buffer of ready-to-display images and
// drives the background generation pipeline that keeps it full.
//
// One refill goroutine runs at most ONE generation pipeline at a time
// (admission control: this bounds concurrent network and model load and
// avoids duplicate work). Refill signals arriving while a pipeline is in
// flight are coalesced into a single wake-up.
//
// All failure handling lives here, in one decision table:
//
//	generation fails     → retry with exponential backoff, bounded attempts
//	retries exhausted    → replay the least-recently-used cached image
//	cache write fails    → warn + record event, image still served
//	buffer empty on take → blocking underrun, recorded as a degenerate event
//
// Nothing in this package is allowed to propagate an error into the render
// domain; the buffer is never left empty while any cached image exists.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/lanterne/frame"
	"github.com/hazyhaar/lanterne/observability"
)

// ErrClosed is returned by TakeNext after Close.
var ErrClosed = errors.New("queue: closed")

// ErrNoCachedImages is the single fatal startup condition: cache-only mode
// with nothing ever cached means there is nothing that could be displayed.
var ErrNoCachedImages = errors.New("queue: cache-only mode with an empty cache")

// Generator produces one image per call. Satisfied by *imagegen.Client.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*frame.Image, error)
}

// Upscaler is the graceful (never-failing) upscale contract. Satisfied by
// *upscale.Graceful.
type Upscaler interface {
	Name() string
	Upscale(ctx context.Context, buf *frame.PixelBuffer, scale int) *frame.PixelBuffer
}

// Cache is the durable image store contract. Satisfied by *imagecache.Store.
// LoadRecent returns the newest limit entries in creation order; limit <= 0
// loads everything.
type Cache interface {
	Save(ctx context.Context, img *frame.Image) error
	LoadRecent(ctx context.Context, limit int) ([]*frame.Image, error)
}

// PromptFunc supplies the prompt for the next generation request. The engine
// wires this to its mood-derived prompt builder; the queue itself knows
// nothing about prompts.
type PromptFunc func() string

// State is the admission-control state of the refill pipeline.
type State int32

const (
	StateIdle State = iota
	StateGenerating
)

func (s State) String() string {
	if s == StateGenerating {
		return "generating"
	}
	return "idle"
}

// Config controls queue behaviour.
type Config struct {
	// Depth is the look-ahead buffer capacity N. Default: 3.
	Depth int
	// CacheOnly skips generation entirely and cycles cached images.
	CacheOnly bool
	// MaxAttempts bounds generation retries per refill. Default: 4.
	MaxAttempts int
	// BaseBackoff is the initial retry wait, doubled per attempt. Default: 2s.
	BaseBackoff time.Duration
	// UpscaleScale is the factor handed to the upscaler. 0 or 1 skips
	// upscaling.
	UpscaleScale int
	// PersistUpscaled selects what the cache stores: true persists the
	// upscaled pixels (large cache, slow upscale once); false persists the
	// original encoded bytes and upscales the in-memory copy only (small
	// cache, fast upscale per load).
	PersistUpscaled bool
	// ReplayWindow bounds the in-memory replay pool: only the newest N
	// images stay resident for failure replay. The on-disk cache is
	// unbounded; this caps RAM only. Ignored in cache-only mode, where the
	// whole library is the point. Default: 32.
	ReplayWindow int
}

func (c *Config) defaults() {
	if c.Depth <= 0 {
		c.Depth = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = 32
	}
}

// Stats is a point-in-time snapshot of queue behaviour.
type Stats struct {
	Depth     int
	State     State
	Generated uint64
	Replayed  uint64
	Underruns uint64
	Retries   uint64
	Failures  uint64
}

// Queue maintains the look-ahead buffer.
type Queue struct {
	cfg    Config
	gen    Generator
	ups    Upscaler
	cache  Cache
	prompt PromptFunc
	logger *slog.Logger
	events *observability.EventLogger

	images chan *frame.Image // the look-ahead buffer; cap == Depth
	wake   chan struct{}     // refill signal, cap 1: concurrent kicks coalesce

	mu        sync.Mutex
	replay    []*frame.Image // cached images for cycling and failure replay
	replayIdx int

	state     atomic.Int32
	generated atomic.Uint64
	replayed  atomic.Uint64
	underruns atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64

	lifecycleCancel context.CancelFunc
	done            chan struct{}
	started         bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithEventLogger wires degenerate-path events (underruns, retries,
// replays) to the observability store.
func WithEventLogger(el *observability.EventLogger) QueueOption {
	return func(q *Queue) { q.events = el }
}

// New creates a Queue. gen and ups may be nil in cache-only mode.
func New(cfg Config, gen Generator, ups Upscaler, cache Cache, prompt PromptFunc, opts ...QueueOption) *Queue {
	cfg.defaults()
	q := &Queue{
		cfg:    cfg,
		gen:    gen,
		ups:    ups,
		cache:  cache,
		prompt: prompt,
		logger: slog.Default(),
		images: make(chan *frame.Image, cfg.Depth),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start pre-warms the buffer from the cache and launches the refill loop.
// It returns ErrNoCachedImages when cache-only mode has nothing to play.
func (q *Queue) Start(ctx context.Context) error {
	limit := q.cfg.ReplayWindow
	if q.cfg.CacheOnly {
		limit = 0 // cycling mode replays the whole library
	}
	cached, err := q.cache.LoadRecent(ctx, limit)
	if err != nil {
		return fmt.Errorf("queue: prewarm: %w", err)
	}
	q.mu.Lock()
	q.replay = cached
	q.mu.Unlock()

	if q.cfg.CacheOnly && len(cached) == 0 {
		return ErrNoCachedImages
	}

	// Seed the buffer with cached images so playback can begin before the
	// first generation completes. One pass over the pool at most: duplicates
	// would occupy slots the refill pipeline should fill with fresh images.
	for range min(q.cfg.Depth, len(cached)) {
		img := q.replayNext()
		if img == nil {
			break
		}
		select {
		case q.images <- img:
		default:
		}
	}

	lctx, cancel := context.WithCancel(context.Background())
	q.lifecycleCancel = cancel
	q.started = true
	go q.refillLoop(lctx)
	q.kick()

	q.logger.Info("queue started",
		"depth", q.cfg.Depth,
		"cache_only", q.cfg.CacheOnly,
		"prewarmed", len(cached))
	return nil
}

// Close stops the refill loop and cancels any in-flight generation. Safe to
// call once after Start.
func (q *Queue) Close() {
	if !q.started {
		return
	}
	q.lifecycleCancel()
	<-q.done
	// The refill loop has exited; closing the buffer unblocks any consumer
	// waiting in TakeNext.
	close(q.images)
}

// TakeNext removes and returns the head of the buffer. It blocks only when
// the buffer is empty — the rare, logged underrun case — and unblocks on ctx
// cancellation or Close.
func (q *Queue) TakeNext(ctx context.Context) (*frame.Image, error) {
	select {
	case img, ok := <-q.images:
		if !ok {
			return nil, ErrClosed
		}
		q.kick()
		return img, nil
	default:
	}

	// Buffer empty: the one place consumer latency is exposed.
	q.underruns.Add(1)
	q.logger.Warn("look-ahead buffer underrun")
	if q.events != nil {
		q.events.LogEvent(ctx, observability.Event{
			Type:      observability.EventBufferUnderrun,
			Component: "queue",
			Success:   false,
		})
	}
	q.kick()

	select {
	case img, ok := <-q.images:
		if !ok {
			return nil, ErrClosed
		}
		q.kick()
		return img, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Depth returns the current buffer length.
func (q *Queue) Depth() int { return len(q.images) }

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:     len(q.images),
		State:     State(q.state.Load()),
		Generated: q.generated.Load(),
		Replayed:  q.replayed.Load(),
		Underruns: q.underruns.Load(),
		Retries:   q.retries.Load(),
		Failures:  q.failures.Load(),
	}
}

// kick signals the refill loop. Non-blocking: a signal arriving while one is
// already pending is a no-op, which is what coalesces duplicate refill
// requests.
func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) refillLoop(ctx context.Context) {
	defer close(q.done)
	for {
		if len(q.images) >= q.cfg.Depth {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		img := q.nextImage(ctx)
		if img == nil {
			if ctx.Err() != nil {
				return
			}
			// Nothing generatable and nothing to replay; wait before the
			// next cycle instead of spinning.
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.BaseBackoff):
			}
			continue
		}

		select {
		case q.images <- img:
		case <-ctx.Done():
			return
		}
	}
}

// nextImage produces exactly one image: by cycling the cache in cache-only
// mode, otherwise by running one bounded-retry generation pipeline with
// cached replay as the terminal fallback. Returns nil only when ctx is done
// or there is nothing at all to serve.
func (q *Queue) nextImage(ctx context.Context) *frame.Image {
	if q.cfg.CacheOnly {
		img := q.replayNext()
		if img != nil {
			q.replayed.Add(1)
		}
		return img
	}

	q.state.Store(int32(StateGenerating))
	defer q.state.Store(int32(StateIdle))

	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		img, err := q.generateOnce(ctx)
		if err == nil {
			q.generated.Add(1)
			q.mu.Lock()
			q.replay = append(q.replay, img)
			if len(q.replay) > q.cfg.ReplayWindow {
				q.replay = q.replay[1:]
				if q.replayIdx > 0 {
					q.replayIdx--
				}
			}
			q.mu.Unlock()
			return img
		}
		lastErr = err
		q.retries.Add(1)

		if attempt < q.cfg.MaxAttempts {
			wait := q.cfg.BaseBackoff * (1 << uint(attempt-1))
			q.logger.Warn("generation failed, retrying",
				"attempt", attempt,
				"max_attempts", q.cfg.MaxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			if q.events != nil {
				q.events.LogEvent(ctx, observability.Event{
					Type:      observability.EventGenerationRetry,
					Component: "queue",
					Detail:    err.Error(),
					Success:   false,
				})
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
	}

	// Retry budget exhausted: replay cached content rather than leaving
	// the buffer empty. Blank output is never an option.
	q.failures.Add(1)
	q.logger.Error("generation retries exhausted, replaying cache", "error", lastErr)
	if q.events != nil {
		q.events.LogEvent(ctx, observability.Event{
			Type:      observability.EventGenerationFailed,
			Component: "queue",
			Detail:    lastErr.Error(),
			Success:   false,
		})
	}
	img := q.replayNext()
	if img != nil {
		q.replayed.Add(1)
		if q.events != nil {
			q.events.LogEvent(ctx, observability.Event{
				Type:      observability.EventCacheReplay,
				Component: "queue",
				ImageID:   img.ID,
				Success:   true,
			})
		}
	}
	return img
}

// generateOnce runs one full pipeline pass: remote client, upscaler, cache.
func (q *Queue) generateOnce(ctx context.Context) (*frame.Image, error) {
	img, err := q.gen.Generate(ctx, q.prompt())
	if err != nil {
		return nil, err
	}

	if q.ups != nil && q.cfg.UpscaleScale > 1 {
		if q.cfg.PersistUpscaled {
			// Upscale first, persist the final pixels. Encoded is dropped
			// so the cache serialises the upscaled buffer.
			buf := q.ups.Upscale(ctx, img.Buffer, q.cfg.UpscaleScale)
			if buf != img.Buffer {
				img = &frame.Image{
					ID:        img.ID,
					Buffer:    buf,
					CreatedAt: img.CreatedAt,
					Prompt:    img.Prompt,
				}
			}
			q.saveToCache(ctx, img)
			return img, nil
		}

		// Persist the original encoding, upscale only the display copy.
		q.saveToCache(ctx, img)
		buf := q.ups.Upscale(ctx, img.Buffer, q.cfg.UpscaleScale)
		if buf != img.Buffer {
			img = &frame.Image{
				ID:        img.ID,
				Buffer:    buf,
				Encoded:   img.Encoded,
				CreatedAt: img.CreatedAt,
				Prompt:    img.Prompt,
			}
		}
		return img, nil
	}

	q.saveToCache(ctx, img)
	return img, nil
}

// saveToCache persists an image. Write failures are observable but never
// fatal: the in-memory image is still served.
func (q *Queue) saveToCache(ctx context.Context, img *frame.Image) {
	if err := q.cache.Save(ctx, img); err != nil {
		q.logger.Warn("cache write failed", "id", img.ID, "error", err)
	}
}

// replayNext returns the least-recently-replayed cached image, cycling
// through the pool. Returns nil when nothing has ever been cached.
func (q *Queue) replayNext() *frame.Image {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.replay) == 0 {
		return nil
	}
	img := q.replay[q.replayIdx%len(q.replay)]
	q.replayIdx++
	return img
}
