package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/lanterne/frame"
)

type fakeGen struct {
	mu       sync.Mutex
	calls    int
	failures int // fail the first N calls
}

func (g *fakeGen) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGen) Generate(ctx context.Context, prompt string) (*frame.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.failures {
		return nil, errors.New("simulated network error")
	}
	return &frame.Image{
		ID:        fmt.Sprintf("img_%04d", g.calls),
		Buffer:    frame.NewPixelBuffer(4, 4),
		Encoded:   []byte("encoded"),
		CreatedAt: time.Now(),
		Prompt:    prompt,
	}, nil
}

type fakeUps struct{}

func (fakeUps) Name() string { return "fake" }
func (fakeUps) Upscale(_ context.Context, buf *frame.PixelBuffer, scale int) *frame.PixelBuffer {
	return frame.NewPixelBuffer(buf.Width*scale, buf.Height*scale)
}

type fakeCache struct {
	mu     sync.Mutex
	saved  []*frame.Image
	preset []*frame.Image
}

func (c *fakeCache) Save(_ context.Context, img *frame.Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, img)
	return nil
}

func (c *fakeCache) LoadRecent(_ context.Context, limit int) ([]*frame.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit >= len(c.preset) {
		return c.preset, nil
	}
	return c.preset[len(c.preset)-limit:], nil
}

func (c *fakeCache) Saved() []*frame.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*frame.Image, len(c.saved))
	copy(out, c.saved)
	return out
}

func cachedImage(id string) *frame.Image {
	return &frame.Image{
		ID:        id,
		Buffer:    frame.NewPixelBuffer(4, 4),
		Encoded:   []byte("cached"),
		CreatedAt: time.Now(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	return Config{Depth: 3, MaxAttempts: 4, BaseBackoff: time.Millisecond}
}

func startQueue(t *testing.T, cfg Config, gen Generator, cache Cache) *Queue {
	t.Helper()
	q := New(cfg, gen, fakeUps{}, cache, func() string { return "prompt" })
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(q.Close)
	return q
}

func TestSteadyStateReachesDepth(t *testing.T) {
	gen := &fakeGen{}
	q := startQueue(t, testConfig(), gen, &fakeCache{})

	waitFor(t, "buffer to fill", func() bool { return q.Depth() == 3 })

	if d := q.Depth(); d > 3 {
		t.Errorf("depth %d exceeds capacity 3", d)
	}
	if s := q.Stats(); s.Generated < 3 {
		t.Errorf("generated = %d, want >= 3", s.Generated)
	}
}

func TestTakeNextFIFO(t *testing.T) {
	gen := &fakeGen{}
	q := startQueue(t, testConfig(), gen, &fakeCache{})
	waitFor(t, "buffer to fill", func() bool { return q.Depth() == 3 })

	ctx := context.Background()
	var prev string
	for i := range 5 {
		img, err := q.TakeNext(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if prev != "" && img.ID <= prev {
			t.Errorf("take %d: %s not after %s (reordered)", i, img.ID, prev)
		}
		prev = img.ID
	}
}

func TestCacheOnlyCyclesWithoutRemote(t *testing.T) {
	gen := &fakeGen{}
	cache := &fakeCache{preset: []*frame.Image{cachedImage("img_a"), cachedImage("img_b")}}
	cfg := testConfig()
	cfg.CacheOnly = true
	q := startQueue(t, cfg, gen, cache)

	ctx := context.Background()
	want := []string{"img_a", "img_b", "img_a", "img_b", "img_a", "img_b", "img_a"}
	for i, id := range want {
		img, err := q.TakeNext(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if img.ID != id {
			t.Errorf("take %d: got %s, want %s", i, img.ID, id)
		}
	}
	if gen.Calls() != 0 {
		t.Errorf("remote client invoked %d times in cache-only mode", gen.Calls())
	}
}

func TestCacheOnlyEmptyCacheIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.CacheOnly = true
	q := New(cfg, &fakeGen{}, fakeUps{}, &fakeCache{}, func() string { return "p" })
	if err := q.Start(context.Background()); !errors.Is(err, ErrNoCachedImages) {
		t.Fatalf("expected ErrNoCachedImages, got %v", err)
	}
}

func TestRetryThenSucceedWithinBudget(t *testing.T) {
	gen := &fakeGen{failures: 3} // fails attempts 1-3, succeeds on 4
	q := startQueue(t, testConfig(), gen, &fakeCache{})

	waitFor(t, "buffer to recover", func() bool { return q.Depth() == 3 })

	s := q.Stats()
	if s.Retries < 3 {
		t.Errorf("retries = %d, want >= 3", s.Retries)
	}
	if s.Failures != 0 {
		t.Errorf("failures = %d, want 0 (budget was sufficient)", s.Failures)
	}
}

func TestExhaustedRetriesReplaysCache(t *testing.T) {
	gen := &fakeGen{failures: 1 << 30} // never succeeds
	cache := &fakeCache{preset: []*frame.Image{cachedImage("img_old")}}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	q := startQueue(t, cfg, gen, cache)

	waitFor(t, "replay after exhausted retries", func() bool {
		return q.Stats().Replayed >= 1
	})

	img, err := q.TakeNext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if img.ID != "img_old" {
		t.Errorf("expected replayed cached image, got %s", img.ID)
	}
	if q.Stats().Failures == 0 {
		t.Error("exhausted retry budget not counted as failure")
	}
}

func TestPrewarmSeedsEachCachedImageOnce(t *testing.T) {
	// One cached image must not be duplicated across all buffer slots at
	// startup; the remaining slots belong to the generation pipeline.
	gen := &fakeGen{}
	cache := &fakeCache{preset: []*frame.Image{cachedImage("img_old")}}
	q := startQueue(t, testConfig(), gen, cache)

	waitFor(t, "generation to start", func() bool { return q.Stats().Generated >= 1 })
	waitFor(t, "buffer to fill", func() bool { return q.Depth() == 3 })
}

func TestReplayPoolBounded(t *testing.T) {
	gen := &fakeGen{}
	cfg := testConfig()
	cfg.ReplayWindow = 4
	q := startQueue(t, cfg, gen, &fakeCache{})

	ctx := context.Background()
	for range 12 {
		if _, err := q.TakeNext(ctx); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "generations to accumulate", func() bool {
		return q.Stats().Generated >= 12
	})

	q.mu.Lock()
	n := len(q.replay)
	q.mu.Unlock()
	if n > 4 {
		t.Errorf("replay pool holds %d images, want <= 4", n)
	}
}

func TestUnderrunRecorded(t *testing.T) {
	gen := &fakeGen{failures: 1 << 30} // nothing will ever arrive
	cfg := testConfig()
	q := startQueue(t, cfg, gen, &fakeCache{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.TakeNext(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if q.Stats().Underruns != 1 {
		t.Errorf("underruns = %d, want 1", q.Stats().Underruns)
	}
}

func TestCloseUnblocksConsumer(t *testing.T) {
	gen := &fakeGen{failures: 1 << 30}
	q := New(testConfig(), gen, fakeUps{}, &fakeCache{}, func() string { return "p" })
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := q.TakeNext(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("TakeNext still blocked after Close")
	}
}

func TestPersistUpscaledStoresFinalPixels(t *testing.T) {
	gen := &fakeGen{}
	cache := &fakeCache{}
	cfg := testConfig()
	cfg.UpscaleScale = 2
	cfg.PersistUpscaled = true
	startQueue(t, cfg, gen, cache)

	waitFor(t, "first save", func() bool { return len(cache.Saved()) >= 1 })

	saved := cache.Saved()[0]
	if saved.Buffer.Width != 8 {
		t.Errorf("persisted width = %d, want upscaled 8", saved.Buffer.Width)
	}
	if saved.Encoded != nil {
		t.Error("upscaled persistence must drop the original encoding")
	}
}

func TestPersistRawKeepsOriginalEncoding(t *testing.T) {
	gen := &fakeGen{}
	cache := &fakeCache{}
	cfg := testConfig()
	cfg.UpscaleScale = 2
	cfg.PersistUpscaled = false
	q := startQueue(t, cfg, gen, cache)

	waitFor(t, "first save", func() bool { return len(cache.Saved()) >= 1 })

	saved := cache.Saved()[0]
	if saved.Buffer.Width != 4 {
		t.Errorf("persisted width = %d, want original 4", saved.Buffer.Width)
	}
	if string(saved.Encoded) != "encoded" {
		t.Error("original encoding not preserved")
	}

	// The buffered display copy, by contrast, is upscaled.
	img, err := q.TakeNext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if img.Buffer.Width != 8 {
		t.Errorf("display copy width = %d, want 8", img.Buffer.Width)
	}
}

func TestStateObservable(t *testing.T) {
	gen := &fakeGen{}
	q := startQueue(t, testConfig(), gen, &fakeCache{})
	waitFor(t, "buffer to fill", func() bool { return q.Depth() == 3 })

	// Full buffer, no work in flight.
	waitFor(t, "idle state", func() bool { return q.Stats().State == StateIdle })
	if got := q.Stats().State.String(); got != "idle" {
		t.Errorf("state = %q, want idle", got)
	}
}
