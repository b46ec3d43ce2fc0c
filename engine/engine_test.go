package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/lanterne/frame"
	"github.com/hazyhaar/lanterne/morph"
	"github.com/hazyhaar/lanterne/queue"
)

// countingGen produces numbered tiny images.
type countingGen struct {
	mu sync.Mutex
	n  int
}

func (g *countingGen) Generate(_ context.Context, prompt string) (*frame.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return &frame.Image{
		ID:        fmt.Sprintf("gen_%03d", g.n),
		Buffer:    frame.NewPixelBuffer(4, 4),
		CreatedAt: time.Now(),
		Prompt:    prompt,
	}, nil
}

func (g *countingGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// shiftingMood is a mutable mood source.
type shiftingMood struct {
	mu sync.Mutex
	m  MoodSnapshot
}

func (s *shiftingMood) Mood() MoodSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}

func (s *shiftingMood) set(m MoodSnapshot) {
	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ImageInterval = 50 * time.Millisecond
	cfg.MoodDeltaThreshold = 0 // interval-only unless a test enables it
	cfg.BufferDepth = 2
	cfg.Remote.BaseURL = "http://unused.invalid"
	cfg.Upscale.Mode = "off"
	return cfg
}

func TestEngineLifecycle(t *testing.T) {
	gen := &countingGen{}
	e, err := New(testConfig(t), WithGenerator(gen), WithTickInterval(2*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	tr, ok := e.Handoff().Latest()
	if !ok {
		t.Fatal("no frame published after Start")
	}
	first := tr.To.ID

	// The interval ticker advances to a new frame and a crossfade begins.
	waitFor(t, 2*time.Second, func() bool {
		cur, ok := e.Handoff().Latest()
		return ok && cur.To.ID != first
	}, "no advance within deadline")

	st := e.Stats()
	if st.Queue.Generated == 0 {
		t.Error("no generations recorded")
	}
	if st.Profile != "raw_original" {
		t.Errorf("profile = %q, want raw_original with upscale off", st.Profile)
	}
	if gen.calls() == 0 {
		t.Error("generator never called")
	}
}

func TestEngineMoodDeltaTriggersAdvance(t *testing.T) {
	mood := &shiftingMood{m: MoodSnapshot{Energy: 0.2, Valence: 0.5, Tempo: 90}}
	cfg := testConfig(t)
	cfg.ImageInterval = time.Hour // interval never fires in this test
	cfg.MoodDeltaThreshold = 0.3

	e, err := New(cfg,
		WithGenerator(&countingGen{}),
		WithMoodSource(mood),
		WithTickInterval(2*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	tr, _ := e.Handoff().Latest()
	first := tr.To.ID

	// Below threshold: nothing moves.
	mood.set(MoodSnapshot{Energy: 0.3, Valence: 0.5, Tempo: 90})
	time.Sleep(50 * time.Millisecond)
	if cur, _ := e.Handoff().Latest(); cur.To.ID != first {
		t.Fatal("advance fired below the mood threshold")
	}

	// Past threshold: a transition starts.
	mood.set(MoodSnapshot{Energy: 0.9, Valence: 0.5, Tempo: 90})
	waitFor(t, 2*time.Second, func() bool {
		cur, ok := e.Handoff().Latest()
		return ok && cur.To.ID != first
	}, "mood shift did not trigger an advance")
}

func TestEngineCacheOnlyEmptyCacheIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheOnly = true
	cfg.Remote.BaseURL = ""

	e, err := New(cfg, WithTickInterval(2*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if err := e.Start(context.Background()); !errors.Is(err, queue.ErrNoCachedImages) {
		t.Fatalf("Start = %v, want ErrNoCachedImages", err)
	}
}

func TestEngineCacheOnlyCyclesExistingCache(t *testing.T) {
	dir := t.TempDir()

	// First run populates the cache.
	cfg := testConfig(t)
	cfg.DataDir = dir
	e, err := New(cfg, WithGenerator(&countingGen{}), WithTickInterval(2*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return e.Stats().Queue.Generated >= 2
	}, "cache never populated")
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	// Second run replays it without a generator.
	cfg2 := testConfig(t)
	cfg2.DataDir = dir
	cfg2.CacheOnly = true
	cfg2.Remote.BaseURL = ""
	e2, err := New(cfg2, WithTickInterval(2*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := e2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e2.Close()

	if _, ok := e2.Handoff().Latest(); !ok {
		t.Fatal("cache-only start published nothing")
	}
	if e2.CurrentFrame() == nil {
		t.Fatal("no current frame in cache-only mode")
	}
}

func TestEngineStatsExposesPlayerState(t *testing.T) {
	e, err := New(testConfig(t), WithGenerator(&countingGen{}), WithTickInterval(2*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	st := e.Stats()
	if st.Player != morph.PlayerIdle.String() && st.Player != morph.PlayerTransitioning.String() {
		t.Errorf("unexpected player state %q", st.Player)
	}
	if st.Upscaler != "off" {
		t.Errorf("upscaler = %q, want off", st.Upscaler)
	}
}
