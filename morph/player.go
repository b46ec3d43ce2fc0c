// Package morph schedules crossfade transitions between consecutive frames
// pulled from the image queue, publishing a time-based progress value for
// the compositor through a latest-wins handoff.
package morph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/lanterne/frame"
)

// TransitionDuration is the fixed crossfade length. Like the easing curve it
// is a constant of the player, not user-configurable.
const TransitionDuration = 1500 * time.Millisecond

// PlayerState is the morph state machine's current state.
type PlayerState int

const (
	// PlayerIdle means no transition is pending; one frame is displayed.
	PlayerIdle PlayerState = iota
	// PlayerTransitioning means a crossfade is in progress.
	PlayerTransitioning
)

func (s PlayerState) String() string {
	if s == PlayerTransitioning {
		return "transitioning"
	}
	return "idle"
}

// Source supplies the next image to morph to. Satisfied by *queue.Queue.
type Source interface {
	TakeNext(ctx context.Context) (*frame.Image, error)
}

// transition is the live crossfade. It exists only while in progress and is
// replaced wholesale when superseded by the next one.
type transition struct {
	to        *frame.Image
	startedAt time.Time
}

// Player is the two-state morph machine: Idle displaying one frame, or
// Transitioning between the displayed frame and the next one.
type Player struct {
	src     Source
	handoff *Handoff
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	current *frame.Image
	trans   *transition
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) PlayerOption {
	return func(p *Player) { p.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) PlayerOption {
	return func(p *Player) { p.now = fn }
}

// NewPlayer creates a Player publishing to handoff.
func NewPlayer(src Source, handoff *Handoff, opts ...PlayerOption) *Player {
	p := &Player{
		src:     src,
		handoff: handoff,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// State returns the current state.
func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trans != nil {
		return PlayerTransitioning
	}
	return PlayerIdle
}

// Current returns the currently displayed frame (nil before the first
// Advance).
func (p *Player) Current() *frame.Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Advance pulls the next image from the source and begins a crossfade from
// the currently displayed frame to it. Calling Advance while a transition is
// already in progress is a no-op: an in-flight morph cannot be pre-empted,
// the trigger is simply deferred to the next interval.
//
// The very first Advance has nothing to fade from; the pulled image becomes
// the displayed frame immediately.
//
// Advance may block inside the source only on buffer underrun. The lock is
// not held across that pull, so State, Current and Tick stay responsive
// while a blocked advance waits for the buffer.
func (p *Player) Advance(ctx context.Context) error {
	p.mu.Lock()
	if p.trans != nil {
		p.mu.Unlock()
		p.logger.Debug("advance ignored: transition in progress")
		return nil
	}
	p.mu.Unlock()

	next, err := p.src.TakeNext(ctx)
	if err != nil {
		return fmt.Errorf("morph: advance: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.trans != nil {
		// A concurrent advance won the race while this one waited on the
		// source. The pulled image is dropped here; it stays available
		// through the queue's replay pool.
		p.logger.Debug("advance superseded", "id", next.ID)
		return nil
	}

	if p.current == nil {
		p.current = next
		p.handoff.Publish(Triple{From: next, To: next, Progress: 1})
		p.logger.Debug("first frame displayed", "id", next.ID)
		return nil
	}

	p.trans = &transition{to: next, startedAt: p.now()}
	p.logger.Debug("transition started", "from", p.current.ID, "to", next.ID)
	return nil
}

// Tick computes the current transition progress at time now and publishes
// the compositor triple. When the transition completes, the target becomes
// the displayed frame and the player returns to Idle. Safe to call at any
// rate; outside a transition it republishes the steady frame.
func (p *Player) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.trans == nil {
		if p.current != nil {
			p.handoff.Publish(Triple{From: p.current, To: p.current, Progress: 1})
		}
		return
	}

	raw := float64(now.Sub(p.trans.startedAt)) / float64(TransitionDuration)
	if raw < 0 {
		raw = 0
	}
	if raw > 1 {
		raw = 1
	}
	p.handoff.Publish(Triple{
		From:     p.current,
		To:       p.trans.to,
		Progress: easeInOutCubic(raw),
	})

	if raw >= 1 {
		p.logger.Debug("transition resolved", "now_displaying", p.trans.to.ID)
		p.current = p.trans.to
		p.trans = nil
	}
}

// easeInOutCubic maps linear time to the fixed crossfade curve. Monotonic,
// so progress never decreases within one transition.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	d := -2*t + 2
	return 1 - d*d*d/2
}
