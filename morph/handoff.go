package morph

import (
	"sync/atomic"

	"github.com/hazyhaar/lanterne/frame"
)

// Triple is one published compositor input: blend From into To at Progress.
// Values are immutable once published; the render consumer holds them
// read-only.
type Triple struct {
	From     *frame.Image
	To       *frame.Image
	Progress float64 // eased, in [0,1]
}

// Handoff is the single point of contact between the background pipeline and
// the real-time render loop: a single-writer/single-reader slot with
// latest-wins semantics.
//
// Publish is one atomic pointer swap and never blocks the reader; Latest is
// one atomic load and never blocks the writer. Intermediate publications are
// dropped when the reader cannot keep up — only the most recent one matters.
// Torn reads are impossible: the pointer always refers to a fully
// constructed, never-mutated Triple.
type Handoff struct {
	slot atomic.Pointer[Triple]
}

// NewHandoff creates an empty handoff.
func NewHandoff() *Handoff {
	return &Handoff{}
}

// Publish replaces the current triple. Background domain only.
func (h *Handoff) Publish(t Triple) {
	h.slot.Store(&t)
}

// Latest returns the most recently published triple. ok is false until the
// first publication. Safe to call at any tick rate from the render domain.
func (h *Handoff) Latest() (Triple, bool) {
	p := h.slot.Load()
	if p == nil {
		return Triple{}, false
	}
	return *p, true
}
