package engine

import (
	"fmt"
	"math"
)

// MoodSnapshot is an immutable read of the audio engine's mood parameters at
// trigger time. The audio side owns the live values; this core only ever
// sees snapshots, and only uses them to shape the next prompt.
type MoodSnapshot struct {
	Energy  float64 // 0..1
	Valence float64 // 0..1, dark to bright
	Tempo   float64 // beats per minute, informational
}

// Delta measures how far the mood has drifted from a previous snapshot.
// Tempo is normalised so a ~60 bpm swing weighs like a full-range change in
// the unit parameters.
func (m MoodSnapshot) Delta(prev MoodSnapshot) float64 {
	de := m.Energy - prev.Energy
	dv := m.Valence - prev.Valence
	dt := (m.Tempo - prev.Tempo) / 60
	return math.Sqrt(de*de + dv*dv + dt*dt)
}

// MoodSource supplies the current mood. The audio synthesis engine is the
// real implementation; it lives outside this core.
type MoodSource interface {
	Mood() MoodSnapshot
}

// staticMood is the default when no audio engine is wired: a fixed,
// mid-range mood.
type staticMood struct{}

func (staticMood) Mood() MoodSnapshot {
	return MoodSnapshot{Energy: 0.5, Valence: 0.5, Tempo: 90}
}

// buildPrompt turns a theme and a mood snapshot into a generation prompt.
// Deliberately plain: the elaborate template system lives outside this core.
func buildPrompt(theme string, m MoodSnapshot) string {
	energy := "calm"
	switch {
	case m.Energy > 0.75:
		energy = "frenetic"
	case m.Energy > 0.5:
		energy = "lively"
	case m.Energy > 0.25:
		energy = "gentle"
	}
	tone := "muted, shadowed"
	switch {
	case m.Valence > 0.75:
		tone = "radiant, euphoric"
	case m.Valence > 0.5:
		tone = "warm, hopeful"
	case m.Valence > 0.25:
		tone = "wistful, hazy"
	}
	return fmt.Sprintf("%s, %s motion, %s palette", theme, energy, tone)
}
