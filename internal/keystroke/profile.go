package keystroke

import (
	"math/rand/v2"
	"time"
)

// Profile describes a synthetic typist: mean hold and press-to-press
// interval, each with a relative jitter.
type Profile struct {
	Hold     time.Duration
	Interval time.Duration
	// Jitter is the relative spread of both timings, 0.2 for ±20%.
	Jitter float64
	// Keys is the alphabet typed in order; empty means lowercase prose.
	Keys []string
	App  string
}

var prose = []string{"t", "h", "e", "Key.space", "q", "u", "i", "c", "k", "Key.space", "b", "r", "o", "w", "n", "Key.space", "f", "o", "x", "Key.enter"}

// Generate returns n completed events typed by p from start. The same seed
// always yields the same events.
func (p Profile) Generate(start time.Time, n int, seed uint64) []KeyEvent {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	keys := p.Keys
	if len(keys) == 0 {
		keys = prose
	}
	app := p.App
	if app == "" {
		app = "editor"
	}
	spread := func(d time.Duration) time.Duration {
		f := 1 + p.Jitter*(2*rng.Float64()-1)
		if f < 0.05 {
			f = 0.05
		}
		// Captured timestamps carry microseconds.
		return time.Duration(float64(d) * f).Truncate(time.Microsecond)
	}

	out := make([]KeyEvent, n)
	at := start
	for i := range out {
		hold := spread(p.Hold)
		out[i] = KeyEvent{Press: at, Release: at.Add(hold), Key: keys[i%len(keys)], App: app}
		at = at.Add(spread(p.Interval))
	}
	return out
}

// Span returns how long n events of p take on average.
func (p Profile) Span(n int) time.Duration {
	return time.Duration(n) * p.Interval
}
