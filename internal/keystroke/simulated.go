package keystroke

import (
	"context"
	"sort"
	"sync"
)

// Simulated is a Source fed programmatically. It backs tests and the
// "simulated" capture mode.
type Simulated struct {
	BaseSource

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc

	// StartErr, when set, is returned by the next Start.
	StartErr error
}

// NewSimulated creates a simulated source.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Start begins accepting events until ctx is done or Stop is called.
func (s *Simulated) Start(ctx context.Context, h Handler) error {
	s.mu.Lock()
	if err := s.StartErr; err != nil {
		s.StartErr = nil
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.begin(h); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		current := s.gen == gen
		s.mu.Unlock()
		if current {
			s.end()
		}
	}()
	return nil
}

// Stop stops accepting events.
func (s *Simulated) Stop() error {
	s.mu.Lock()
	s.gen++
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.end()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Available always reports true.
func (s *Simulated) Available() (bool, string) {
	return true, "simulated source"
}

// Type replays completed events as raw transitions in time order. Presses
// sort before releases at equal timestamps. It returns the number of raw
// events delivered.
func (s *Simulated) Type(events []KeyEvent) int {
	raws := make([]RawEvent, 0, 2*len(events))
	for _, ev := range events {
		raws = append(raws,
			RawEvent{Key: ev.Key, Down: true, Time: ev.Press},
			RawEvent{Key: ev.Key, Down: false, Time: ev.Release},
		)
	}
	sort.SliceStable(raws, func(i, j int) bool {
		if raws[i].Time.Equal(raws[j].Time) {
			return raws[i].Down && !raws[j].Down
		}
		return raws[i].Time.Before(raws[j].Time)
	})
	n := 0
	for _, r := range raws {
		if s.Emit(r) {
			n++
		}
	}
	return n
}
