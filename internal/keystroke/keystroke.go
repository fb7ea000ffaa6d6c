// Package keystroke defines key events and the sources that produce them.
//
// A Source delivers RawEvents (one per key transition) to a Handler. Key
// names follow a single vocabulary shared by every source: printable keys
// are their character ("a", "A", "1", "!"), control combinations are the
// control character ("\x01" for Ctrl+A) or a virtual key code ("<48>" for
// Ctrl+0), and named keys use the "Key." prefix ("Key.space", "Key.shift").
//
// Platform support:
//   - Linux: /dev/input/event* (requires the input group or root)
//   - elsewhere: only the simulated source is available
package keystroke

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"keyguard/internal/errs"
)

// TimestampLayout is the on-disk timestamp format, microsecond precision.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// KeyEvent is one completed key press/release pair.
type KeyEvent struct {
	Press   time.Time `json:"press"`
	Release time.Time `json:"release"`
	Key     string    `json:"key"`
	App     string    `json:"app"`
}

// Hold returns the time the key was held down.
func (e KeyEvent) Hold() time.Duration {
	return e.Release.Sub(e.Press)
}

// SameDay reports whether press and release fall on the same calendar date.
func (e KeyEvent) SameDay() bool {
	y1, m1, d1 := e.Press.Date()
	y2, m2, d2 := e.Release.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Valid reports whether the event can be recorded.
func (e KeyEvent) Valid() bool {
	return e.Key != "" && !e.Press.IsZero() && !e.Release.Before(e.Press) && e.SameDay()
}

// RawEvent is a single key transition as delivered by a Source.
type RawEvent struct {
	Key  string
	Down bool
	Time time.Time
}

// Handler receives raw events. It is called from the source's goroutine
// and must not block.
type Handler func(RawEvent)

// Source produces raw key events.
type Source interface {
	// Start begins delivering events to h until ctx is done or Stop is called.
	Start(ctx context.Context, h Handler) error

	// Stop releases the underlying hook. Stopping a stopped source is a no-op.
	Stop() error

	// Available reports whether the source can run with current permissions.
	Available() (bool, string)
}

var (
	// ErrNotAvailable is returned when no keyboard hook can be created.
	ErrNotAvailable = errors.New("keyboard capture not available on this platform")

	// ErrPermissionDenied is returned when input devices cannot be opened.
	ErrPermissionDenied = errors.New("insufficient permissions for keyboard capture")

	// ErrAlreadyRunning is returned when Start is called while running.
	ErrAlreadyRunning = fmt.Errorf("key source: %w", errs.ErrAlreadyRunning)
)

// BaseSource holds the running state and handler shared by sources.
type BaseSource struct {
	mu      sync.RWMutex
	running bool
	handler Handler
	emitted uint64
}

// begin marks the source running with handler h.
func (b *BaseSource) begin(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}
	b.running = true
	b.handler = h
	return nil
}

// end marks the source stopped and reports whether it was running.
func (b *BaseSource) end() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.running
	b.running = false
	b.handler = nil
	return was
}

// Emit delivers ev to the handler if the source is running.
func (b *BaseSource) Emit(ev RawEvent) bool {
	b.mu.Lock()
	h := b.handler
	if !b.running || h == nil {
		b.mu.Unlock()
		return false
	}
	b.emitted++
	b.mu.Unlock()
	h(ev)
	return true
}

// IsRunning returns the running state.
func (b *BaseSource) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Emitted returns the number of raw events delivered.
func (b *BaseSource) Emitted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.emitted
}

// New returns the platform source, reading device when it is non-empty.
func New(device string) Source {
	return newPlatformSource(device)
}
