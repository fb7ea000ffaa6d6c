package keystroke

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/errs"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// =============================================================================
// KeyEvent
// =============================================================================

func TestKeyEventHoldAndValidity(t *testing.T) {
	ev := KeyEvent{Press: t0, Release: t0.Add(104 * time.Millisecond), Key: "a", App: "Terminal"}
	assert.Equal(t, 104*time.Millisecond, ev.Hold())
	assert.True(t, ev.Valid())

	crossDay := KeyEvent{
		Press:   time.Date(2026, 3, 2, 23, 59, 59, 900_000_000, time.UTC),
		Release: time.Date(2026, 3, 3, 0, 0, 0, 50_000_000, time.UTC),
		Key:     "a",
	}
	assert.False(t, crossDay.SameDay())
	assert.False(t, crossDay.Valid())

	backwards := KeyEvent{Press: t0, Release: t0.Add(-time.Millisecond), Key: "a"}
	assert.False(t, backwards.Valid())
}

// =============================================================================
// Simulated source
// =============================================================================

type recorder struct {
	mu  sync.Mutex
	evs []RawEvent
}

func (r *recorder) handle(ev RawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func TestSimulatedLifecycle(t *testing.T) {
	s := NewSimulated()
	rec := &recorder{}

	assert.False(t, s.Emit(RawEvent{Key: "a", Down: true, Time: t0}), "not running")

	require.NoError(t, s.Start(context.Background(), rec.handle))
	err := s.Start(context.Background(), rec.handle)
	assert.True(t, errors.Is(err, errs.ErrAlreadyRunning))

	assert.True(t, s.Emit(RawEvent{Key: "a", Down: true, Time: t0}))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
	assert.False(t, s.IsRunning())
	assert.Equal(t, uint64(1), s.Emitted())
}

func TestSimulatedStartError(t *testing.T) {
	s := NewSimulated()
	s.StartErr = ErrPermissionDenied
	assert.ErrorIs(t, s.Start(context.Background(), func(RawEvent) {}), ErrPermissionDenied)
	require.NoError(t, s.Start(context.Background(), func(RawEvent) {}))
	require.NoError(t, s.Stop())
}

func TestSimulatedStopsWithContext(t *testing.T) {
	s := NewSimulated()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, func(RawEvent) {}))
	cancel()
	assert.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 5*time.Millisecond)
}

func TestSimulatedTypeOrdersTransitions(t *testing.T) {
	s := NewSimulated()
	rec := &recorder{}
	require.NoError(t, s.Start(context.Background(), rec.handle))
	defer s.Stop()

	// "h" is still held when "i" goes down.
	n := s.Type([]KeyEvent{
		{Press: t0, Release: t0.Add(120 * time.Millisecond), Key: "h"},
		{Press: t0.Add(80 * time.Millisecond), Release: t0.Add(150 * time.Millisecond), Key: "i"},
	})
	require.Equal(t, 4, n)

	got := make([]string, 0, 4)
	for _, ev := range rec.evs {
		dir := "up"
		if ev.Down {
			dir = "down"
		}
		got = append(got, ev.Key+" "+dir)
	}
	assert.Equal(t, []string{"h down", "i down", "h up", "i up"}, got)
}

// =============================================================================
// Key names
// =============================================================================

func TestKeyName(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		mods Modifiers
		want string
	}{
		{"letter", 30, Modifiers{}, "a"},
		{"shifted letter", 30, Modifiers{Shift: true}, "A"},
		{"caps letter", 30, Modifiers{Caps: true}, "A"},
		{"caps and shift", 30, Modifiers{Caps: true, Shift: true}, "a"},
		{"ctrl letter", 30, Modifiers{Ctrl: true}, "\x01"},
		{"ctrl z", 44, Modifiers{Ctrl: true}, "\x1a"},
		{"digit", 2, Modifiers{}, "1"},
		{"shifted digit", 2, Modifiers{Shift: true}, "!"},
		{"ctrl digit", 11, Modifiers{Ctrl: true}, "<48>"},
		{"ctrl bracket", 26, Modifiers{Ctrl: true}, "\x1b"},
		{"ctrl slash", 53, Modifiers{Ctrl: true}, "<191>"},
		{"space", 57, Modifiers{}, "Key.space"},
		{"left shift", 42, Modifiers{}, "Key.shift"},
		{"function", 88, Modifiers{}, "Key.f12"},
		{"unknown", 240, Modifiers{}, "Key.code_240"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeyName(tt.code, tt.mods))
		})
	}
}
