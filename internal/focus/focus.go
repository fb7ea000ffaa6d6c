// Package focus tracks the foreground window and decides which windows are
// too sensitive to record keystrokes in.
package focus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"keyguard/internal/clock"
)

// WindowInfo describes the focused window.
type WindowInfo struct {
	Application string    `json:"application"`
	Title       string    `json:"title"`
	PID         int       `json:"pid,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Label returns the identifier recorded with each key event: the window
// title, falling back to the application name.
func (w WindowInfo) Label() string {
	if w.Title != "" {
		return w.Title
	}
	return w.Application
}

// Provider returns the currently focused window.
type Provider interface {
	Active() WindowInfo
}

// LookupFunc queries the windowing system once.
type LookupFunc func(ctx context.Context) (WindowInfo, error)

// ErrUnavailable is returned when no lookup method works on this display.
var ErrUnavailable = errors.New("focus lookup not available")

// Tracker polls a LookupFunc and caches the last answer.
type Tracker struct {
	lookup   LookupFunc
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.RWMutex
	current WindowInfo
	failing bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTracker creates a tracker. A nil lookup uses the platform lookup.
func NewTracker(lookup LookupFunc, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Tracker {
	if lookup == nil {
		lookup = PlatformLookup()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default().With("component", "focus")
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Tracker{lookup: lookup, interval: interval, clock: clk, logger: logger}
}

// Start polls until ctx is done or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	t.Refresh(ctx)
	go func() {
		defer close(done)
		ticker := t.clock.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				t.Refresh(ctx)
			}
		}
	}()
}

// Stop ends polling.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Refresh performs one lookup. Failures keep the previous window.
func (t *Tracker) Refresh(ctx context.Context) {
	info, err := t.lookup(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		if !t.failing {
			t.logger.Debug("focus lookup failed", "error", err)
		}
		t.failing = true
		return
	}
	t.failing = false
	if info.Timestamp.IsZero() {
		info.Timestamp = t.clock.Now()
	}
	t.current = info
}

// Active returns the last known focused window.
func (t *Tracker) Active() WindowInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Static is a Provider whose window is set explicitly.
type Static struct {
	mu  sync.RWMutex
	win WindowInfo
}

// NewStatic returns a provider reporting w.
func NewStatic(w WindowInfo) *Static {
	return &Static{win: w}
}

// Set changes the reported window.
func (s *Static) Set(w WindowInfo) {
	s.mu.Lock()
	s.win = w
	s.mu.Unlock()
}

// Active returns the configured window.
func (s *Static) Active() WindowInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.win
}

// Policy decides which windows are sensitive. Patterns match
// case-insensitively; a pattern containing * is a wildcard, anything else
// matches as a substring.
type Policy struct {
	DenyTitles []string
	DenyApps   []string
	// AllowApps, when non-empty, makes every other application sensitive.
	AllowApps []string
}

// Sensitive reports whether keystrokes in w must be dropped.
func (p Policy) Sensitive(w WindowInfo) bool {
	title := strings.ToLower(w.Title)
	app := strings.ToLower(w.Application)

	for _, pattern := range p.DenyTitles {
		if matchPattern(strings.ToLower(pattern), title) {
			return true
		}
	}
	for _, pattern := range p.DenyApps {
		if matchPattern(strings.ToLower(pattern), app) {
			return true
		}
	}
	if len(p.AllowApps) == 0 {
		return false
	}
	for _, pattern := range p.AllowApps {
		if matchPattern(strings.ToLower(pattern), app) {
			return false
		}
	}
	return true
}

func matchPattern(pattern, s string) bool {
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return strings.Contains(s, pattern)
	}
	return matchWildcard(pattern, s)
}

// matchWildcard matches s against a pattern where * spans any run of
// characters.
func matchWildcard(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := len(parts) - 1
	for _, part := range parts[1:last] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[last])
}
