// Package buffer holds the bounded window of recent key events consumed
// by the detector.
package buffer

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"keyguard/internal/errs"
	"keyguard/internal/features"
	"keyguard/internal/keystroke"
	"keyguard/internal/security"
)

// DefaultCapacity is the default maximum number of buffered events.
const DefaultCapacity = 1000

// Buffer is a bounded FIFO of key events. When full, the oldest events are
// dropped. An optional mirror file reflects the contents as CSV.
type Buffer struct {
	mu       sync.Mutex
	events   []keystroke.KeyEvent
	capacity int
	dropped  uint64
	mirror   string
	logger   *slog.Logger
}

// New creates a buffer. mirrorPath may be empty.
func New(capacity int, mirrorPath string, logger *slog.Logger) (*Buffer, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default().With("component", "buffer")
	}
	b := &Buffer{capacity: capacity, mirror: mirrorPath, logger: logger}
	if mirrorPath != "" {
		if err := b.rewriteMirror(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Append adds events in one step. Readers never observe a partial append.
func (b *Buffer) Append(events ...keystroke.KeyEvent) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, events...)
	overflow := len(b.events) - b.capacity
	if overflow > 0 {
		b.events = append(b.events[:0:0], b.events[overflow:]...)
		b.dropped += uint64(overflow)
	}
	if b.mirror == "" {
		return
	}
	var err error
	if overflow > 0 {
		err = b.rewriteMirror()
	} else {
		err = b.appendMirror(events)
	}
	if err != nil {
		b.logger.Warn("prediction buffer mirror write failed", "error", err)
	}
}

// Drain returns every buffered event and empties the buffer.
func (b *Buffer) Drain() []keystroke.KeyEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	if b.mirror != "" {
		if err := b.rewriteMirror(); err != nil {
			b.logger.Warn("prediction buffer mirror reset failed", "error", err)
		}
	}
	return out
}

// Reset discards every buffered event.
func (b *Buffer) Reset() {
	b.Drain()
}

// Size returns the number of buffered events.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Capacity returns the maximum number of buffered events.
func (b *Buffer) Capacity() int { return b.capacity }

// Dropped returns how many events were evicted by overflow.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// rewriteMirror replaces the mirror with the current contents. Caller
// holds mu or has exclusive access.
func (b *Buffer) rewriteMirror() error {
	var buf bytes.Buffer
	w := features.NewWriter(&buf)
	if err := w.WriteHeader(); err != nil {
		return err
	}
	if err := w.Write(b.events...); err != nil {
		return err
	}
	if err := security.WriteFileAtomic(b.mirror, buf.Bytes(), security.PermPrivateFile); err != nil {
		return fmt.Errorf("write buffer mirror: %w", errs.IO(err))
	}
	return nil
}

func (b *Buffer) appendMirror(events []keystroke.KeyEvent) error {
	f, err := os.OpenFile(b.mirror, os.O_WRONLY|os.O_APPEND, security.PermPrivateFile)
	if os.IsNotExist(err) {
		return b.rewriteMirror()
	}
	if err != nil {
		return fmt.Errorf("open buffer mirror: %w", errs.IO(err))
	}
	defer f.Close()
	if err := features.NewWriter(f).Write(events...); err != nil {
		return fmt.Errorf("append buffer mirror: %w", errs.IO(err))
	}
	return nil
}
