// Package capture records key events for one (user, model) session.
//
// The source callback never blocks: presses are staged until their release
// arrives, and completed events are handed to a single writer goroutine
// through a bounded queue. The writer appends to the day's CSV and then to
// the prediction buffer. The CSV files are the ground truth for counts.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"keyguard/internal/buffer"
	"keyguard/internal/clock"
	"keyguard/internal/errs"
	"keyguard/internal/features"
	"keyguard/internal/focus"
	"keyguard/internal/keystroke"
	"keyguard/internal/metrics"
	"keyguard/internal/model"
	"keyguard/internal/security"
)

// DefaultQueueSize bounds the events waiting for the writer.
const DefaultQueueSize = 4096

// Config configures an Agent.
type Config struct {
	DataDir   string
	QueueSize int
	Policy    focus.Policy
}

// CollectionStatus is a snapshot of the capture session.
type CollectionStatus struct {
	Active         bool       `json:"active"`
	Username       string     `json:"username,omitempty"`
	ModelType      model.Type `json:"model_type,omitempty"`
	KeystrokeCount int        `json:"keystroke_count"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	WriteErrors    uint64     `json:"write_errors"`
	Dropped        uint64     `json:"dropped"`
	Filtered       uint64     `json:"filtered"`
}

type staged struct {
	at  time.Time
	app string
}

// item is a queued event or, when flush is set, a sync marker.
type item struct {
	ev    keystroke.KeyEvent
	flush chan struct{}
}

// Agent captures key events from a Source.
type Agent struct {
	cfg     Config
	source  keystroke.Source
	focus   focus.Provider
	buf     *buffer.Buffer
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	policy      focus.Policy
	running     bool
	session     uint64
	username    string
	modelType   model.Type
	startTime   time.Time
	pending     map[string]staged
	queue       chan item
	stop        chan struct{}
	done        chan struct{}
	lastError   string
	writeErrors uint64
	dropped     uint64
	filtered    uint64

	// writeMu is the writer lock: held while a CSV line is appended and
	// while files are counted.
	writeMu sync.Mutex
	file    *os.File
	path    string
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithClock sets the clock used for session timestamps and target polling.
func WithClock(c clock.Clock) Option { return func(a *Agent) { a.clock = c } }

// WithMetrics records capture series.
func WithMetrics(m *metrics.Metrics) Option { return func(a *Agent) { a.metrics = m } }

// New creates an agent. buf may be nil when nothing consumes live events.
func New(cfg Config, source keystroke.Source, fp focus.Provider, buf *buffer.Buffer, opts ...Option) *Agent {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if fp == nil {
		fp = focus.NewStatic(focus.WindowInfo{})
	}
	a := &Agent{
		cfg:    cfg,
		source: source,
		focus:  fp,
		buf:    buf,
		clock:  clock.Real{},
		policy: cfg.Policy,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "capture")
	}
	return a
}

// Start begins a capture session for (username, t).
func (a *Agent) Start(username string, t model.Type) error {
	if err := security.ValidateUsername(username); err != nil {
		return err
	}
	if _, err := model.ParseType(string(t)); err != nil {
		return err
	}
	if err := security.EnsurePrivateDir(a.cfg.DataDir); err != nil {
		return fmt.Errorf("create data directory: %w", errs.IO(err))
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("capture session for %s: %w", a.username, errs.ErrAlreadyRunning)
	}
	a.running = true
	a.session++
	a.username = username
	a.modelType = t
	a.startTime = a.clock.Now()
	a.pending = make(map[string]staged)
	a.queue = make(chan item, a.cfg.QueueSize)
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	a.lastError = ""
	a.writeErrors, a.dropped, a.filtered = 0, 0, 0
	queue, stop, done := a.queue, a.stop, a.done
	a.mu.Unlock()

	go a.writer(queue, stop, done)

	if err := a.source.Start(context.Background(), a.HandleRaw); err != nil {
		a.mu.Lock()
		a.lastError = err.Error()
		a.running = false
		a.mu.Unlock()
		close(stop)
		<-done
		a.closeFile()
		a.logger.Error("key source failed to start", "error", err)
		return fmt.Errorf("start key source: %w", err)
	}

	a.metrics.SetCollectionActive(true)
	a.logger.Info("capture started", "username", username, "model_type", t)
	return nil
}

// Stop ends the session after every queued event is written.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return fmt.Errorf("capture: %w", errs.ErrNotRunning)
	}
	a.running = false
	a.pending = nil
	stop, done := a.stop, a.done
	a.mu.Unlock()

	if err := a.source.Stop(); err != nil {
		a.logger.Warn("key source stop failed", "error", err)
	}
	close(stop)
	<-done
	a.closeFile()

	a.metrics.SetCollectionActive(false)
	a.logger.Info("capture stopped", "username", a.Username())
	return nil
}

// HandleRaw is the source callback. It never blocks.
func (a *Agent) HandleRaw(ev keystroke.RawEvent) {
	key := features.CanonicalKey(ev.Key)
	if key == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}

	if ev.Down {
		if _, held := a.pending[key]; held {
			return
		}
		win := a.focus.Active()
		if a.policy.Sensitive(win) {
			a.filtered++
			a.metrics.RecordDropped("sensitive")
			return
		}
		a.pending[key] = staged{at: ev.Time, app: features.SanitizeApp(win.Label())}
		return
	}

	press, ok := a.pending[key]
	if !ok {
		a.metrics.RecordDropped("unpaired")
		return
	}
	delete(a.pending, key)

	out := keystroke.KeyEvent{Press: press.at, Release: ev.Time, Key: ev.Key, App: press.app}
	if !out.Valid() {
		a.metrics.RecordDropped("invalid")
		return
	}
	select {
	case a.queue <- item{ev: out}:
	default:
		a.dropped++
		a.metrics.RecordDropped("queue_full")
	}
}

// Sync waits until every event handled before the call is written. It
// returns immediately when no session is running.
func (a *Agent) Sync(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	queue, done := a.queue, a.done
	a.mu.Unlock()

	marker := make(chan struct{})
	select {
	case queue <- item{flush: marker}:
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker:
		return nil
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) writer(queue chan item, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case it := <-queue:
			a.process(it)
		case <-stop:
			for {
				select {
				case it := <-queue:
					a.process(it)
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) process(it item) {
	if it.flush != nil {
		close(it.flush)
		return
	}
	if err := a.write(it.ev); err != nil {
		a.mu.Lock()
		a.lastError = err.Error()
		a.writeErrors++
		a.mu.Unlock()
		a.metrics.RecordWriteError()
		a.logger.Warn("capture write failed", "error", err)
		return
	}
	a.metrics.RecordKeystroke(string(a.modelTypeSnapshot()))
	if a.buf != nil {
		a.buf.Append(it.ev)
	}
}

func (a *Agent) write(ev keystroke.KeyEvent) error {
	a.mu.Lock()
	name := FileName(a.username, a.modelType, ev.Press)
	a.mu.Unlock()
	path := filepath.Join(a.cfg.DataDir, name)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.path != path {
		a.closeFileLocked()
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, security.PermPrivateFile)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, errs.IO(err))
		}
		a.file, a.path = f, path
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, errs.IO(err))
		}
		if info.Size() == 0 {
			if err := features.NewWriter(f).WriteHeader(); err != nil {
				return fmt.Errorf("write header %s: %w", name, errs.IO(err))
			}
		}
	}
	if err := features.NewWriter(a.file).Write(ev); err != nil {
		a.closeFileLocked()
		return fmt.Errorf("append %s: %w", name, errs.IO(err))
	}
	return nil
}

func (a *Agent) closeFile() {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.closeFileLocked()
}

func (a *Agent) closeFileLocked() {
	if a.file != nil {
		a.file.Close()
	}
	a.file, a.path = nil, ""
}

// SetPolicy replaces the sensitive-window policy.
func (a *Agent) SetPolicy(p focus.Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policy = p
}

// Running reports whether a session is active.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Username returns the user of the current or last session.
func (a *Agent) Username() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.username
}

func (a *Agent) modelTypeSnapshot() model.Type {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modelType
}

// Count returns the events captured so far for the current (user, model).
func (a *Agent) Count() (int, error) {
	a.mu.Lock()
	user, t := a.username, a.modelType
	a.mu.Unlock()
	if user == "" {
		return 0, nil
	}
	return a.CountFor(user, t)
}

// CountFor returns the events captured for any (user, model).
func (a *Agent) CountFor(username string, t model.Type) (int, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return CountFor(a.cfg.DataDir, username, t)
}

// DataDir returns the capture directory.
func (a *Agent) DataDir() string { return a.cfg.DataDir }

// Status returns a snapshot of the session.
func (a *Agent) Status() CollectionStatus {
	count, err := a.Count()

	a.mu.Lock()
	defer a.mu.Unlock()
	st := CollectionStatus{
		Active:         a.running,
		Username:       a.username,
		ModelType:      a.modelType,
		KeystrokeCount: count,
		LastError:      a.lastError,
		WriteErrors:    a.writeErrors,
		Dropped:        a.dropped,
		Filtered:       a.filtered,
	}
	if err != nil && st.LastError == "" {
		st.LastError = err.Error()
	}
	if a.running {
		start := a.startTime
		st.StartTime = &start
	}
	return st
}

// WatchTarget polls Count every interval and notifies events once when the
// current session reaches target. It returns when the target is reached,
// the session ends or ctx is done.
func (a *Agent) WatchTarget(ctx context.Context, target int, interval time.Duration, events model.LifecycleEvents) {
	a.mu.Lock()
	session, user, t, running := a.session, a.username, a.modelType, a.running
	a.mu.Unlock()
	if !running {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.mu.Lock()
		current := a.running && a.session == session
		a.mu.Unlock()
		if !current {
			return
		}

		count, err := a.CountFor(user, t)
		if err != nil {
			a.logger.Warn("count captured events", "error", err)
		} else if count >= target {
			a.logger.Info("enrollment target reached", "username", user, "model_type", t, "count", count)
			events.OnTargetReached(user, t, count)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}
