// Package lifecycle drives enrollment: collection, training, ensemble
// integration and activation of the model the detector consults.
//
// The controller owns SystemState. Every mutation happens under its mutex
// and is persisted to a single JSON file by write-then-rename. Training
// and ensemble rebuilds run on background goroutines that never hold the
// mutex. The active model is published through an atomic pointer so that
// a detection cycle resolves it once.
package lifecycle

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"keyguard/internal/alerts"
	"keyguard/internal/capture"
	"keyguard/internal/clock"
	"keyguard/internal/detector"
	"keyguard/internal/ensemble"
	"keyguard/internal/errs"
	"keyguard/internal/metrics"
	"keyguard/internal/model"
	"keyguard/internal/security"
	"keyguard/internal/store"
	"keyguard/internal/trainer"
)

// DefaultTarget is the number of events an enrollment collects.
const DefaultTarget = 10000

// Collector is the capture agent.
type Collector interface {
	Start(username string, t model.Type) error
	Stop() error
	Running() bool
	Status() capture.CollectionStatus
	CountFor(username string, t model.Type) (int, error)
	WatchTarget(ctx context.Context, target int, interval time.Duration, events model.LifecycleEvents)
}

// Jobs runs training jobs.
type Jobs interface {
	Submit(ctx context.Context, req trainer.Request) (*model.TrainingJob, error)
	Wait(ctx context.Context, id string) (*model.TrainingJob, error)
}

// Profiles stores user profiles.
type Profiles interface {
	EnsureUser(username string, now time.Time) (*store.User, error)
	GetUser(username string) (*store.User, error)
	EnrolledUsers() ([]store.User, error)
	Enroll(usernames []string, at time.Time) error
	RecordFreeTextTraining(username string, accuracy float64, at time.Time) error
}

// Models is the model registry.
type Models interface {
	ensemble.Source
	SaveEnsemble(m encoding.BinaryMarshaler) error
	LoadEnsemble(u encoding.BinaryUnmarshaler) (bool, error)
}

// Detection is the part of the detector the controller drives.
type Detection interface {
	SetPaused(bool)
}

// Config holds the controller settings.
type Config struct {
	StatePath    string
	Target       int
	PollInterval time.Duration
	// Factory decodes persisted ensembles.
	Factory model.Factory
}

// Deps are the components the controller coordinates.
type Deps struct {
	Capture  Collector
	Jobs     Jobs
	Profiles Profiles
	Models   Models
	Detector Detection
}

// Controller implements the enrollment state machine.
type Controller struct {
	cfg     Config
	deps    Deps
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	active atomic.Pointer[detector.Model]

	mu          sync.Mutex
	state       SystemState
	stash       *detector.Model
	stopWatcher context.CancelFunc
	closed      bool

	// integrateMu serializes ensemble rebuilds.
	integrateMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option { return func(c *Controller) { c.clock = clk } }

// WithMetrics records lifecycle series.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// New creates a controller in the Idle phase. Call Recover to load the
// persisted state.
func New(cfg Config, deps Deps, opts ...Option) *Controller {
	if cfg.Target <= 0 {
		cfg.Target = DefaultTarget
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		clock:  clock.Real{},
		ctx:    ctx,
		cancel: cancel,
		state:  SystemState{Enrollment: EnrollmentProgress{Phase: PhaseIdle, Target: cfg.Target}},
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "lifecycle")
	}
	return c
}

var _ model.LifecycleEvents = (*Controller)(nil)

// Current returns the active model snapshot for the detector.
func (c *Controller) Current() *detector.Model { return c.active.Load() }

// Close cancels background work and waits for it.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.stopWatcher != nil {
		c.stopWatcher()
		c.stopWatcher = nil
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// Snapshot is the controller state with live collection figures.
type Snapshot struct {
	SystemState
	Collection capture.CollectionStatus `json:"collection"`
}

// Status returns the current state. The collected count of a running
// enrollment is read from the captured files.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	s := c.state.clone()
	c.mu.Unlock()

	if s.Enrollment.Phase == PhaseCollecting && s.Enrollment.Username != "" {
		if n, err := c.deps.Capture.CountFor(s.Enrollment.Username, s.Enrollment.ModelType); err == nil {
			s.Enrollment.setCollected(n)
		}
	}
	return Snapshot{SystemState: s, Collection: c.deps.Capture.Status()}
}

// Progress returns the enrollment progress copied into alerts.
func (c *Controller) Progress() alerts.Progress {
	s := c.Status()
	return alerts.NewProgress(s.Enrollment.Collected, s.Enrollment.Target)
}

// setPhaseLocked records a phase change. c.mu must be held.
func (c *Controller) setPhaseLocked(p Phase) {
	if c.state.Enrollment.Phase != p {
		c.logger.Info("enrollment phase", "username", c.state.Enrollment.Username, "from", c.state.Enrollment.Phase, "to", p)
	}
	c.state.Enrollment.Phase = p
	c.metrics.SetPhase(string(p), phaseNames())
}

// persistLocked writes the state file. c.mu must be held.
func (c *Controller) persistLocked() {
	c.state.UpdatedAt = c.clock.Now()
	if c.cfg.StatePath == "" {
		return
	}
	if err := saveState(c.cfg.StatePath, c.state); err != nil {
		c.logger.Error("persist lifecycle state", "error", err)
	}
}

// =============================================================================
// Collection
// =============================================================================

// StartCollection begins an enrollment for username. A free-text
// enrollment trains and integrates automatically once the target is
// reached.
func (c *Controller) StartCollection(ctx context.Context, username string, t model.Type) (*EnrollmentProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := security.ValidateUsername(username); err != nil {
		return nil, err
	}
	if !t.Binary() {
		return nil, fmt.Errorf("collect %q data: %w", t, errs.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("controller closed: %w", errs.ErrNotRunning)
	}
	if c.state.SwitchUser != nil {
		return nil, fmt.Errorf("switch-user mode for %s is active: %w", c.state.SwitchUser.Username, errs.ErrConflict)
	}
	if c.state.Enrollment.Phase.Busy() {
		if c.state.Enrollment.Phase == PhaseCollecting {
			return nil, fmt.Errorf("collection for %s: %w", c.state.Enrollment.Username, errs.ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("enrollment of %s is %s: %w", c.state.Enrollment.Username, c.state.Enrollment.Phase, errs.ErrConflict)
	}
	if _, err := c.deps.Profiles.EnsureUser(username, c.clock.Now()); err != nil {
		return nil, err
	}
	c.pauseMonitoringLocked()
	if err := c.beginCollectingLocked(username, t); err != nil {
		c.resumeMonitoringLocked()
		return nil, err
	}
	p := c.state.Enrollment
	return &p, nil
}

// beginCollectingLocked starts capture and, for free-text, the target
// watcher.
func (c *Controller) beginCollectingLocked(username string, t model.Type) error {
	if err := c.deps.Capture.Start(username, t); err != nil {
		return err
	}
	count, err := c.deps.Capture.CountFor(username, t)
	if err != nil {
		c.logger.Warn("count existing events", "username", username, "error", err)
	}
	now := c.clock.Now()
	c.state.Enrollment = EnrollmentProgress{
		Username:  username,
		ModelType: t,
		Target:    c.cfg.Target,
		StartedAt: &now,
	}
	c.state.Enrollment.setCollected(count)
	c.setPhaseLocked(PhaseCollecting)

	if t == model.FreeText {
		wctx, cancel := context.WithCancel(c.ctx)
		c.stopWatcher = cancel
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.deps.Capture.WatchTarget(wctx, c.cfg.Target, c.cfg.PollInterval, c)
		}()
	}
	c.persistLocked()
	c.logger.Info("collection started", "username", username, "model_type", t, "collected", count, "target", c.cfg.Target)
	return nil
}

// StopCollection ends the running enrollment. Partial data is kept; a
// free-text enrollment that reached its target moves on to training.
func (c *Controller) StopCollection(ctx context.Context) (*EnrollmentProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SwitchUser != nil {
		return nil, fmt.Errorf("switch-user mode is active, stop it instead: %w", errs.ErrConflict)
	}
	if c.state.Enrollment.Phase != PhaseCollecting {
		return nil, fmt.Errorf("no collection: %w", errs.ErrNotRunning)
	}
	return c.finishCollectingLocked("stopped")
}

// finishCollectingLocked stops capture and either launches the training
// pipeline or returns to Idle.
func (c *Controller) finishCollectingLocked(reason string) (*EnrollmentProgress, error) {
	e := &c.state.Enrollment
	if c.stopWatcher != nil {
		c.stopWatcher()
		c.stopWatcher = nil
	}
	if err := c.deps.Capture.Stop(); err != nil && !errors.Is(err, errs.ErrNotRunning) {
		c.logger.Warn("stop capture", "error", err)
	}
	count, err := c.deps.Capture.CountFor(e.Username, e.ModelType)
	if err != nil {
		return nil, err
	}
	e.setCollected(count)
	c.logger.Info("collection finished", "username", e.Username, "model_type", e.ModelType, "collected", count, "reason", reason)

	if e.ModelType == model.FreeText && count >= e.Target {
		c.launchPipelineLocked(e.Username)
	} else {
		c.setPhaseLocked(PhaseIdle)
		c.resumeMonitoringLocked()
	}
	c.persistLocked()
	p := *e
	p.JobIDs = append([]string(nil), e.JobIDs...)
	return &p, nil
}

// pauseMonitoringLocked stops a detection feed so capture can be reused.
func (c *Controller) pauseMonitoringLocked() {
	if c.state.Monitoring != "" && c.deps.Capture.Running() {
		if err := c.deps.Capture.Stop(); err != nil {
			c.logger.Warn("stop monitoring capture", "error", err)
		}
	}
}

// resumeMonitoringLocked restarts the detection feed after an enrollment.
func (c *Controller) resumeMonitoringLocked() {
	if c.state.Monitoring == "" || c.closed || c.deps.Capture.Running() {
		return
	}
	if c.active.Load() == nil {
		return
	}
	if err := c.deps.Capture.Start(c.state.Monitoring, model.MultiBinary); err != nil {
		c.logger.Error("restart monitoring capture", "username", c.state.Monitoring, "error", err)
	}
}

// =============================================================================
// Switch-user mode
// =============================================================================

// StartSwitchUser onboards username while the active model keeps its
// place: detection pauses and capture runs in free-text mode.
func (c *Controller) StartSwitchUser(ctx context.Context, username string) (*EnrollmentProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := security.ValidateUsername(username); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("controller closed: %w", errs.ErrNotRunning)
	}
	if c.state.SwitchUser != nil {
		return nil, fmt.Errorf("switch-user mode for %s is active: %w", c.state.SwitchUser.Username, errs.ErrConflict)
	}
	if c.state.Enrollment.Phase.Busy() {
		return nil, fmt.Errorf("enrollment of %s is %s: %w", c.state.Enrollment.Username, c.state.Enrollment.Phase, errs.ErrConflict)
	}
	if _, err := c.deps.Profiles.EnsureUser(username, c.clock.Now()); err != nil {
		return nil, err
	}

	c.stash = c.active.Load()
	c.deps.Detector.SetPaused(true)
	c.pauseMonitoringLocked()
	if err := c.beginCollectingLocked(username, model.FreeText); err != nil {
		c.stash = nil
		c.deps.Detector.SetPaused(false)
		c.resumeMonitoringLocked()
		return nil, err
	}
	c.state.SwitchUser = &SwitchUser{Username: username, Stashed: c.state.ActiveModel, StartedAt: c.clock.Now()}
	c.persistLocked()
	c.logger.Info("switch-user mode entered", "username", username, "stashed_model", c.state.ActiveModel.Type)
	p := c.state.Enrollment
	return &p, nil
}

// StopSwitchUser leaves switch-user mode. With enough data the new user
// is trained and integrated in the background; otherwise the stashed
// model is restored at once.
func (c *Controller) StopSwitchUser(ctx context.Context) (*EnrollmentProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SwitchUser == nil {
		return nil, fmt.Errorf("switch-user mode: %w", errs.ErrNotRunning)
	}
	if c.state.Enrollment.Phase != PhaseCollecting {
		return nil, fmt.Errorf("switch-user enrollment is %s: %w", c.state.Enrollment.Phase, errs.ErrConflict)
	}
	p, err := c.finishCollectingLocked("switch-user stopped")
	if err != nil {
		return nil, err
	}
	if p.Phase == PhaseIdle {
		p.Error = fmt.Sprintf("collected %d of %d events", p.Collected, p.Target)
		c.state.Enrollment.Error = p.Error
		c.restoreStashLocked()
		c.persistLocked()
	}
	return p, nil
}

// restoreStashLocked puts the stashed model back and resumes detection.
func (c *Controller) restoreStashLocked() {
	if c.state.SwitchUser == nil {
		return
	}
	c.active.Store(c.stash)
	c.state.ActiveModel = c.state.SwitchUser.Stashed
	c.state.SwitchUser = nil
	c.stash = nil
	c.metrics.SetActiveModel(string(c.state.ActiveModel.Type), modelTypes)
	c.deps.Detector.SetPaused(false)
	c.resumeMonitoringLocked()
	c.logger.Info("switch-user mode left, previous model restored", "model_type", c.state.ActiveModel.Type)
}

// =============================================================================
// LifecycleEvents
// =============================================================================

// OnTargetReached ends the matching collection as if it had been stopped.
func (c *Controller) OnTargetReached(username string, t model.Type, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.state.Enrollment
	if e.Phase != PhaseCollecting || e.Username != username || e.ModelType != t {
		return
	}
	if _, err := c.finishCollectingLocked("target reached"); err != nil {
		c.logger.Error("finish collection", "username", username, "error", err)
	}
}

// OnTrainingDone refreshes the serving model when a job retrained one of
// its members.
func (c *Controller) OnTrainingDone(job model.TrainingJob) {
	if job.Status != model.JobCompleted {
		return
	}
	current := c.active.Load()
	switch {
	case current == nil:
	case current.Ensemble != nil && job.ModelType == model.FreeText && current.Ensemble.Has(job.Username):
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.rebuild(c.ctx, ""); err != nil {
				c.logger.Error("refresh ensemble", "error", err)
			}
		}()
	case current.Active.Type == job.ModelType && current.Active.Username == job.Username:
		if err := c.SwitchActive(c.ctx, job.ModelType, job.Username); err != nil {
			c.logger.Error("reload retrained model", "error", err)
		}
	}
}

// OnEnsembleUpdated records the new member list.
func (c *Controller) OnEnsembleUpdated(names []string) {
	c.metrics.SetEnsembleMembers(len(names))
	c.logger.Info("ensemble updated", "members", names)
}
