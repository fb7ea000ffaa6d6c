// Package scheduler launches periodic retraining jobs.
//
// Schedules live in the store. Once per tick every active schedule whose
// next run is due launches a training job and moves its next run one
// interval past the tick. Missed runs are not replayed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"keyguard/internal/clock"
	"keyguard/internal/errs"
	"keyguard/internal/metrics"
	"keyguard/internal/model"
	"keyguard/internal/security"
	"keyguard/internal/trainer"
)

// DefaultTick is the period between due checks.
const DefaultTick = time.Minute

// Store persists schedules.
type Store interface {
	InsertSchedule(sc *model.Schedule) error
	UpdateSchedule(sc *model.Schedule) error
	DeleteSchedule(id string) error
	GetSchedule(id string) (*model.Schedule, error)
	ListSchedules(activeOnly bool) ([]model.Schedule, error)
}

// Launcher starts training jobs.
type Launcher interface {
	Submit(ctx context.Context, req trainer.Request) (*model.TrainingJob, error)
}

// Request describes a schedule to create, or the fields to change on
// update. Zero values and nil pointers leave a field untouched on update.
type Request struct {
	ModelType             model.Type         `json:"model_type"`
	Operation             string             `json:"operation"`
	Username              string             `json:"username"`
	IntervalKind          model.IntervalKind `json:"interval_kind"`
	CustomIntervalMinutes int                `json:"custom_interval_minutes"`
	NextRun               *time.Time         `json:"next_run"`
	Active                *bool              `json:"active"`
	Parameters            map[string]any     `json:"parameters"`
}

// Scheduler owns schedule CRUD and the tick loop.
type Scheduler struct {
	store   Store
	jobs    Launcher
	tick    time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock sets the clock.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithMetrics counts launched runs.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithTick overrides DefaultTick.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// New creates a scheduler.
func New(st Store, jobs Launcher, opts ...Option) *Scheduler {
	s := &Scheduler{store: st, jobs: jobs, tick: DefaultTick, clock: clock.Real{}}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "scheduler")
	}
	return s
}

// =============================================================================
// CRUD
// =============================================================================

// Create stores a new schedule. Without an explicit next run the first run
// is one interval after creation. Schedules are active unless the request
// says otherwise.
func (s *Scheduler) Create(req Request) (*model.Schedule, error) {
	now := s.clock.Now()
	sc := &model.Schedule{
		ID:                    uuid.NewString(),
		ModelType:             req.ModelType,
		Operation:             req.Operation,
		Username:              req.Username,
		IntervalKind:          req.IntervalKind,
		CustomIntervalMinutes: req.CustomIntervalMinutes,
		Active:                true,
		Parameters:            maps.Clone(req.Parameters),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if sc.Operation == "" {
		sc.Operation = model.OperationTrain
	}
	if req.Active != nil {
		sc.Active = *req.Active
	}
	if err := check(sc); err != nil {
		return nil, err
	}
	interval, _ := sc.Interval()
	sc.NextRun = now.Add(interval)
	if req.NextRun != nil {
		sc.NextRun = *req.NextRun
	}
	if err := s.store.InsertSchedule(sc); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created", "schedule_id", sc.ID, "model_type", sc.ModelType,
		"username", sc.Username, "interval", sc.IntervalKind, "next_run", sc.NextRun)
	return sc, nil
}

// Update changes the fields set in req. A new interval without an explicit
// next run reschedules from now.
func (s *Scheduler) Update(id string, req Request) (*model.Schedule, error) {
	sc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	rescheduled := false
	if req.ModelType != "" {
		sc.ModelType = req.ModelType
	}
	if req.Operation != "" {
		sc.Operation = req.Operation
	}
	if req.Username != "" {
		sc.Username = req.Username
	}
	if req.IntervalKind != "" && req.IntervalKind != sc.IntervalKind {
		sc.IntervalKind = req.IntervalKind
		rescheduled = true
	}
	if req.CustomIntervalMinutes > 0 && req.CustomIntervalMinutes != sc.CustomIntervalMinutes {
		sc.CustomIntervalMinutes = req.CustomIntervalMinutes
		rescheduled = sc.IntervalKind == model.Custom || rescheduled
	}
	if req.Active != nil {
		sc.Active = *req.Active
	}
	if req.Parameters != nil {
		sc.Parameters = maps.Clone(req.Parameters)
	}
	if err := check(sc); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	switch {
	case req.NextRun != nil:
		sc.NextRun = *req.NextRun
	case rescheduled:
		interval, _ := sc.Interval()
		sc.NextRun = now.Add(interval)
	}
	sc.UpdatedAt = now
	if err := s.store.UpdateSchedule(sc); err != nil {
		return nil, err
	}
	s.logger.Info("schedule updated", "schedule_id", sc.ID, "active", sc.Active, "next_run", sc.NextRun)
	return sc, nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(id string) error {
	if err := security.ValidateID(id); err != nil {
		return err
	}
	if err := s.store.DeleteSchedule(id); err != nil {
		return err
	}
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// Get returns one schedule.
func (s *Scheduler) Get(id string) (*model.Schedule, error) {
	if err := security.ValidateID(id); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(id)
}

// List returns every schedule in creation order.
func (s *Scheduler) List() ([]model.Schedule, error) {
	return s.store.ListSchedules(false)
}

func check(sc *model.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	return security.ValidateUsername(sc.Username)
}

// =============================================================================
// Tick loop
// =============================================================================

// Run checks for due schedules every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "tick", s.tick)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C():
			if _, err := s.Tick(ctx, s.clock.Now()); err != nil {
				s.logger.Error("scheduler tick", "error", err)
			}
		}
	}
}

// Tick launches every active schedule due at now and returns how many jobs
// started. A schedule whose launch fails still moves to its next run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListSchedules(true)
	if err != nil {
		return 0, err
	}
	var (
		launched int
		failures []error
	)
	for _, sc := range due {
		if err := ctx.Err(); err != nil {
			return launched, err
		}
		if sc.NextRun.After(now) {
			continue
		}
		if err := s.launch(ctx, &sc, now); err != nil {
			failures = append(failures, fmt.Errorf("schedule %s: %w", sc.ID, err))
			continue
		}
		launched++
	}
	return launched, errors.Join(failures...)
}

func (s *Scheduler) launch(ctx context.Context, sc *model.Schedule, now time.Time) error {
	interval, err := sc.Interval()
	if err != nil {
		return err
	}
	var launchErr error
	switch sc.Operation {
	case model.OperationTrain:
		job, err := s.jobs.Submit(ctx, trainer.Request{ModelType: sc.ModelType, Username: sc.Username, Params: sc.Parameters})
		if err != nil {
			launchErr = err
			s.logger.Error("scheduled training failed to start", "schedule_id", sc.ID, "kind", errs.KindOf(err), "error", err)
		} else {
			s.metrics.RecordScheduledRun()
			s.logger.Info("scheduled training started", "schedule_id", sc.ID, "job_id", job.ID,
				"model_type", sc.ModelType, "username", sc.Username)
		}
	default:
		launchErr = fmt.Errorf("operation %q: %w", sc.Operation, errs.ErrInvalidArgument)
	}

	sc.LastRun = &now
	sc.NextRun = now.Add(interval)
	sc.UpdatedAt = now
	if err := s.store.UpdateSchedule(sc); err != nil {
		return errors.Join(launchErr, err)
	}
	return launchErr
}
