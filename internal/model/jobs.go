package model

import (
	"fmt"
	"time"

	"keyguard/internal/errs"
)

// JobStatus is the state of a training job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TrainingJob records one training run.
type TrainingJob struct {
	ID         string     `json:"id"`
	ModelType  Type       `json:"model_type"`
	Username   string     `json:"username"`
	Parameters Params     `json:"parameters"`
	Status     JobStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Result     *Info      `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Progress   float64    `json:"progress"`
}

// IntervalKind is a schedule period.
type IntervalKind string

const (
	Hourly  IntervalKind = "hourly"
	Daily   IntervalKind = "daily"
	Weekly  IntervalKind = "weekly"
	Monthly IntervalKind = "monthly"
	Custom  IntervalKind = "custom"
)

// Schedule is a periodic training trigger.
type Schedule struct {
	ID                    string         `json:"id"`
	ModelType             Type           `json:"model_type"`
	Operation             string         `json:"operation"`
	Username              string         `json:"username"`
	IntervalKind          IntervalKind   `json:"interval_kind"`
	CustomIntervalMinutes int            `json:"custom_interval_minutes,omitempty"`
	NextRun               time.Time      `json:"next_run"`
	LastRun               *time.Time     `json:"last_run,omitempty"`
	Active                bool           `json:"active"`
	Parameters            map[string]any `json:"parameters,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// OperationTrain is the only schedulable operation.
const OperationTrain = "train"

// Interval returns the schedule period. Months are 30 days.
func (s Schedule) Interval() (time.Duration, error) {
	switch s.IntervalKind {
	case Hourly:
		return time.Hour, nil
	case Daily:
		return 24 * time.Hour, nil
	case Weekly:
		return 7 * 24 * time.Hour, nil
	case Monthly:
		return 30 * 24 * time.Hour, nil
	case Custom:
		if s.CustomIntervalMinutes < 1 {
			return 0, fmt.Errorf("custom interval must be at least one minute: %w", errs.ErrInvalidArgument)
		}
		return time.Duration(s.CustomIntervalMinutes) * time.Minute, nil
	}
	return 0, fmt.Errorf("interval kind %q: %w", s.IntervalKind, errs.ErrInvalidArgument)
}

// Validate checks a schedule before it is stored.
func (s Schedule) Validate() error {
	if !s.ModelType.Binary() {
		return fmt.Errorf("schedule model type %q: %w", s.ModelType, errs.ErrInvalidArgument)
	}
	if s.Operation != OperationTrain {
		return fmt.Errorf("schedule operation %q: %w", s.Operation, errs.ErrInvalidArgument)
	}
	if s.Username == "" {
		return fmt.Errorf("schedule username required: %w", errs.ErrInvalidArgument)
	}
	_, err := s.Interval()
	return err
}
