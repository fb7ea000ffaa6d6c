package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"keyguard/internal/clock"
	"keyguard/internal/errs"
	"keyguard/internal/metrics"
	"keyguard/internal/model"
	"keyguard/internal/store"
)

// JobStore persists training job records.
type JobStore interface {
	InsertJob(j *model.TrainingJob) error
	UpdateJob(j *model.TrainingJob) error
	UpdateProgress(id string, progress float64) error
	GetJob(id string) (*model.TrainingJob, error)
	ListJobs(f store.JobFilter) ([]model.TrainingJob, error)
	FailInterrupted(now time.Time) (int, error)
}

// Jobs runs training requests in the background and records their
// progress.
type Jobs struct {
	trainer *Trainer
	store   JobStore
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	events  model.LifecycleEvents
	running map[string]chan struct{}
}

// NewJobs creates a job runner. Jobs inherit the trainer's clock, logger
// and metrics.
func NewJobs(t *Trainer, st JobStore) *Jobs {
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{
		trainer: t,
		store:   st,
		clock:   t.clock,
		logger:  t.logger.With("subcomponent", "jobs"),
		metrics: t.metrics,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]chan struct{}),
	}
}

// SetEvents sets the receiver of OnTrainingDone notifications.
func (j *Jobs) SetEvents(e model.LifecycleEvents) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = e
}

// RecoverInterrupted fails jobs a previous process left unfinished.
func (j *Jobs) RecoverInterrupted() (int, error) {
	n, err := j.store.FailInterrupted(j.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Warn("marked interrupted training jobs as failed", "count", n)
	}
	return n, nil
}

// Submit records a pending job and starts it in the background. The
// returned record is the pending snapshot.
func (j *Jobs) Submit(ctx context.Context, req Request) (*model.TrainingJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params, err := j.trainer.Params(req.Params)
	if err != nil {
		return nil, err
	}
	if err := j.ctx.Err(); err != nil {
		return nil, fmt.Errorf("job runner closed: %w", errs.ErrNotRunning)
	}

	job := &model.TrainingJob{
		ID:         uuid.NewString(),
		ModelType:  req.ModelType,
		Username:   req.Username,
		Parameters: params,
		Status:     model.JobPending,
		CreatedAt:  j.clock.Now(),
	}
	if err := j.store.InsertJob(job); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	j.mu.Lock()
	j.running[job.ID] = done
	j.mu.Unlock()

	snapshot := *job
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.run(job, req)

		j.mu.Lock()
		delete(j.running, job.ID)
		events := j.events
		j.mu.Unlock()
		close(done)
		if events != nil {
			events.OnTrainingDone(*job)
		}
	}()
	return &snapshot, nil
}

func (j *Jobs) run(job *model.TrainingJob, req Request) {
	start := j.clock.Now()
	job.Status = model.JobInProgress
	job.StartTime = &start
	if err := j.store.UpdateJob(job); err != nil {
		j.logger.Warn("record job start", "job_id", job.ID, "error", err)
	}
	j.logger.Info("training job started", "job_id", job.ID, "model_type", job.ModelType, "username", job.Username)

	var last float64
	progress := func(done, total int) {
		if total <= 0 {
			return
		}
		p := math.Min(99, math.Floor(100*float64(done)/float64(total)))
		if p <= last {
			return
		}
		last = p
		if err := j.store.UpdateProgress(job.ID, p); err != nil {
			j.logger.Debug("record job progress", "job_id", job.ID, "error", err)
		}
	}

	info, err := j.trainer.Train(j.ctx, req, progress)
	end := j.clock.Now()
	job.EndTime = &end
	if err != nil {
		job.Status = model.JobFailed
		job.Error = err.Error()
		job.Progress = last
		j.logger.Error("training job failed", "job_id", job.ID, "kind", errs.KindOf(err), "error", err)
	} else {
		job.Status = model.JobCompleted
		job.Result = info
		job.Progress = 100
		j.logger.Info("training job completed", "job_id", job.ID, "accuracy", info.Accuracy)
	}
	if err := j.store.UpdateJob(job); err != nil {
		j.logger.Error("record job result", "job_id", job.ID, "error", err)
	}

	var accuracy float64
	if info != nil {
		accuracy = info.Accuracy
	}
	j.metrics.RecordTraining(string(job.ModelType), job.Username, string(job.Status), accuracy, end.Sub(start))
}

// Wait blocks until the job finishes and returns its final record.
func (j *Jobs) Wait(ctx context.Context, id string) (*model.TrainingJob, error) {
	j.mu.Lock()
	done, ok := j.running[id]
	j.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return j.store.GetJob(id)
}

// Get returns one job record.
func (j *Jobs) Get(id string) (*model.TrainingJob, error) {
	return j.store.GetJob(id)
}

// List returns job records, newest first.
func (j *Jobs) List(f store.JobFilter) ([]model.TrainingJob, error) {
	return j.store.ListJobs(f)
}

// Active returns the number of jobs still running.
func (j *Jobs) Active() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.running)
}

// Close cancels running jobs and waits for them to record their outcome.
func (j *Jobs) Close() {
	j.cancel()
	j.wg.Wait()
}
