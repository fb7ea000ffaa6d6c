package trainer

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/capture"
	"keyguard/internal/clock"
	"keyguard/internal/errs"
	"keyguard/internal/features"
	"keyguard/internal/gbdt"
	"keyguard/internal/keystroke"
	"keyguard/internal/model"
	"keyguard/internal/registry"
	"keyguard/internal/store"
)

var (
	t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	alice = keystroke.Profile{Hold: 80 * time.Millisecond, Interval: 150 * time.Millisecond, Jitter: 0.2}
	bob   = keystroke.Profile{Hold: 200 * time.Millisecond, Interval: 400 * time.Millisecond, Jitter: 0.2}

	testParams = model.Params{
		Iterations:          80,
		Depth:               3,
		LearningRate:        0.3,
		L2LeafReg:           1,
		EarlyStoppingRounds: 20,
		TestSize:            0.2,
		Seed:                7,
		MinEvents:           100,
		ImpostorRatio:       1,
	}
)

type profiles struct {
	mu      sync.Mutex
	trained map[string]float64
}

func (p *profiles) RecordFreeTextTraining(username string, accuracy float64, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trained == nil {
		p.trained = map[string]float64{}
	}
	p.trained[username] = accuracy
	return nil
}

type env struct {
	dir      string
	registry *registry.Registry
	profiles *profiles
	trainer  *Trainer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	reg, err := registry.New(filepath.Join(root, "models"), gbdt.Factory)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	e := &env{dir: filepath.Join(root, "data"), registry: reg, profiles: &profiles{}}
	require.NoError(t, os.MkdirAll(e.dir, 0o700))
	e.trainer = New(e.dir, reg, e.profiles, gbdt.Factory, testParams, WithClock(clock.NewFake(t0)))
	return e
}

func (e *env) write(t *testing.T, user string, mt model.Type, events []keystroke.KeyEvent) {
	t.Helper()
	f, err := os.Create(filepath.Join(e.dir, capture.FileName(user, mt, events[0].Press)))
	require.NoError(t, err)
	defer f.Close()
	w := features.NewWriter(f)
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.Write(events...))
}

// =============================================================================
// Train
// =============================================================================

func TestTrainSeparatesTypists(t *testing.T) {
	e := newEnv(t)
	e.write(t, "alice", model.FreeText, alice.Generate(t0, 500, 1))
	e.write(t, "bob", model.FreeText, bob.Generate(t0, 500, 2))

	info, err := e.trainer.Train(context.Background(), Request{ModelType: model.FreeText, Username: "alice"}, nil)
	require.NoError(t, err)
	assert.True(t, info.IsTrained)
	assert.GreaterOrEqual(t, info.Accuracy, 0.9)
	assert.Equal(t, features.NumFeatures(), info.FeatureCount)
	// About 100 rows per user after the hold-time outlier filter, plus one
	// synthetic impostor per owner row.
	assert.InDelta(t, 300, info.TrainingSamples+info.TestSamples, 6)
	assert.Contains(t, info.Report, "1")
	assert.Contains(t, info.Report, "weighted avg")
	assert.True(t, info.LastTrained.Equal(t0))
	assert.Positive(t, info.BestIteration)

	clf, stored, err := e.registry.Load(model.FreeText, "alice")
	require.NoError(t, err)
	require.NotNil(t, clf)
	assert.InDelta(t, info.Accuracy, stored.Accuracy, 1e-12)
	assert.Contains(t, e.profiles.trained, "alice")
}

func TestTrainFixedTextSkipsProfiles(t *testing.T) {
	e := newEnv(t)
	e.write(t, "alice", model.FixedText, alice.Generate(t0, 200, 1))
	e.write(t, "bob", model.FixedText, bob.Generate(t0, 200, 2))

	_, err := e.trainer.Train(context.Background(), Request{ModelType: model.FixedText, Username: "bob"}, nil)
	require.NoError(t, err)
	assert.Empty(t, e.profiles.trained)
}

func TestTrainErrors(t *testing.T) {
	e := newEnv(t)
	e.write(t, "bob", model.FreeText, bob.Generate(t0, 500, 2))
	e.write(t, "carol", model.FreeText, alice.Generate(t0, 50, 3))

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no data", Request{ModelType: model.FreeText, Username: "alice"}, errs.ErrNoData},
		{"too few events", Request{ModelType: model.FreeText, Username: "carol"}, errs.ErrInsufficientData},
		{"multi-binary", Request{ModelType: model.MultiBinary, Username: "bob"}, errs.ErrInvalidArgument},
		{"bad username", Request{ModelType: model.FreeText, Username: "../bob"}, errs.ErrInvalidArgument},
		{"bad override", Request{ModelType: model.FreeText, Username: "bob", Params: map[string]any{"depth": 99}}, errs.ErrInvalidArgument},
		{"unknown override", Request{ModelType: model.FreeText, Username: "bob", Params: map[string]any{"colour": 1}}, errs.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.trainer.Train(context.Background(), tt.req, nil)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	clf, _, err := e.registry.Load(model.FreeText, "carol")
	require.NoError(t, err)
	assert.Nil(t, clf)
}

func TestLoadFloorCountsCapturedEvents(t *testing.T) {
	e := newEnv(t)
	e.write(t, "alice", model.FreeText, alice.Generate(t0, 10000, 1))
	e.write(t, "bob", model.FreeText, bob.Generate(t0, 10000, 2))
	e.write(t, "carol", model.FreeText, alice.Generate(t0, 9999, 3))

	params := testParams
	params.MinEvents = 10000

	frame, err := e.trainer.Load(model.FreeText, "alice", params)
	require.NoError(t, err)
	// The hold-time outlier filter drops rows, yet a session that reached
	// the enrollment target still meets an equal floor.
	assert.Less(t, frame.EventCounts["alice"], 10000)
	assert.Greater(t, frame.EventCounts["alice"], 9800)

	_, err = e.trainer.Load(model.FreeText, "carol", params)
	assert.True(t, errors.Is(err, errs.ErrInsufficientData), "got %v", err)
}

func TestTrainFrameRequiresLabels(t *testing.T) {
	e := newEnv(t)
	frame, err := features.Extract(alice.Generate(t0, 50, 1), features.Options{})
	require.NoError(t, err)
	_, err = e.trainer.TrainFrame(context.Background(), model.FreeText, "alice", frame, testParams, nil)
	assert.True(t, errors.Is(err, errs.ErrMissingLabel))
}

func TestTrainWithOnlyOwnerDataSynthesizesImpostors(t *testing.T) {
	e := newEnv(t)
	e.write(t, "alice", model.FreeText, alice.Generate(t0, 500, 1))

	info, err := e.trainer.Train(context.Background(), Request{ModelType: model.FreeText, Username: "alice"}, nil)
	require.NoError(t, err)
	total := info.TrainingSamples + info.TestSamples
	assert.Zero(t, total%2, "one synthetic impostor per owner row")
	assert.InDelta(t, 200, total, 4)
	assert.Equal(t, info.Report["1"].Support, info.Report["0"].Support)
}

func TestTrainReportsProgress(t *testing.T) {
	e := newEnv(t)
	e.write(t, "alice", model.FreeText, alice.Generate(t0, 300, 1))
	e.write(t, "bob", model.FreeText, bob.Generate(t0, 300, 2))

	var calls int
	_, err := e.trainer.Train(context.Background(),
		Request{ModelType: model.FreeText, Username: "alice", Params: map[string]any{"early_stopping_rounds": 0}},
		func(done, total int) {
			calls++
			assert.LessOrEqual(t, done, total)
		})
	require.NoError(t, err)
	assert.Equal(t, testParams.Iterations, calls)
}

// =============================================================================
// Dataset helpers
// =============================================================================

func TestAugmentImpostors(t *testing.T) {
	width := features.NumFeatures()
	d := model.Dataset{}
	for i := 0; i < 10; i++ {
		row := make([]float64, width)
		for c := range row {
			row[c] = 1
		}
		for k := 0; k < 5; k++ {
			row[keyTypeStart+k] = float64(k)
			row[sectionStart+k] = float64(10 + k)
		}
		d.X = append(d.X, row)
		d.Y = append(d.Y, 1)
	}
	d.X = append(d.X, make([]float64, width), make([]float64, width))
	d.Y = append(d.Y, 0, 0)

	added := augmentImpostors(&d, 1, rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, 10, added)
	assert.Equal(t, 12, countLabel(d.Y, 0))

	for _, row := range d.X[12:] {
		f := row[0]
		assert.True(t, (f >= 0.3 && f <= 0.7) || (f >= 1.45 && f <= 3.0), "factor %v", f)
		assert.InDelta(t, f, row[timingColumns-1], 1e-12, "one factor per row")
		for k := 0; k < 5; k++ {
			// Types and sections move together.
			assert.Equal(t, row[keyTypeStart+k]+10, row[sectionStart+k])
		}
	}

	assert.Equal(t, 5, augmentImpostors(&d, 0.5, rand.New(rand.NewPCG(1, 2))))
	assert.Zero(t, augmentImpostors(&d, 0, rand.New(rand.NewPCG(1, 2))))
}

func TestStratifiedSplit(t *testing.T) {
	d := model.Dataset{}
	for i := 0; i < 100; i++ {
		d.X = append(d.X, []float64{float64(i)})
		y := 0
		if i < 30 {
			y = 1
		}
		d.Y = append(d.Y, y)
	}
	train, test := stratifiedSplit(d, 0.2, rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, 80, train.Len())
	assert.Equal(t, 20, test.Len())
	assert.Equal(t, 6, countLabel(test.Y, 1))
	assert.Equal(t, 14, countLabel(test.Y, 0))

	again, _ := stratifiedSplit(d, 0.2, rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, train.X, again.X, "seeded split is reproducible")
}

func TestEvaluate(t *testing.T) {
	y := []int{1, 1, 1, 0, 0}
	pred := []int{1, 1, 0, 0, 1}
	acc, report := evaluate(y, pred)
	assert.InDelta(t, 0.6, acc, 1e-12)
	assert.InDelta(t, 2.0/3, report["1"].Precision, 1e-12)
	assert.InDelta(t, 2.0/3, report["1"].Recall, 1e-12)
	assert.InDelta(t, 0.5, report["0"].Precision, 1e-12)
	assert.Equal(t, 3, report["1"].Support)
	assert.Equal(t, 5, report["macro avg"].Support)
}

// =============================================================================
// Jobs
// =============================================================================

type doneRecorder struct {
	mu   sync.Mutex
	jobs []model.TrainingJob
}

func (d *doneRecorder) OnTargetReached(string, model.Type, int) {}
func (d *doneRecorder) OnEnsembleUpdated([]string)            {}
func (d *doneRecorder) OnTrainingDone(j model.TrainingJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, j)
}

func (d *doneRecorder) done() []model.TrainingJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.TrainingJob(nil), d.jobs...)
}

func newJobs(t *testing.T, e *env) (*Jobs, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "keyguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	jobs := NewJobs(e.trainer, st)
	t.Cleanup(jobs.Close)
	return jobs, st
}

func TestJobCompletes(t *testing.T) {
	e := newEnv(t)
	e.write(t, "alice", model.FreeText, alice.Generate(t0, 300, 1))
	e.write(t, "bob", model.FreeText, bob.Generate(t0, 300, 2))
	jobs, _ := newJobs(t, e)
	rec := &doneRecorder{}
	jobs.SetEvents(rec)

	job, err := jobs.Submit(context.Background(), Request{ModelType: model.FreeText, Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, testParams.Iterations, job.Parameters.Iterations)

	final, err := jobs.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, final.Status)
	assert.Equal(t, 100.0, final.Progress)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.StartTime)
	require.NotNil(t, final.EndTime)

	require.Eventually(t, func() bool { return len(rec.done()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, job.ID, rec.done()[0].ID)
	assert.Zero(t, jobs.Active())

	listed, err := jobs.List(store.JobFilter{Username: "alice"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestJobFailureLeavesRegistryUntouched(t *testing.T) {
	e := newEnv(t)
	jobs, _ := newJobs(t, e)

	job, err := jobs.Submit(context.Background(), Request{ModelType: model.FreeText, Username: "alice"})
	require.NoError(t, err)
	final, err := jobs.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, final.Status)
	assert.Contains(t, final.Error, "no data")

	clf, info, err := e.registry.Load(model.FreeText, "alice")
	require.NoError(t, err)
	assert.Nil(t, clf)
	assert.Nil(t, info)
}

func TestSubmitValidatesBeforeRecording(t *testing.T) {
	e := newEnv(t)
	jobs, _ := newJobs(t, e)

	_, err := jobs.Submit(context.Background(), Request{ModelType: model.FreeText, Username: "alice", Params: map[string]any{"iterations": 0}})
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	listed, err := jobs.List(store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestRecoverInterrupted(t *testing.T) {
	e := newEnv(t)
	jobs, st := newJobs(t, e)
	require.NoError(t, st.InsertJob(&model.TrainingJob{
		ID: "stale", ModelType: model.FreeText, Username: "alice",
		Parameters: testParams, Status: model.JobInProgress, CreatedAt: t0,
	}))

	n, err := jobs.RecoverInterrupted()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := jobs.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
}
