package detector

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/alerts"
	"keyguard/internal/buffer"
	"keyguard/internal/clock"
	"keyguard/internal/ensemble"
	"keyguard/internal/errs"
	"keyguard/internal/keystroke"
	"keyguard/internal/model"
)

var (
	t0    = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	typer = keystroke.Profile{Hold: 100 * time.Millisecond, Interval: 200 * time.Millisecond, Jitter: 0.1}
)

// scripted returns queued probabilities, one value for every row of a call.
type scripted struct {
	mu    sync.Mutex
	queue []float64
	err   error
	rows  []int
}

func (s *scripted) Fit(context.Context, model.Dataset, model.Dataset, model.ProgressFunc) error {
	return nil
}

func (s *scripted) PredictProba(X [][]float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, len(X))
	if s.err != nil {
		return nil, s.err
	}
	p := 1.0
	if len(s.queue) > 0 {
		p, s.queue = s.queue[0], s.queue[1:]
	}
	out := make([]float64, len(X))
	for i := range out {
		out[i] = p
	}
	return out, nil
}

func (s *scripted) push(p ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, p...)
}

func (s *scripted) Predict([][]float64) ([]int, error) { return nil, nil }
func (s *scripted) BestIteration() int                 { return 1 }
func (s *scripted) MarshalBinary() ([]byte, error)     { return json.Marshal(s.queue) }
func (s *scripted) UnmarshalBinary([]byte) error       { return nil }

type source struct{ p atomic.Pointer[Model] }

func (s *source) Current() *Model { return s.p.Load() }

type fixture struct {
	det    *Detector
	buf    *buffer.Buffer
	store  *alerts.Store
	models *source
	clk    *clock.Fake
	next   time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	buf, err := buffer.New(1000, "", nil)
	require.NoError(t, err)
	store, err := alerts.NewStore(filepath.Join(t.TempDir(), "alerts"), nil)
	require.NoError(t, err)
	f := &fixture{buf: buf, store: store, models: &source{}, clk: clock.NewFake(t0), next: t0}
	f.det = New(cfg, buf, f.models, store,
		WithClock(f.clk),
		WithProgress(func() alerts.Progress { return alerts.NewProgress(10000, 10000) }),
	)
	return f
}

func (f *fixture) binary(clf model.Classifier) {
	f.models.p.Store(&Model{Active: model.ActiveModel{Type: model.FreeText, Username: "alice"}, Classifier: clf})
}

func (f *fixture) feed(n int) []keystroke.KeyEvent {
	events := typer.Generate(f.next, n, uint64(f.next.UnixNano()))
	f.next = f.next.Add(typer.Span(n) + time.Second)
	f.buf.Append(events...)
	return events
}

func (f *fixture) alertCount(t *testing.T) int {
	t.Helper()
	n, err := f.store.Count()
	require.NoError(t, err)
	return n
}

// =============================================================================
// Gating
// =============================================================================

func TestCycleWaitsForThreshold(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.binary(&scripted{})

	f.feed(29)
	res, err := f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 29, f.buf.Size())

	f.feed(1)
	res, err = f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOwner, res.Outcome)
	assert.Equal(t, 30, res.Events)
	assert.Zero(t, f.buf.Size())
}

func TestCycleHonorsEnabledAndPaused(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.binary(&scripted{})
	f.feed(40)

	f.det.SetEnabled(false)
	res, err := f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	f.det.SetEnabled(true)
	f.det.SetPaused(true)
	res, err = f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 40, f.buf.Size())

	f.det.SetPaused(false)
	res, err = f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOwner, res.Outcome)
}

func TestCycleWithoutModelDiscardsWindow(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.feed(30)
	res, err := f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoModel, res.Outcome)
	assert.Zero(t, f.buf.Size())
}

func TestSetThresholdClamps(t *testing.T) {
	f := newFixture(t, Config{Threshold: 500})
	assert.Equal(t, MaxThreshold, f.det.Status().Threshold)

	tests := []struct{ in, want int }{{1, 5}, {5, 5}, {42, 42}, {100, 100}, {101, 100}}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.det.SetThreshold(tt.in))
		assert.Equal(t, tt.want, f.det.Status().Threshold)
	}
}

// =============================================================================
// Binary voting
// =============================================================================

func TestTwoConsecutiveNonOwnerWindowsRaiseOneAlert(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	clf := &scripted{}
	f.binary(clf)
	clf.push(0.2, 0.3, 0.1)

	f.feed(30)
	res, err := f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoise, res.Outcome)
	assert.Zero(t, f.alertCount(t))

	window := f.feed(30)
	res, err = f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnomaly, res.Outcome)
	require.NotNil(t, res.Alert)
	assert.Equal(t, 1, f.alertCount(t))

	got, err := f.store.Get(res.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, "free_text_keystroke_anomaly", got.Type)
	assert.Equal(t, 30, got.KeystrokeCount)
	require.Len(t, got.Keystrokes, 30)
	assert.Equal(t, window[0].Key, got.Keystrokes[0].Key)
	assert.Less(t, got.Confidence, 0.5)
	assert.Equal(t, 100.0, got.CollectionProgress.Percentage)
	assert.EqualValues(t, 0, got.PredictionResult["window_verdict"])

	// The run restarted: a third low window alone does not alert.
	f.feed(30)
	res, err = f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoise, res.Outcome)
	assert.Equal(t, 1, f.alertCount(t))
	assert.Equal(t, 1, f.det.Status().ConsecutiveZeros)
	assert.EqualValues(t, 1, f.det.Status().Alerts)
}

func TestOwnerWindowResetsRun(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	clf := &scripted{}
	f.binary(clf)
	clf.push(0.1, 0.9, 0.1, 0.5, 0.49)

	for i := 0; i < 5; i++ {
		f.feed(30)
		res, err := f.det.Cycle(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, OutcomeAnomaly, res.Outcome, "window %d", i)
	}
	assert.Zero(t, f.alertCount(t))
}

func TestConsecutiveAnomaliesConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecutiveAnomalies = 1
	f := newFixture(t, cfg)
	clf := &scripted{}
	f.binary(clf)
	clf.push(0.1, 0.1)

	for i := 0; i < 2; i++ {
		f.feed(30)
		res, err := f.det.Cycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeAnomaly, res.Outcome)
	}
	assert.Equal(t, 2, f.alertCount(t))
}

func TestModelSwitchResetsRun(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	first := &scripted{}
	first.push(0.1)
	f.binary(first)
	f.feed(30)
	_, err := f.det.Cycle(context.Background())
	require.NoError(t, err)

	second := &scripted{}
	second.push(0.1)
	f.binary(second)
	f.feed(30)
	res, err := f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoise, res.Outcome)
	assert.Zero(t, f.alertCount(t))
}

func TestRemainderCarriesToNextWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threshold = 5
	f := newFixture(t, cfg)
	clf := &scripted{}
	f.binary(clf)

	f.feed(7)
	res, err := f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Events)

	f.feed(8)
	res, err = f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Events)
	assert.Equal(t, []int{1, 2}, clf.rows)
}

// =============================================================================
// Errors
// =============================================================================

func TestFailedCycleResetsBufferAndContinues(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	clf := &scripted{err: errors.New("boom")}
	f.binary(clf)

	f.feed(35)
	res, err := f.det.Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCompute))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Zero(t, f.buf.Size())
	assert.Contains(t, f.det.Status().LastError, "boom")

	clf.mu.Lock()
	clf.err = nil
	clf.mu.Unlock()
	f.feed(30)
	res, err = f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOwner, res.Outcome)
	assert.Equal(t, 30, res.Events, "the failed window's tail was dropped")
}

func TestTooFewUsableEventsIsAnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threshold = 5
	f := newFixture(t, cfg)
	f.binary(&scripted{})

	bad := make([]keystroke.KeyEvent, 6)
	for i := range bad {
		bad[i] = keystroke.KeyEvent{Press: t0, Release: t0.Add(-time.Second), Key: "a"}
	}
	f.buf.Append(bad...)
	_, err := f.det.Cycle(context.Background())
	assert.True(t, errors.Is(err, errs.ErrEmptyInput))
	assert.Zero(t, f.buf.Size())
}

// =============================================================================
// Ensemble
// =============================================================================

func TestEnsembleAlertsOnUnknown(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alice, bob := &scripted{}, &scripted{}
	ens, err := ensemble.New([]string{"alice", "bob"}, []model.Classifier{alice, bob})
	require.NoError(t, err)
	f.models.p.Store(&Model{Active: model.ActiveModel{Type: model.MultiBinary}, Ensemble: ens})

	alice.push(0.2, 0.8)
	bob.push(0.9, 0.1)
	f.feed(30)
	res, err := f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOwner, res.Outcome)
	assert.InDelta(t, 0.9, res.Confidence, 1e-12)

	f.feed(30)
	res, err = f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOwner, res.Outcome)

	alice.push(0.3)
	bob.push(0.4)
	f.feed(30)
	res, err = f.det.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnomaly, res.Outcome)
	require.NotNil(t, res.Alert)

	got, err := f.store.Get(res.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, "multi_binary_keystroke_anomaly", got.Type)
	assert.Equal(t, ensemble.Unknown, got.PredictionResult["predicted_user"])
	assert.InDelta(t, 0.4, got.Confidence, 1e-12)
}

func TestPredictLeavesDetectionStateAlone(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	clf := &scripted{}
	f.binary(clf)
	events := typer.Generate(t0, 12, 1)

	clf.push(0.2)
	p, err := f.det.Predict(context.Background(), f.models.Current(), events)
	require.NoError(t, err)
	assert.False(t, p.Owner)
	assert.Equal(t, 2, p.Rows)
	assert.Equal(t, model.FreeText, p.ModelType)
	assert.InDelta(t, 0.2, p.Confidence, 1e-12)
	assert.Equal(t, []int{0, 0}, p.Result["row_predictions"])

	clf.push(0.9)
	p, err = f.det.Predict(context.Background(), f.models.Current(), events)
	require.NoError(t, err)
	assert.True(t, p.Owner)

	assert.Zero(t, f.alertCount(t))
	assert.Zero(t, f.det.Status().ConsecutiveZeros)

	_, err = f.det.Predict(context.Background(), f.models.Current(), events[:3])
	assert.ErrorIs(t, err, errs.ErrEmptyInput)
	_, err = f.det.Predict(context.Background(), nil, events)
	assert.ErrorIs(t, err, errs.ErrModelNotTrained)
}

func TestPredictWithEnsemble(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alice, bob := &scripted{}, &scripted{}
	ens, err := ensemble.New([]string{"alice", "bob"}, []model.Classifier{alice, bob})
	require.NoError(t, err)
	m := &Model{Active: model.ActiveModel{Type: model.MultiBinary}, Ensemble: ens}

	alice.push(0.1)
	bob.push(0.8)
	p, err := f.det.Predict(context.Background(), m, typer.Generate(t0, 10, 2))
	require.NoError(t, err)
	assert.True(t, p.Owner)
	assert.Equal(t, "bob", p.Username)
	assert.Equal(t, "bob", p.Result["predicted_user"])
}

// =============================================================================
// Run loop
// =============================================================================

func TestRunPolls(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.binary(&scripted{})
	f.feed(30)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.det.Run(ctx) }()

	require.Eventually(t, func() bool { return f.clk.Waiters() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		f.clk.Advance(time.Second)
		return f.det.Status().Cycles > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.buf.Size())

	cancel()
	require.NoError(t, <-done)
}
