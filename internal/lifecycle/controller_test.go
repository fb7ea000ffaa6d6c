package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/alerts"
	"keyguard/internal/buffer"
	"keyguard/internal/capture"
	"keyguard/internal/clock"
	"keyguard/internal/detector"
	"keyguard/internal/ensemble"
	"keyguard/internal/errs"
	"keyguard/internal/features"
	"keyguard/internal/focus"
	"keyguard/internal/gbdt"
	"keyguard/internal/keystroke"
	"keyguard/internal/model"
	"keyguard/internal/registry"
	"keyguard/internal/store"
	"keyguard/internal/trainer"
)

var (
	t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	alice = keystroke.Profile{Hold: 80 * time.Millisecond, Interval: 150 * time.Millisecond, Jitter: 0.2}
	bob   = keystroke.Profile{Hold: 200 * time.Millisecond, Interval: 400 * time.Millisecond, Jitter: 0.2}
	noise = keystroke.Profile{Hold: 1500 * time.Millisecond, Interval: 2500 * time.Millisecond, Jitter: 0.2}

	editor = focus.WindowInfo{Application: "editor", Title: "notes.txt"}
)

const settle = 20 * time.Second

type options struct {
	target    int
	minEvents int
	policy    focus.Policy
}

type fixture struct {
	dir      string
	clock    *clock.Fake
	source   *keystroke.Simulated
	window   *focus.Static
	buf      *buffer.Buffer
	agent    *capture.Agent
	store    *store.Store
	registry *registry.Registry
	jobs     *trainer.Jobs
	alerts   *alerts.Store
	detector *detector.Detector
	ctl      *Controller

	closeOnce sync.Once
}

func newFixture(t *testing.T, dir string, o options) *fixture {
	t.Helper()
	if o.target == 0 {
		o.target = 3000
	}
	if o.minEvents == 0 {
		o.minEvents = 1000
	}
	f := &fixture{
		dir:    dir,
		clock:  clock.NewFake(t0),
		source: keystroke.NewSimulated(),
		window: focus.NewStatic(editor),
	}

	var err error
	f.buf, err = buffer.New(buffer.DefaultCapacity, "", nil)
	require.NoError(t, err)
	dataDir := filepath.Join(dir, "data")
	f.agent = capture.New(capture.Config{DataDir: dataDir, Policy: o.policy}, f.source, f.window, f.buf, capture.WithClock(f.clock))

	f.store, err = store.Open(filepath.Join(dir, "keyguard.db"))
	require.NoError(t, err)
	f.registry, err = registry.New(filepath.Join(dir, "models"), gbdt.Factory)
	require.NoError(t, err)

	params := model.Params{
		Iterations:          60,
		Depth:               3,
		LearningRate:        0.3,
		L2LeafReg:           1,
		EarlyStoppingRounds: 20,
		TestSize:            0.2,
		Seed:                7,
		MinEvents:           o.minEvents,
		ImpostorRatio:       1,
	}
	tr := trainer.New(dataDir, f.registry, f.store, gbdt.Factory, params, trainer.WithClock(f.clock))
	f.jobs = trainer.NewJobs(tr, f.store)

	f.alerts, err = alerts.NewStore(filepath.Join(dir, "alerts"), nil)
	require.NoError(t, err)

	var ctl *Controller
	f.detector = detector.New(detector.DefaultConfig(), f.buf, modelSource{&ctl}, f.alerts,
		detector.WithClock(f.clock),
		detector.WithProgress(func() alerts.Progress { return ctl.Progress() }))
	ctl = New(Config{
		StatePath:    filepath.Join(dir, "state.json"),
		Target:       o.target,
		PollInterval: time.Second,
		Factory:      gbdt.Factory,
	}, Deps{
		Capture:  f.agent,
		Jobs:     f.jobs,
		Profiles: f.store,
		Models:   f.registry,
		Detector: f.detector,
	}, WithClock(f.clock))
	f.ctl = ctl
	f.jobs.SetEvents(ctl)

	t.Cleanup(f.close)
	return f
}

// modelSource resolves the controller lazily; the detector is built first.
type modelSource struct{ ctl **Controller }

func (m modelSource) Current() *detector.Model { return (*m.ctl).Current() }

// close stops everything without touching the persisted state, the way a
// killed process leaves it.
func (f *fixture) close() {
	f.closeOnce.Do(func() {
		f.ctl.Close()
		f.jobs.Close()
		_ = f.agent.Stop()
		f.registry.Close()
		f.store.Close()
	})
}

// feed types events through the simulated source and waits for the agent
// to write them. Chunks stay below the capture queue size.
func (f *fixture) feed(t *testing.T, events []keystroke.KeyEvent) {
	t.Helper()
	for len(events) > 0 {
		n := min(len(events), 1000)
		f.source.Type(events[:n])
		require.NoError(t, f.agent.Sync(context.Background()))
		events = events[n:]
	}
}

func (f *fixture) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.ctl.Status().Enrollment.Phase == want
	}, settle, 10*time.Millisecond, "phase never reached %s", want)
}

// reachTarget ticks the target watcher until the running collection ends.
func (f *fixture) reachTarget(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		return f.ctl.Status().Enrollment.Phase != PhaseCollecting
	}, settle, 10*time.Millisecond)
}

// enroll runs a full free-text enrollment for username.
func (f *fixture) enroll(t *testing.T, username string, p keystroke.Profile, start time.Time, seed uint64) {
	t.Helper()
	_, err := f.ctl.StartCollection(context.Background(), username, model.FreeText)
	require.NoError(t, err)
	f.feed(t, p.Generate(start, f.ctl.cfg.Target, seed))
	f.reachTarget(t)
	f.waitPhase(t, PhaseActive)
}

func identify(t *testing.T, ctl *Controller, events []keystroke.KeyEvent) *ensemble.Identity {
	t.Helper()
	m := ctl.Current()
	require.NotNil(t, m)
	require.NotNil(t, m.Ensemble)
	frame, err := features.Extract(events, features.Options{})
	require.NoError(t, err)
	id, err := m.Ensemble.Identify(context.Background(), frame.Rows, 0.5)
	require.NoError(t, err)
	return id
}

// =============================================================================
// Enrollment
// =============================================================================

func TestColdEnrollmentActivatesEnsemble(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	f.enroll(t, "alice", alice, t0, 1)

	s := f.ctl.Status()
	assert.Equal(t, model.MultiBinary, s.ActiveModel.Type)
	assert.Equal(t, "alice", s.Monitoring)
	assert.Empty(t, s.Enrollment.Error)
	assert.Equal(t, 3000, s.Enrollment.Collected)
	assert.InDelta(t, 100, s.Enrollment.Percentage, 1e-9)
	require.Len(t, s.Enrollment.JobIDs, 1)

	job, err := f.jobs.Get(s.Enrollment.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)

	m := f.ctl.Current()
	require.NotNil(t, m)
	require.NotNil(t, m.Ensemble)
	assert.Equal(t, []string{"alice"}, m.Ensemble.Names())

	info, err := f.registry.LoadInfo(model.FreeText, "alice")
	require.NoError(t, err)
	assert.True(t, info.IsTrained)
	assert.Greater(t, info.Accuracy, 0.5)

	u, err := f.store.GetUser("alice")
	require.NoError(t, err)
	assert.True(t, u.FreeTextTrained)
	assert.True(t, u.EnrolledInEnsemble)

	// Capture keeps feeding the detector for the enrolled user.
	cs := f.agent.Status()
	assert.True(t, cs.Active)
	assert.Equal(t, "alice", cs.Username)
	assert.Equal(t, model.MultiBinary, cs.ModelType)
	assert.False(t, f.detector.Status().Paused)

	persisted, err := loadState(filepath.Join(f.dir, "state.json"))
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, persisted.Enrollment.Phase)
	assert.Equal(t, model.MultiBinary, persisted.ActiveModel.Type)

	ok, err := f.registry.LoadEnsemble(&ensemble.Decoder{Factory: gbdt.Factory})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSwitchUserOnboardsSecondUser(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	f.enroll(t, "alice", alice, t0, 1)
	ctx := context.Background()

	p, err := f.ctl.StartSwitchUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, PhaseCollecting, p.Phase)
	assert.True(t, f.detector.Status().Paused)

	s := f.ctl.Status()
	require.NotNil(t, s.SwitchUser)
	assert.Equal(t, model.MultiBinary, s.SwitchUser.Stashed.Type)
	assert.Equal(t, "bob", s.Collection.Username)
	assert.Equal(t, model.FreeText, s.Collection.ModelType)

	f.feed(t, bob.Generate(t0.Add(time.Hour), 3000, 2))
	f.reachTarget(t)
	f.waitPhase(t, PhaseActive)

	s = f.ctl.Status()
	assert.Nil(t, s.SwitchUser)
	assert.Equal(t, "bob", s.Monitoring)
	assert.False(t, f.detector.Status().Paused)
	assert.Equal(t, []string{"alice", "bob"}, f.ctl.Current().Ensemble.Names())

	start := t0.Add(3 * time.Hour)
	assert.Equal(t, "bob", identify(t, f.ctl, bob.Generate(start, 300, 11)).User)
	assert.Equal(t, "alice", identify(t, f.ctl, alice.Generate(start, 300, 12)).User)
	assert.Equal(t, ensemble.Unknown, identify(t, f.ctl, noise.Generate(start, 300, 13)).User)
}

func TestBinaryModelRaisesOneAlertForImpostor(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	f.enroll(t, "alice", alice, t0, 1)
	ctx := context.Background()

	require.NoError(t, f.ctl.SwitchActive(ctx, model.FreeText, "alice"))
	assert.Equal(t, model.FreeText, f.ctl.Status().ActiveModel.Type)

	impostor := bob.Generate(t0.Add(2*time.Hour), 60, 5)
	f.buf.Reset()
	f.buf.Append(impostor[:30]...)
	res, err := f.detector.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, detector.OutcomeNoise, res.Outcome)
	assert.Nil(t, res.Alert)

	f.buf.Append(impostor[30:]...)
	res, err = f.detector.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, detector.OutcomeAnomaly, res.Outcome)
	require.NotNil(t, res.Alert)
	assert.Equal(t, 30, res.Alert.KeystrokeCount)
	assert.Less(t, res.Alert.Confidence, 0.5)
	assert.Equal(t, "free_text_keystroke_anomaly", res.Alert.Type)
	assert.InDelta(t, 100, res.Alert.CollectionProgress.Percentage, 1e-9)

	page, err := f.alerts.List(1, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)
}

func TestSensitiveWindowsAreNotCaptured(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{policy: focus.Policy{DenyTitles: []string{"*password*"}}})
	_, err := f.ctl.StartCollection(context.Background(), "alice", model.FreeText)
	require.NoError(t, err)

	f.feed(t, alice.Generate(t0, 100, 1))
	f.window.Set(focus.WindowInfo{Application: "browser", Title: "Bank - Enter Password"})
	f.feed(t, alice.Generate(t0.Add(time.Minute), 50, 2))
	f.window.Set(editor)
	f.feed(t, alice.Generate(t0.Add(2*time.Minute), 100, 3))

	s := f.ctl.Status()
	assert.Equal(t, 200, s.Enrollment.Collected)
	assert.Equal(t, uint64(50), s.Collection.Filtered)

	events, err := capture.ReadEvents(filepath.Join(f.dir, "data"), "alice", model.FreeText)
	require.NoError(t, err)
	require.Len(t, events, 200)
	for _, ev := range events {
		assert.Equal(t, editor.Title, ev.App)
	}
}

func TestStartCollectionRejects(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	ctx := context.Background()

	tests := []struct {
		name string
		user string
		mt   model.Type
		want error
	}{
		{"bad username", "../x", model.FreeText, errs.ErrInvalidArgument},
		{"empty username", "", model.FixedText, errs.ErrInvalidArgument},
		{"multi-binary", "alice", model.MultiBinary, errs.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ctl.StartCollection(ctx, tt.user, tt.mt)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, PhaseIdle, f.ctl.Status().Enrollment.Phase)
}

func TestFixedTextCollectionStopsToIdle(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	ctx := context.Background()

	_, err := f.ctl.StartCollection(ctx, "alice", model.FixedText)
	require.NoError(t, err)
	_, err = f.ctl.StartCollection(ctx, "bob", model.FixedText)
	assert.ErrorIs(t, err, errs.ErrAlreadyRunning)

	f.feed(t, alice.Generate(t0, 40, 1))
	p, err := f.ctl.StopCollection(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, p.Phase)
	assert.Equal(t, 40, p.Collected)
	assert.Equal(t, model.FixedText, p.ModelType)
	assert.False(t, f.agent.Running())
	assert.Nil(t, f.ctl.Current())

	_, err = f.ctl.StopCollection(ctx)
	assert.ErrorIs(t, err, errs.ErrNotRunning)
}

func TestTrainingFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{target: 100, minEvents: 1000})
	_, err := f.ctl.StartCollection(context.Background(), "alice", model.FreeText)
	require.NoError(t, err)
	f.feed(t, alice.Generate(t0, 120, 1))
	f.reachTarget(t)

	require.Eventually(t, func() bool {
		s := f.ctl.Status()
		return s.Enrollment.Phase == PhaseIdle && s.Enrollment.Error != ""
	}, settle, 10*time.Millisecond)

	s := f.ctl.Status()
	assert.Contains(t, s.Enrollment.Error, "need 1000")
	assert.Nil(t, f.ctl.Current())
	require.Len(t, s.Enrollment.JobIDs, 1)
	job, err := f.jobs.Get(s.Enrollment.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
}

func TestRetrainRefreshesServingEnsemble(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	f.enroll(t, "alice", alice, t0, 1)
	ctx := context.Background()
	before := f.ctl.Current()

	job, err := f.jobs.Submit(ctx, trainer.Request{ModelType: model.FreeText, Username: "alice"})
	require.NoError(t, err)
	job, err = f.jobs.Wait(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, job.Status)

	require.Eventually(t, func() bool {
		return f.ctl.Current() != before
	}, settle, 10*time.Millisecond)
	assert.Equal(t, []string{"alice"}, f.ctl.Current().Ensemble.Names())
	assert.Equal(t, PhaseActive, f.ctl.Status().Enrollment.Phase)
}

// =============================================================================
// Switch-user mode
// =============================================================================

func TestSwitchUserConflicts(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	ctx := context.Background()

	_, err := f.ctl.StartSwitchUser(ctx, "bob")
	require.NoError(t, err)

	_, err = f.ctl.StartSwitchUser(ctx, "carol")
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = f.ctl.StartCollection(ctx, "carol", model.FreeText)
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = f.ctl.StopCollection(ctx)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestStopSwitchUserWithoutEnoughDataRestores(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	f.enroll(t, "alice", alice, t0, 1)
	ctx := context.Background()
	serving := f.ctl.Current()

	_, err := f.ctl.StartSwitchUser(ctx, "bob")
	require.NoError(t, err)
	f.feed(t, bob.Generate(t0.Add(time.Hour), 20, 2))

	p, err := f.ctl.StopSwitchUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, p.Phase)
	assert.Equal(t, "collected 20 of 3000 events", p.Error)

	s := f.ctl.Status()
	assert.Nil(t, s.SwitchUser)
	assert.Equal(t, p.Error, s.Enrollment.Error)
	assert.Equal(t, model.MultiBinary, s.ActiveModel.Type)
	assert.Same(t, serving, f.ctl.Current())
	assert.False(t, f.detector.Status().Paused)

	// Monitoring of the enrolled user resumes.
	cs := f.agent.Status()
	assert.True(t, cs.Active)
	assert.Equal(t, "alice", cs.Username)
	assert.Equal(t, model.MultiBinary, cs.ModelType)

	_, err = f.ctl.StopSwitchUser(ctx)
	assert.ErrorIs(t, err, errs.ErrNotRunning)
}

// =============================================================================
// Active model
// =============================================================================

func TestSwitchActiveErrors(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	ctx := context.Background()

	tests := []struct {
		name string
		mt   model.Type
		user string
		want error
	}{
		{"untrained", model.FreeText, "nobody", errs.ErrModelNotTrained},
		{"unknown type", model.Type("bogus"), "alice", errs.ErrInvalidArgument},
		{"bad username", model.FixedText, "a/b", errs.ErrInvalidArgument},
		{"no ensemble", model.MultiBinary, "", errs.ErrModelNotTrained},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ctl.SwitchActive(ctx, tt.mt, tt.user)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Nil(t, f.ctl.Current())
}

// =============================================================================
// Recovery
// =============================================================================

func TestRecoverResumesInterruptedCollection(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newFixture(t, dir, options{target: 10000})
	_, err := first.ctl.StartCollection(ctx, "alice", model.FreeText)
	require.NoError(t, err)
	first.feed(t, alice.Generate(t0, 4123, 1))
	first.close()

	second := newFixture(t, dir, options{target: 10000})
	require.NoError(t, second.ctl.Recover(ctx))

	s := second.ctl.Status()
	assert.Equal(t, PhaseCollecting, s.Enrollment.Phase)
	assert.Equal(t, "alice", s.Enrollment.Username)
	assert.Equal(t, model.FreeText, s.Enrollment.ModelType)
	assert.Equal(t, 4123, s.Enrollment.Collected)
	assert.True(t, s.Collection.Active)
	assert.Equal(t, 4123, s.Collection.KeystrokeCount)

	second.feed(t, alice.Generate(t0.Add(time.Hour), 10, 2))
	assert.Equal(t, 4133, second.ctl.Status().Enrollment.Collected)
}

func TestRecoverRestoresActiveEnsemble(t *testing.T) {
	dir := t.TempDir()
	first := newFixture(t, dir, options{})
	first.enroll(t, "alice", alice, t0, 1)
	first.close()

	second := newFixture(t, dir, options{})
	require.NoError(t, second.ctl.Recover(context.Background()))

	s := second.ctl.Status()
	assert.Equal(t, PhaseActive, s.Enrollment.Phase)
	assert.Equal(t, model.MultiBinary, s.ActiveModel.Type)
	m := second.ctl.Current()
	require.NotNil(t, m)
	assert.Equal(t, []string{"alice"}, m.Ensemble.Names())

	cs := second.agent.Status()
	assert.True(t, cs.Active)
	assert.Equal(t, "alice", cs.Username)
}

func TestRecoverWithoutState(t *testing.T) {
	f := newFixture(t, t.TempDir(), options{})
	require.NoError(t, f.ctl.Recover(context.Background()))
	s := f.ctl.Status()
	assert.Equal(t, PhaseIdle, s.Enrollment.Phase)
	assert.Equal(t, 3000, s.Enrollment.Target)
	assert.Nil(t, f.ctl.Current())
	assert.False(t, s.Collection.Active)
}
