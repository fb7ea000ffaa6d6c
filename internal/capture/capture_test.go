package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/buffer"
	"keyguard/internal/clock"
	"keyguard/internal/errs"
	"keyguard/internal/focus"
	"keyguard/internal/keystroke"
	"keyguard/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	agent  *Agent
	source *keystroke.Simulated
	window *focus.Static
	buf    *buffer.Buffer
	clock  *clock.Fake
	dir    string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(t.TempDir(), "data")
	}
	buf, err := buffer.New(1000, "", nil)
	require.NoError(t, err)
	f := &fixture{
		source: keystroke.NewSimulated(),
		window: focus.NewStatic(focus.WindowInfo{Application: "code", Title: "main.go - editor"}),
		buf:    buf,
		clock:  clock.NewFake(t0),
		dir:    cfg.DataDir,
	}
	f.agent = New(cfg, f.source, f.window, buf, WithClock(f.clock))
	t.Cleanup(func() {
		if f.agent.Running() {
			f.agent.Stop()
		}
	})
	return f
}

func typed(n int, start time.Time) []keystroke.KeyEvent {
	keys := []string{"h", "e", "l", "o", "Key.space"}
	out := make([]keystroke.KeyEvent, n)
	for i := range out {
		at := start.Add(time.Duration(i) * 150 * time.Millisecond)
		out[i] = keystroke.KeyEvent{Press: at, Release: at.Add(80 * time.Millisecond), Key: keys[i%len(keys)]}
	}
	return out
}

func (f *fixture) typeAndSync(t *testing.T, events []keystroke.KeyEvent) {
	t.Helper()
	f.source.Type(events)
	require.NoError(t, f.agent.Sync(context.Background()))
}

// =============================================================================
// Session control
// =============================================================================

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{})

	assert.True(t, errors.Is(f.agent.Stop(), errs.ErrNotRunning))
	require.NoError(t, f.agent.Start("alice", model.FreeText))
	assert.True(t, errors.Is(f.agent.Start("bob", model.FreeText), errs.ErrAlreadyRunning))

	st := f.agent.Status()
	assert.True(t, st.Active)
	assert.Equal(t, "alice", st.Username)
	require.NotNil(t, st.StartTime)
	assert.True(t, st.StartTime.Equal(t0))

	require.NoError(t, f.agent.Stop())
	assert.False(t, f.agent.Status().Active)
	assert.True(t, errors.Is(f.agent.Stop(), errs.ErrNotRunning))

	// A stopped agent can start again.
	require.NoError(t, f.agent.Start("alice", model.FixedText))
}

func TestStartRejectsBadArguments(t *testing.T) {
	f := newFixture(t, Config{})
	assert.True(t, errors.Is(f.agent.Start("../x", model.FreeText), errs.ErrInvalidArgument))
	assert.True(t, errors.Is(f.agent.Start("alice", model.Type("typing")), errs.ErrInvalidArgument))
	assert.False(t, f.agent.Running())
}

func TestSourceStartFailureIsRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	f.source.StartErr = keystroke.ErrPermissionDenied

	err := f.agent.Start("alice", model.FreeText)
	assert.ErrorIs(t, err, keystroke.ErrPermissionDenied)
	st := f.agent.Status()
	assert.False(t, st.Active)
	assert.Contains(t, st.LastError, "permissions")

	require.NoError(t, f.agent.Start("alice", model.FreeText))
}

// =============================================================================
// Recording
// =============================================================================

func TestEventsReachCSVAndBuffer(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.agent.Start("alice", model.FreeText))
	f.typeAndSync(t, typed(12, t0))

	n, err := f.agent.Count()
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, 12, f.buf.Size())

	path := filepath.Join(f.dir, FileName("alice", model.FreeText, t0))
	assert.FileExists(t, path)
	events, err := ReadEvents(f.dir, "alice", model.FreeText)
	require.NoError(t, err)
	require.Len(t, events, 12)
	assert.Equal(t, "h", events[0].Key)
	assert.Equal(t, "main.go - editor", events[0].App)
	assert.Equal(t, 80*time.Millisecond, events[0].Hold())

	// Counts survive a restart of the agent.
	require.NoError(t, f.agent.Stop())
	require.NoError(t, f.agent.Start("alice", model.FreeText))
	f.typeAndSync(t, typed(3, t0.Add(time.Hour)))
	n, err = f.agent.Count()
	require.NoError(t, err)
	assert.Equal(t, 15, n)
}

func TestRepeatsAndUnpairedReleases(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.agent.Start("alice", model.FreeText))

	f.agent.HandleRaw(keystroke.RawEvent{Key: "a", Down: true, Time: t0})
	f.agent.HandleRaw(keystroke.RawEvent{Key: "a", Down: true, Time: t0.Add(30 * time.Millisecond)})
	f.agent.HandleRaw(keystroke.RawEvent{Key: "a", Down: false, Time: t0.Add(100 * time.Millisecond)})
	f.agent.HandleRaw(keystroke.RawEvent{Key: "b", Down: false, Time: t0.Add(200 * time.Millisecond)})
	require.NoError(t, f.agent.Sync(context.Background()))

	events, err := ReadEvents(f.dir, "alice", model.FreeText)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Press.Equal(t0), "repeat presses do not restage")
}

func TestSensitiveWindowsAreFiltered(t *testing.T) {
	f := newFixture(t, Config{Policy: focus.Policy{DenyTitles: []string{"*password*"}}})
	require.NoError(t, f.agent.Start("alice", model.FreeText))

	f.window.Set(focus.WindowInfo{Application: "firefox", Title: "Enter Password"})
	f.typeAndSync(t, typed(5, t0))
	f.window.Set(focus.WindowInfo{Application: "code", Title: "notes"})
	f.typeAndSync(t, typed(5, t0.Add(time.Minute)))

	st := f.agent.Status()
	assert.Equal(t, 5, st.KeystrokeCount)
	assert.Equal(t, uint64(5), st.Filtered)

	// Policies apply live.
	f.agent.SetPolicy(focus.Policy{DenyApps: []string{"code"}})
	f.typeAndSync(t, typed(5, t0.Add(2*time.Minute)))
	assert.Equal(t, 5, f.agent.Status().KeystrokeCount)
}

func TestFullQueueDropsEvents(t *testing.T) {
	f := newFixture(t, Config{QueueSize: 1})
	require.NoError(t, f.agent.Start("alice", model.FreeText))

	f.agent.writeMu.Lock()
	f.source.Type(typed(10, t0))
	f.agent.writeMu.Unlock()
	require.NoError(t, f.agent.Sync(context.Background()))

	st := f.agent.Status()
	assert.GreaterOrEqual(t, st.Dropped, uint64(8))
	assert.Equal(t, 10, st.KeystrokeCount+int(st.Dropped))
}

func TestWriteErrorsDoNotStopSession(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.agent.Start("alice", model.FreeText))

	// A directory where the CSV should be makes the open fail.
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, FileName("alice", model.FreeText, t0)), 0o700))
	f.typeAndSync(t, typed(2, t0))

	st := f.agent.Status()
	assert.True(t, st.Active)
	assert.Equal(t, uint64(2), st.WriteErrors)
	assert.NotEmpty(t, st.LastError)
	assert.Zero(t, f.buf.Size())
}

func TestEventsSplitByDay(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.agent.Start("alice", model.FreeText))
	f.typeAndSync(t, typed(4, t0))
	f.typeAndSync(t, typed(6, t0.Add(24*time.Hour)))

	files, err := ListFiles(f.dir, "alice", model.FreeText)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	n, err := f.agent.Count()
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestSyncWithoutSession(t *testing.T) {
	f := newFixture(t, Config{})
	assert.NoError(t, f.agent.Sync(context.Background()))
}

// =============================================================================
// Target watching
// =============================================================================

type recorder struct {
	mu      sync.Mutex
	reached []string
}

func (r *recorder) OnTargetReached(username string, t model.Type, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reached = append(r.reached, fmt.Sprintf("%s/%s/%d", username, t, count))
}
func (r *recorder) OnTrainingDone(model.TrainingJob)  {}
func (r *recorder) OnEnsembleUpdated(names []string) {}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reached...)
}

func TestWatchTargetNotifiesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.agent.Start("alice", model.FreeText))

	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.agent.WatchTarget(context.Background(), 10, time.Second, rec)
	}()

	f.typeAndSync(t, typed(6, t0))
	f.clock.Advance(time.Second)
	assert.Empty(t, rec.calls())

	f.typeAndSync(t, typed(6, t0.Add(time.Minute)))
	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		return len(rec.calls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	<-done
	assert.Equal(t, []string{"alice/free-text/12"}, rec.calls())
}

func TestWatchTargetEndsWithSession(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.agent.Start("alice", model.FreeText))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.agent.WatchTarget(context.Background(), 1000, time.Second, &recorder{})
	}()
	require.NoError(t, f.agent.Stop())
	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

// =============================================================================
// File names
// =============================================================================

func TestFileNames(t *testing.T) {
	name := FileName("bob_smith", model.MultiBinary, t0)
	user, mt, day, ok := ParseFileName(name)
	require.True(t, ok)
	assert.Equal(t, "bob_smith", user)
	assert.Equal(t, model.MultiBinary, mt)
	assert.Equal(t, t0.In(time.Local).Format("2006-01-02"), day.Format("2006-01-02"))

	for _, bad := range []string{"notes.csv", "keystrokes_alice.csv", "keystrokes_alice_typing_2026-03-02.csv", "keystrokes_free-text_2026-03-02.csv"} {
		_, _, _, ok := ParseFileName(bad)
		assert.False(t, ok, bad)
	}
}

func TestListFilesFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		FileName("alice", model.FreeText, t0),
		FileName("bob", model.FreeText, t0),
		FileName("alice", model.FixedText, t0),
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("Timestamp_Press\n"), 0o600))
	}

	all, err := ListFiles(dir, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	free, err := ListFiles(dir, "", model.FreeText)
	require.NoError(t, err)
	require.Len(t, free, 2)
	assert.Equal(t, "alice", free[0].Username)

	missing, err := ListFiles(filepath.Join(dir, "absent"), "", "")
	require.NoError(t, err)
	assert.Empty(t, missing)
}
