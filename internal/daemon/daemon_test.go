package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/config"
	"keyguard/internal/focus"
	"keyguard/internal/ipc"
	"keyguard/internal/keystroke"
	"keyguard/internal/metrics"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfigAt(root)
	cfg.IPC.SocketPath = filepath.Join(root, "kg.sock")
	cfg.Capture.Source = "none"
	cfg.Metrics.Enabled = false
	return cfg
}

func TestRunServesOperatorSocket(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg,
		WithSource(keystroke.NewSimulated()),
		WithFocus(focus.NewStatic(focus.WindowInfo{Application: "editor"})),
		WithVersion("0.9.0"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	c := ipc.NewClient(ipc.DefaultClientConfig(cfg.IPC.SocketPath))
	require.Eventually(t, func() bool { return c.Connect(context.Background()) == nil }, 3*time.Second, 20*time.Millisecond)
	defer c.Close()
	assert.Equal(t, "0.9.0", c.ServerVersion())
	assert.Eventually(t, d.Health().IsReady, time.Second, 10*time.Millisecond)

	resp, err := c.Call(context.Background(), "get_status", nil)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Contains(t, string(resp.Data), `"collection_active":false`)

	resp, err = c.Call(context.Background(), "start_collection", map[string]string{"username": "alice"})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Eventually(t, func() bool {
		return d.Controller.Status().Enrollment.Phase == "Collecting"
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, d.Health().IsReady())
	require.NoError(t, d.Close())

	_, err = os.Stat(cfg.IPC.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket removed on close")

	audit, err := os.ReadFile(cfg.Storage.AuditPath())
	require.NoError(t, err)
	for _, ev := range []string{"startup", "collection_started", "shutdown"} {
		assert.Contains(t, string(audit), `"event_type":"`+ev+`"`)
	}
}

func TestNewWithoutIPC(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.Enabled = false
	cfg.Logging.Audit = false
	d, err := New(cfg, WithSource(keystroke.NewSimulated()), WithFocus(focus.NewStatic(focus.WindowInfo{})))
	require.NoError(t, err)
	assert.Nil(t, d.IPC)
	assert.NotNil(t, d.Service)
	require.NoError(t, d.Close())

	_, err = os.Stat(cfg.Storage.AuditPath())
	assert.True(t, os.IsNotExist(err))
}

// =============================================================================
// Settings
// =============================================================================

func TestHandlerServesMetricsAndProbes(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.Enabled = false
	d, err := New(cfg,
		WithSource(keystroke.NewSimulated()),
		WithFocus(focus.NewStatic(focus.WindowInfo{})),
		WithMetrics(metrics.New()))
	require.NoError(t, err)
	defer d.Close()

	h := d.handler()
	serve := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Contains(t, serve("/metrics").Body.String(), "keyguard_collection_active")
	assert.Equal(t, http.StatusServiceUnavailable, serve("/readyz").Code)

	d.Health().SetReady(true)
	assert.Equal(t, http.StatusOK, serve("/readyz").Code)
	rec := serve("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"store"`)
	assert.Equal(t, http.StatusOK, serve("/livez").Code)
}

func TestDetectorConfigClampsThreshold(t *testing.T) {
	c := config.DefaultConfigAt(t.TempDir()).Detection
	c.Threshold = 1000
	assert.Equal(t, 100, detectorConfig(c).Threshold)
	c.Threshold = 2
	assert.Equal(t, 5, detectorConfig(c).Threshold)

	c.PollIntervalMs = 250
	c.EnsembleThreshold = 0.7
	got := detectorConfig(c)
	assert.Equal(t, 250*time.Millisecond, got.PollInterval)
	assert.Equal(t, 0.7, got.EnsembleThreshold)
}

func TestRestartOnly(t *testing.T) {
	old := config.DefaultConfigAt("/var/lib/keyguard")
	next := old.Clone()
	assert.Empty(t, restartOnly(old, next))

	next.Detection.Threshold = 50
	next.Capture.SensitiveTitles = append(next.Capture.SensitiveTitles, "vault")
	assert.Empty(t, restartOnly(old, next), "hot-reloadable settings")

	next.Capture.Device = "/dev/input/event3"
	next.Training.Depth = 4
	next.IPC.SocketPath = "/tmp/other.sock"
	assert.Equal(t, []string{"capture", "training", "ipc"}, restartOnly(old, next))
}

func TestNewSource(t *testing.T) {
	for _, src := range []string{"simulated", "none"} {
		_, ok := newSource(config.CaptureConfig{Source: src}).(*keystroke.Simulated)
		assert.True(t, ok, src)
	}
}

func TestApplyReconfiguresDetector(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.Enabled = false
	d, err := New(cfg, WithSource(keystroke.NewSimulated()), WithFocus(focus.NewStatic(focus.WindowInfo{})))
	require.NoError(t, err)
	defer d.Close()

	next := cfg.Clone()
	next.Detection.Threshold = 60
	next.Detection.Enabled = false
	d.Apply(cfg, next)

	st := d.Detector.Status()
	assert.Equal(t, 60, st.Threshold)
	assert.False(t, st.Enabled)
}
