package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/clock"
)

func healthy(context.Context) CheckResult   { return CheckResult{Status: StatusHealthy} }
func unhealthy(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

// =============================================================================
// Aggregation
// =============================================================================

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		critical Check
		optional Check
		want     Status
	}{
		{"all healthy", healthy, healthy, StatusHealthy},
		{"optional failing degrades", healthy, unhealthy, StatusDegraded},
		{"critical failing", unhealthy, healthy, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(nil)
			c.RegisterFunc("db", true, tt.critical)
			c.RegisterFunc("disk", false, tt.optional)
			c.Check(context.Background())
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestUncheckedCriticalIsUnknown(t *testing.T) {
	c := NewChecker(nil)
	c.RegisterFunc("db", true, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus())

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())
}

func TestCheckRecoversPanicAndTimeout(t *testing.T) {
	c := NewChecker(nil)
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("bad") })
	c.Register(&Component{Name: "slow", Timeout: 20 * time.Millisecond, Check: func(ctx context.Context) CheckResult {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return CheckResult{Status: StatusHealthy}
	}})

	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res["boom"].Status)
	assert.Equal(t, "bad", res["boom"].Error)
	assert.Equal(t, StatusUnhealthy, res["slow"].Status)
	assert.Equal(t, "check timed out", res["slow"].Message)
	assert.Equal(t, res, c.Results())
}

// =============================================================================
// Checks
// =============================================================================

func TestPingCheck(t *testing.T) {
	ok := PingCheck("database", func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := PingCheck("database", func(context.Context) error { return errors.New("closed") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "database unreachable", bad.Message)
	assert.Equal(t, "closed", bad.Error)
}

func TestDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()
	res := DiskSpaceCheck(dir, 1)(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, dir, res.Details["path"])

	res = DiskSpaceCheck(dir, ^uint64(0))(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "low disk space")
}

func TestErrorStringCheck(t *testing.T) {
	msg := ""
	check := ErrorStringCheck("capture", func() string { return msg })
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	msg = "write keystrokes.csv: disk full"
	res := check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, msg, res.Error)
}

// =============================================================================
// HTTP
// =============================================================================

func get(t *testing.T, h http.Handler) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestReadinessFollowsSetReady(t *testing.T) {
	c := NewChecker(clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	c.RegisterFunc("db", true, healthy)

	code, body := get(t, c.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", body["status"])

	c.SetReady(true)
	code, body = get(t, c.ReadinessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	c.RegisterFunc("db", true, unhealthy)
	code, _ = get(t, c.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHealthHandlerReportsComponents(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	c := NewChecker(fake)
	c.RegisterFunc("db", true, healthy)
	c.RegisterFunc("disk", false, unhealthy)
	fake.Advance(90 * time.Second)

	code, body := get(t, c.HealthHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "1m30s", body["uptime"])
	assert.Len(t, body["components"], 2)

	code, body = get(t, c.LivenessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])
}

func TestMountRoutes(t *testing.T) {
	c := NewChecker(nil)
	c.SetReady(true)
	mux := http.NewServeMux()
	c.Mount(mux)

	for _, path := range []string{"/healthz", "/livez", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
