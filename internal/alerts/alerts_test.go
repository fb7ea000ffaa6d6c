package alerts

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/errs"
	"keyguard/internal/features"
	"keyguard/internal/keystroke"
	"keyguard/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "alerts"), nil)
	require.NoError(t, err)
	return s
}

func window(n int, start time.Time) []keystroke.KeyEvent {
	p := keystroke.Profile{Hold: 200 * time.Millisecond, Interval: 400 * time.Millisecond, Jitter: 0.1}
	return p.Generate(start, n, 3)
}

// =============================================================================
// Save and Get
// =============================================================================

func TestSaveWritesRecordAndWindow(t *testing.T) {
	s := newStore(t)
	events := window(30, t0)
	a := &Alert{
		Timestamp:          t0,
		ModelType:          model.FreeText,
		Username:           "alice",
		Confidence:         0.21,
		PredictionResult:   map[string]any{"window_verdicts": []int{0, 0}, "probabilities": []float64{0.2, math.NaN()}},
		CollectionProgress: NewProgress(12000, 10000),
	}
	require.NoError(t, s.Save(a, events))

	assert.True(t, strings.HasPrefix(a.ID, "alert_20260302T090000_"))
	assert.Equal(t, "free_text_keystroke_anomaly", a.Type)
	assert.Equal(t, 30, a.KeystrokeCount)
	assert.Equal(t, 100.0, a.CollectionProgress.Percentage)

	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.True(t, got.Timestamp.Equal(t0))
	assert.InDelta(t, 0.21, got.Confidence, 1e-12)
	require.Len(t, got.Keystrokes, 30)
	assert.Equal(t, events[0].Key, got.Keystrokes[0].Key)
	assert.InDelta(t, events[0].Hold().Seconds(), got.Keystrokes[0].HoldTime, 1e-9)
	assert.Equal(t, []any{0.2, 0.0}, got.PredictionResult["probabilities"])

	path, err := s.WindowPath(a.ID)
	require.NoError(t, err)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	raw, err := features.ReadEvents(f)
	require.NoError(t, err)
	require.Len(t, raw, 30)
	assert.True(t, raw[29].Release.Equal(events[29].Release))
}

func TestSaveReplacesNonFiniteConfidence(t *testing.T) {
	s := newStore(t)
	a := &Alert{Timestamp: t0, ModelType: model.MultiBinary, Confidence: math.Inf(1)}
	require.NoError(t, s.Save(a, window(5, t0)))
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Confidence)
	assert.Equal(t, "multi_binary_keystroke_anomaly", got.Type)
}

func TestSaveRejectsInvalidRecords(t *testing.T) {
	s := newStore(t)

	err := s.Save(&Alert{ID: "../escape", Timestamp: t0, ModelType: model.FreeText}, nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	err = s.Save(&Alert{Timestamp: t0, ModelType: model.FreeText, Confidence: 1.5}, nil)
	assert.True(t, errors.Is(err, errs.ErrSchema))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGet(t *testing.T) {
	s := newStore(t)

	_, err := s.Get("missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	for _, id := range []string{"", "../../etc/passwd", "a b", "a/b", strings.Repeat("x", 200)} {
		_, err := s.Get(id)
		assert.True(t, errors.Is(err, errs.ErrInvalidArgument), "id %q", id)
	}
}

// =============================================================================
// List
// =============================================================================

func seed(t *testing.T, s *Store) []string {
	t.Helper()
	var ids []string
	for i, user := range []string{"alice", "bob", "alice", "carol"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		a := &Alert{Timestamp: at, ModelType: model.FreeText, Username: user, Confidence: 0.1}
		require.NoError(t, s.Save(a, window(10, at)))
		ids = append(ids, a.ID)
	}
	return ids
}

func TestListNewestFirst(t *testing.T) {
	s := newStore(t)
	ids := seed(t, s)

	page, err := s.List(1, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 4, page.TotalCount)
	assert.Equal(t, DefaultLimit, page.Limit)
	require.Len(t, page.Alerts, 4)
	assert.Equal(t, ids[3], page.Alerts[0].ID)
	assert.Equal(t, ids[0], page.Alerts[3].ID)
}

func TestListPagination(t *testing.T) {
	s := newStore(t)
	ids := seed(t, s)

	tests := []struct {
		page, limit int
		want        []string
	}{
		{1, 3, []string{ids[3], ids[2], ids[1]}},
		{2, 3, []string{ids[0]}},
		{3, 3, nil},
		{0, 2, []string{ids[3], ids[2]}},
	}
	for _, tt := range tests {
		got, err := s.List(tt.page, tt.limit, "")
		require.NoError(t, err)
		var gotIDs []string
		for _, a := range got.Alerts {
			gotIDs = append(gotIDs, a.ID)
		}
		assert.Equal(t, tt.want, gotIDs, "page %d limit %d", tt.page, tt.limit)
		assert.Equal(t, 4, got.TotalCount)
	}
}

func TestListFilterIsCaseInsensitive(t *testing.T) {
	s := newStore(t)
	ids := seed(t, s)

	got, err := s.List(1, 10, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalCount)
	assert.Equal(t, ids[2], got.Alerts[0].ID)

	got, err = s.List(1, 10, "nobody")
	require.NoError(t, err)
	assert.Zero(t, got.TotalCount)
	assert.NotNil(t, got.Alerts)
}

func TestListSkipsForeignFiles(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "bad name.json"), []byte("{}"), 0o600))

	got, err := s.List(1, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalCount)
}

func TestNewProgress(t *testing.T) {
	assert.Equal(t, Progress{Collected: 2500, Target: 10000, Percentage: 25}, NewProgress(2500, 10000))
	assert.Equal(t, Progress{Collected: 5}, NewProgress(5, 0))
}
