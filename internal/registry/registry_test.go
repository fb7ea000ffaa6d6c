package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/errs"
	"keyguard/internal/gbdt"
	"keyguard/internal/model"
)

var params = model.Params{Iterations: 10, Depth: 2, LearningRate: 0.3, L2LeafReg: 1, TestSize: 0.2}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "models"), gbdt.Factory)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func trained(t *testing.T) model.Classifier {
	t.Helper()
	d := model.Dataset{
		X: [][]float64{{0.1, 1}, {0.2, 1}, {0.9, 0}, {1.0, 0}, {0.15, 1}, {0.95, 0}},
		Y: []int{1, 1, 0, 0, 1, 0},
	}
	c := gbdt.New(params)
	require.NoError(t, c.Fit(context.Background(), d, model.Dataset{}, nil))
	return c
}

func info() *model.Info {
	return &model.Info{
		IsTrained:    true,
		Parameters:   params,
		Accuracy:     0.97,
		Report:       map[string]model.ClassReport{"owner": {Precision: 1, Recall: 0.95, F1: 0.97, Support: 20}},
		LastTrained:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		FeatureCount: 2,
	}
}

// =============================================================================
// Save and load
// =============================================================================

func TestSaveLoadRoundTrip(t *testing.T) {
	r := newRegistry(t)
	clf := trained(t)
	meta := info()
	require.NoError(t, r.Save(model.FreeText, "alice", clf, meta))
	assert.Len(t, meta.ArtifactDigest, 64)
	assert.Equal(t, "alice", meta.Username)

	assert.FileExists(t, filepath.Join(r.Dir(), "free-text", "alice", "free-text_model.gbm.zst"))
	assert.FileExists(t, filepath.Join(r.Dir(), "free-text", "alice", "free-text_info.json"))

	// A fresh registry bypasses the cache.
	fresh, err := New(r.Dir(), gbdt.Factory)
	require.NoError(t, err)
	defer fresh.Close()

	loaded, got, err := fresh.Load(model.FreeText, "alice")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, meta.ArtifactDigest, got.ArtifactDigest)
	assert.InDelta(t, 0.97, got.Accuracy, 1e-12)

	X := [][]float64{{0.1, 1}, {1.0, 0}}
	want, err := clf.PredictProba(X)
	require.NoError(t, err)
	have, err := loaded.PredictProba(X)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, have, 1e-12)
}

func TestLoadAbsent(t *testing.T) {
	r := newRegistry(t)
	clf, meta, err := r.Load(model.FixedText, "nobody")
	assert.NoError(t, err)
	assert.Nil(t, clf)
	assert.Nil(t, meta)
}

func TestLoadDetectsTamperedArtifact(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	r, err := New(dir, gbdt.Factory)
	require.NoError(t, err)
	require.NoError(t, r.Save(model.FreeText, "alice", trained(t), info()))
	r.Close()

	path := filepath.Join(dir, "free-text", "alice", "free-text_model.gbm.zst")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	fresh, err := New(dir, gbdt.Factory)
	require.NoError(t, err)
	defer fresh.Close()
	_, _, err = fresh.Load(model.FreeText, "alice")
	assert.True(t, errors.Is(err, errs.ErrSchema))
}

func TestSaveRejectsInvalidInfo(t *testing.T) {
	r := newRegistry(t)
	bad := info()
	bad.Accuracy = 1.5
	err := r.Save(model.FreeText, "alice", trained(t), bad)
	assert.True(t, errors.Is(err, errs.ErrSchema))
	assert.NoFileExists(t, r.ModelPath(model.FreeText, "alice"))
}

func TestRejectsBadKeys(t *testing.T) {
	r := newRegistry(t)
	_, _, err := r.Load(model.FreeText, "../etc")
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	err = r.Save(model.MultiBinary, "alice", trained(t), info())
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestLoadUntrainedReturnsInfoOnly(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Save(model.FixedText, "carol", trained(t), info()))

	path := r.InfoPath(model.FixedText, "carol")
	meta, err := r.LoadInfo(model.FixedText, "carol")
	require.NoError(t, err)
	meta.IsTrained = false
	meta.ArtifactDigest = ""
	data, err := json.MarshalIndent(meta, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	clf, got, err := r.Load(model.FixedText, "carol")
	require.NoError(t, err)
	assert.Nil(t, clf)
	require.NotNil(t, got)
	assert.False(t, got.IsTrained)
}

// =============================================================================
// Listing
// =============================================================================

func TestListTrained(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Save(model.FreeText, "bob", trained(t), info()))
	require.NoError(t, r.Save(model.FreeText, "alice", trained(t), info()))
	require.NoError(t, r.Save(model.FixedText, "carol", trained(t), info()))

	// An artifact without info and a stray file are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(r.Dir(), "free-text", "dave"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), "free-text", "dave", "free-text_model.gbm.zst"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), "free-text", "README"), []byte("x"), 0o600))

	entries, err := r.ListTrained(model.FreeText)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Username)
	assert.Equal(t, "bob", entries[1].Username)

	none, err := r.ListTrained(model.MultiBinary)
	require.NoError(t, err)
	assert.Empty(t, none)
}

type blob struct{ data []byte }

func (b *blob) MarshalBinary() ([]byte, error) { return b.data, nil }
func (b *blob) UnmarshalBinary(d []byte) error {
	b.data = append([]byte(nil), d...)
	return nil
}

func TestEnsembleArtifact(t *testing.T) {
	r := newRegistry(t)

	var out blob
	ok, err := r.LoadEnsemble(&out)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SaveEnsemble(&blob{data: []byte(`{"names":["alice","bob"]}`)}))
	ok, err = r.LoadEnsemble(&out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"names":["alice","bob"]}`, string(out.data))
	assert.FileExists(t, filepath.Join(r.Dir(), EnsembleFile))
}

func TestListFiles(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Save(model.FreeText, "alice", trained(t), info()))
	require.NoError(t, r.SaveEnsemble(&blob{data: []byte("e")}))

	files, err := r.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 3)

	byPath := map[string]File{}
	for _, f := range files {
		byPath[f.Path] = f
		assert.Positive(t, f.Size)
	}
	assert.Equal(t, "alice", byPath["free-text/alice/free-text_info.json"].Username)
	assert.Equal(t, "free-text", byPath["free-text/alice/free-text_model.gbm.zst"].ModelType)
	assert.Contains(t, byPath, EnsembleFile)
}
