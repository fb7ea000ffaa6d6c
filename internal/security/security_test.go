package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/errs"
)

// =============================================================================
// Input validation
// =============================================================================

func TestValidateID(t *testing.T) {
	for _, id := range []string{"alert_20260302_090000_ab12", "a", "A-b_9"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", "../etc", "a/b", "a.b", "x y", strings.Repeat("a", MaxIDLength+1)} {
		err := ValidateID(id)
		assert.Error(t, err, id)
		assert.True(t, errors.Is(err, errs.ErrInvalidArgument), id)
	}
}

func TestValidateUsername(t *testing.T) {
	for _, name := range []string{"alice", "Bob Smith", "józef", "user_01"} {
		assert.NoError(t, ValidateUsername(name), name)
	}
	for _, name := range []string{"", "a/b", `a\b`, ".hidden", "trail.", " pad", "tab\tname", strings.Repeat("x", 65)} {
		assert.Error(t, ValidateUsername(name), name)
	}
}

func TestWithin(t *testing.T) {
	root := t.TempDir()

	p, err := Within(root, "alerts/a.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alerts", "a.json"), p)

	_, err = Within(root, "../outside")
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = Within(root, "%2e%2e/x")
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = Within(root, "a\x00b")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestSanitizeLogOutput(t *testing.T) {
	out := SanitizeLogOutput(`login failed password=hunter2 payload {"keys": ["a","b"]}`)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, `"a","b"`)
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "plain message", SanitizeLogOutput("plain message"))
}

// =============================================================================
// File operations
// =============================================================================

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), PermPrivateFile))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), PermPrivateFile))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, PermPrivateFile, info.Mode().Perm())

	leftovers, _ := filepath.Glob(path + ".tmp.*")
	assert.Empty(t, leftovers)
}

func TestAtomicWriterAbortLeavesOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, WriteFileAtomic(path, []byte("original"), PermPrivateFile))

	w, err := NewAtomicWriter(path, PermPrivateFile)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	w.Abort()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestReadFileLimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	data, err := ReadFileLimited(path, 100)
	require.NoError(t, err)
	assert.Len(t, data, 10)

	_, err = ReadFileLimited(path, 5)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestEnsurePrivateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "loose")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, EnsurePrivateDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, PermPrivateDir, info.Mode().Perm())

	created := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsurePrivateDir(created))
	assert.DirExists(t, created)
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, 3, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "burst %d", i)
	}
	assert.False(t, rl.Allow())

	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	rl.Reset()
	assert.True(t, rl.Allow())
}

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2)
	assert.True(t, cl.Acquire())
	assert.True(t, cl.Acquire())
	assert.False(t, cl.Acquire())
	assert.Equal(t, 2, cl.Current())

	cl.Release()
	assert.True(t, cl.Acquire())
	cl.Release()
	cl.Release()
	cl.Release()
	assert.Equal(t, 0, cl.Current())
}
