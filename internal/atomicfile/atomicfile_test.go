package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairflow/pairflow/internal/lock"
)

func TestReadMissing(t *testing.T) {
	r, err := Read(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.True(t, r.Missing)
}

func TestReplaceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "state.json")
	require.NoError(t, Replace(path, []byte(`{"a":1}`), 0o644))

	r, err := Read(path)
	require.NoError(t, err)
	assert.False(t, r.Missing)
	assert.Equal(t, `{"a":1}`, string(r.Data))

	// No leftover temp files.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReplaceOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Replace(path, []byte("v1"), 0o644))
	require.NoError(t, Replace(path, []byte("v2"), 0o644))

	r, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(r.Data))
}

func TestAppendWithLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.ndjson")
	lockPath := filepath.Join(dir, "locks", "t.lock")

	require.NoError(t, AppendWithLock(path, lockPath, lock.Options{}, [][]byte{[]byte("a"), []byte("b")}))
	require.NoError(t, AppendWithLock(path, lockPath, lock.Options{}, [][]byte{[]byte("c")}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(data))
	assert.NoFileExists(t, lockPath)
}
