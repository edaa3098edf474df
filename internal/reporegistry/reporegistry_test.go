package reporegistry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddListRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repos.json")

	require.NoError(t, Add(path, filepath.Join(dir, "repo-a"), "Repo A"))
	require.NoError(t, Add(path, filepath.Join(dir, "repo-b"), ""))

	entries, err := List(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "Repo A", entries[0].Label)

	// re-adding the same path replaces the label instead of duplicating.
	require.NoError(t, Add(path, filepath.Join(dir, "repo-a"), "Renamed"))
	entries, err = List(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "Renamed", entries[0].Label)

	require.NoError(t, Remove(path, filepath.Join(dir, "repo-a")))
	entries, err = List(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// removing an absent entry is idempotent.
	require.NoError(t, Remove(path, filepath.Join(dir, "repo-a")))
}

func TestResolvePathHonorsEnv(t *testing.T) {
	t.Setenv("PAIRFLOW_REPO_REGISTRY_PATH", "/tmp/custom-repos.json")
	require.Equal(t, "/tmp/custom-repos.json", ResolvePath())
}
