package bubblectx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/external"
)

func writeBubbleTOML(t *testing.T, repoRoot, id string) string {
	t.Helper()
	cfg := &bubble.Config{
		ID: id, RepoPath: repoRoot, BaseBranch: "main", BubbleBranch: "bubble/" + id,
		WorkMode: bubble.WorkModeWorktree, QualityMode: bubble.QualityModeStrict,
		ReviewerContextMode:    bubble.ReviewerContextFresh,
		WatchdogTimeoutMinutes: 30,
		MaxRounds:              10,
		Agents:                 bubble.Agents{Implementer: "claude", Reviewer: "codex"},
		Commands:               bubble.Commands{Test: "go test ./...", Typecheck: "go vet ./..."},
	}
	data, err := bubble.EncodeTOML(cfg)
	require.NoError(t, err)
	bubbleDir := filepath.Join(repoRoot, ".pairflow", "bubbles", id)
	require.NoError(t, os.MkdirAll(bubbleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bubbleDir, "bubble.toml"), data, 0o644))
	return bubbleDir
}

func TestResolveByIDWithRepoPath(t *testing.T) {
	repoRoot := t.TempDir()
	writeBubbleTOML(t, repoRoot, "b1")

	res, err := ResolveByID(ResolveByIDInput{BubbleID: "b1", RepoPath: repoRoot})
	require.NoError(t, err)
	assert.Equal(t, "b1", res.Config.ID)
	assert.Equal(t, filepath.Join(repoRoot, ".pairflow", "bubbles", "b1", "state.json"), res.StatePath)
}

func TestResolveByIDWalksAncestors(t *testing.T) {
	repoRoot := t.TempDir()
	writeBubbleTOML(t, repoRoot, "b1")
	nested := filepath.Join(repoRoot, "sub", "dir")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	res, err := ResolveByID(ResolveByIDInput{BubbleID: "b1", Cwd: nested})
	require.NoError(t, err)
	assert.Equal(t, "b1", res.Config.ID)
}

func TestResolveByIDNotFound(t *testing.T) {
	repoRoot := t.TempDir()
	_, err := ResolveByID(ResolveByIDInput{BubbleID: "nope", Cwd: repoRoot})
	require.Error(t, err)
}

func TestResolveByIDRejectsMismatchedDirectoryID(t *testing.T) {
	repoRoot := t.TempDir()
	bubbleDir := writeBubbleTOML(t, repoRoot, "b1")
	renamed := filepath.Join(filepath.Dir(bubbleDir), "b2")
	require.NoError(t, os.Rename(bubbleDir, renamed))

	_, err := ResolveByID(ResolveByIDInput{BubbleID: "b2", RepoPath: repoRoot})
	require.Error(t, err)
}

func TestResolveFromWorkspaceCwdViaBranchName(t *testing.T) {
	repoRoot := t.TempDir()
	writeBubbleTOML(t, repoRoot, "b1")

	vcs := &external.MockVCSRunner{}
	vcs.On("Run", mock.Anything, []string{"rev-parse", "--show-toplevel"}, mock.Anything).
		Return(external.RunResult{Stdout: repoRoot + "\n"}, nil)
	vcs.On("Run", mock.Anything, []string{"rev-parse", "--abbrev-ref", "HEAD"}, mock.Anything).
		Return(external.RunResult{Stdout: "bubble/b1\n"}, nil)

	res, err := ResolveFromWorkspaceCwd(context.Background(), vcs, repoRoot)
	require.NoError(t, err)
	assert.Equal(t, "b1", res.Config.ID)
	vcs.AssertExpectations(t)
}
