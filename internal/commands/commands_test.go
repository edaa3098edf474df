package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/external"
	"github.com/pairflow/pairflow/internal/metrics"
)

func testNow() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) }

func newTestCommands(t *testing.T) (*Commands, *external.MockWorkspaceManager, *external.MockVCSRunner, *external.MockTmuxManager, *external.MockRuntimeSessionRegistry) {
	t.Helper()
	ws := &external.MockWorkspaceManager{}
	vcs := &external.MockVCSRunner{}
	tmux := &external.MockTmuxManager{}
	sessions := &external.MockRuntimeSessionRegistry{}
	clock := testNow()
	c := New(Deps{
		Now:        func() time.Time { return clock },
		Workspace:  ws,
		VCS:        vcs,
		Tmux:       tmux,
		Sessions:   sessions,
		Metrics:    metrics.Emitter{},
		EventsRoot: t.TempDir(),
	})
	return c, ws, vcs, tmux, sessions
}

func createTestBubble(t *testing.T, c *Commands) *bubblectx.Resolved {
	t.Helper()
	repoRoot := t.TempDir()
	res, _, err := c.Create(CreateInput{
		ID:           "demo",
		RepoPath:     repoRoot,
		BaseBranch:   "main",
		BubbleBranch: "bubble/demo",
		Task:         "implement the thing",
		Agents:       bubble.Agents{Implementer: "claude", Reviewer: "codex"},
		Commands:     bubble.Commands{Test: "go test ./...", Typecheck: "go vet ./..."},
	})
	require.NoError(t, err)
	return res
}

func TestCreateWritesBubbleFiles(t *testing.T) {
	c, _, _, _, _ := newTestCommands(t)
	res := createTestBubble(t, c)

	assert.FileExists(t, filepath.Join(res.BubbleDir, "bubble.toml"))
	assert.FileExists(t, res.StatePath)
	assert.FileExists(t, res.TranscriptPath)
	assert.FileExists(t, filepath.Join(res.ArtifactsDir, "task.md"))
	assert.NotEmpty(t, res.Config.BubbleInstanceID)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	c, _, _, _, _ := newTestCommands(t)
	res := createTestBubble(t, c)

	_, _, err := c.Create(CreateInput{
		ID: res.Config.ID, RepoPath: res.Config.RepoPath, BaseBranch: "main", BubbleBranch: "bubble/demo",
		Task: "x", Agents: res.Config.Agents,
	})
	require.Error(t, err)
}

func TestStartTransitionsToRunning(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := createTestBubble(t, c)

	ws.On("Bootstrap", mock.Anything, mock.Anything).Return(external.BootstrapResult{WorktreePath: "/tmp/wt"}, nil)
	sessions.On("Upsert", mock.Anything, res.Config.ID, mock.Anything).Return(nil)

	result, err := c.Start(context.Background(), res, "/tmp/wt")
	require.NoError(t, err)
	assert.Equal(t, bubble.StateRunning, result.Snapshot.State)
	assert.Equal(t, 1, result.Snapshot.Round)
	require.NotNil(t, result.Snapshot.ActiveRole)
	assert.Equal(t, bubble.RoleImplementer, *result.Snapshot.ActiveRole)
	ws.AssertExpectations(t)
}

func startedBubble(t *testing.T, c *Commands, ws *external.MockWorkspaceManager, sessions *external.MockRuntimeSessionRegistry) *bubblectx.Resolved {
	t.Helper()
	res := createTestBubble(t, c)
	ws.On("Bootstrap", mock.Anything, mock.Anything).Return(external.BootstrapResult{WorktreePath: "/tmp/wt"}, nil)
	sessions.On("Upsert", mock.Anything, res.Config.ID, mock.Anything).Return(nil)
	_, err := c.Start(context.Background(), res, "/tmp/wt")
	require.NoError(t, err)
	return res
}

func TestPassImplementerThenReviewerAdvancesRound(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := startedBubble(t, c, ws, sessions)

	r1, err := c.Pass(res, PassInput{Summary: "implemented"})
	require.NoError(t, err)
	assert.Equal(t, 1, r1.Snapshot.Round)
	assert.Equal(t, bubble.RoleReviewer, *r1.Snapshot.ActiveRole)

	r2, err := c.Pass(res, PassInput{Summary: "fix this", NoFindings: false, Findings: []bubble.Finding{
		{Severity: bubble.SeverityP2, Title: "nit"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Snapshot.Round)
	assert.Equal(t, bubble.RoleImplementer, *r2.Snapshot.ActiveRole)
	assert.Len(t, r2.Snapshot.RoundRoleHistory, 2)
}

func TestPassRejectedWhenNotRunning(t *testing.T) {
	c, _, _, _, _ := newTestCommands(t)
	res := createTestBubble(t, c) // still CREATED
	_, err := c.Pass(res, PassInput{Summary: "x"})
	require.Error(t, err)
}

func TestAskHumanAndReplyRoundTrip(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := startedBubble(t, c, ws, sessions)

	asked, err := c.AskHuman(res, "what should I do about X?")
	require.NoError(t, err)
	assert.Equal(t, bubble.StateWaitingHuman, asked.Snapshot.State)

	data, err := os.ReadFile(res.InboxPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "HUMAN_QUESTION")

	replied, err := c.HumanReply(res, "do Y instead")
	require.NoError(t, err)
	assert.Equal(t, bubble.StateRunning, replied.Snapshot.State)
	assert.Equal(t, asked.Snapshot.Round, replied.Snapshot.Round)
}

func convergeableBubble(t *testing.T, c *Commands, ws *external.MockWorkspaceManager, sessions *external.MockRuntimeSessionRegistry) *bubblectx.Resolved {
	t.Helper()
	res := startedBubble(t, c, ws, sessions)
	_, err := c.Pass(res, PassInput{Summary: "implemented"})
	require.NoError(t, err)
	_, err = c.Pass(res, PassInput{Summary: "looks good", Findings: []bubble.Finding{}})
	require.NoError(t, err)
	_, err = c.Pass(res, PassInput{Summary: "round 2 done"})
	require.NoError(t, err)
	return res
}

func TestConvergedThenApprove(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := convergeableBubble(t, c, ws, sessions)

	converged, err := c.Converged(res, "all good")
	require.NoError(t, err)
	assert.Equal(t, bubble.StateReadyForApproval, converged.Snapshot.State)

	approved, err := c.ApproveOrRequestRework(res, bubble.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, bubble.StateApprovedForCommit, approved.Snapshot.State)
}

func TestConvergedRejectedWithOpenBlocker(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := startedBubble(t, c, ws, sessions)

	_, err := c.Pass(res, PassInput{Summary: "implemented"})
	require.NoError(t, err)
	_, err = c.Pass(res, PassInput{Summary: "blocked", Findings: []bubble.Finding{
		{Severity: bubble.SeverityP0, Title: "broken build", Refs: []string{"file.go:1"}},
	}})
	require.NoError(t, err)
	_, err = c.Pass(res, PassInput{Summary: "round 2 done"})
	require.NoError(t, err)

	_, err = c.Converged(res, "all good")
	require.Error(t, err)
}

func TestRequestReworkRestartsRound(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := convergeableBubble(t, c, ws, sessions)

	_, err := c.Converged(res, "all good")
	require.NoError(t, err)

	revised, err := c.ApproveOrRequestRework(res, bubble.DecisionRevise, "one more pass")
	require.NoError(t, err)
	assert.Equal(t, bubble.StateRunning, revised.Snapshot.State)
	assert.Equal(t, 3, revised.Snapshot.Round)
}

func TestCommitTransitionsToDone(t *testing.T) {
	c, ws, vcs, _, sessions := newTestCommands(t)
	res := convergeableBubble(t, c, ws, sessions)

	_, err := c.Converged(res, "all good")
	require.NoError(t, err)
	_, err = c.ApproveOrRequestRework(res, bubble.DecisionApprove, "")
	require.NoError(t, err)

	worktree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(res.ArtifactsDir, "done-package.md"), []byte("# Done"), 0o644))

	vcs.On("Run", mock.Anything, []string{"add", "--", "main.go"}, mock.Anything).Return(external.RunResult{}, nil)
	vcs.On("Run", mock.Anything, []string{"commit", "-m", "implement the thing"}, mock.Anything).Return(external.RunResult{}, nil)
	vcs.On("Run", mock.Anything, []string{"rev-parse", "HEAD"}, mock.Anything).Return(external.RunResult{Stdout: "abc123\n"}, nil)

	result, err := c.Commit(context.Background(), res, CommitInput{
		WorktreePath:  worktree,
		StagedFiles:   []string{"main.go"},
		CommitMessage: "implement the thing",
	})
	require.NoError(t, err)
	assert.Equal(t, bubble.StateDone, result.Snapshot.State)
}

func TestCommitRejectsEscapingStagedPath(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := convergeableBubble(t, c, ws, sessions)
	_, err := c.Converged(res, "all good")
	require.NoError(t, err)
	_, err = c.ApproveOrRequestRework(res, bubble.DecisionApprove, "")
	require.NoError(t, err)

	worktree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(res.ArtifactsDir, "done-package.md"), []byte("# Done"), 0o644))

	_, err = c.Commit(context.Background(), res, CommitInput{
		WorktreePath:  worktree,
		StagedFiles:   []string{"../../etc/passwd"},
		CommitMessage: "nope",
	})
	require.Error(t, err)
}

func TestWatchdogSweepNotMonitoredWhenWaitingHuman(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := startedBubble(t, c, ws, sessions)
	_, err := c.AskHuman(res, "help?")
	require.NoError(t, err)

	out, err := c.WatchdogSweep(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, "not_monitored", out.Reason) // no pending rework intent queued, and only RUNNING is monitored
}

func TestWatchdogSweepExpiredTransitionsToWaitingHuman(t *testing.T) {
	repoRoot := t.TempDir()
	clock := testNow()
	ws := &external.MockWorkspaceManager{}
	sessions := &external.MockRuntimeSessionRegistry{}
	c := New(Deps{Now: func() time.Time { return clock }, Workspace: ws, Sessions: sessions, Metrics: metrics.Emitter{}, EventsRoot: t.TempDir()})

	res, _, err := c.Create(CreateInput{
		ID: "watchdoggy", RepoPath: repoRoot, BaseBranch: "main", BubbleBranch: "bubble/watchdoggy",
		Task: "x", Agents: bubble.Agents{Implementer: "claude", Reviewer: "codex"}, WatchdogTimeoutMinutes: 5,
	})
	require.NoError(t, err)
	ws.On("Bootstrap", mock.Anything, mock.Anything).Return(external.BootstrapResult{WorktreePath: "/tmp/wt"}, nil)
	sessions.On("Upsert", mock.Anything, res.Config.ID, mock.Anything).Return(nil)
	_, err = c.Start(context.Background(), res, "/tmp/wt")
	require.NoError(t, err)

	clock = clock.Add(10 * time.Minute)
	out, err := c.WatchdogSweep(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, "expired", out.Reason)
	assert.Equal(t, bubble.StateWaitingHuman, out.Result.Snapshot.State)
}

func TestStopCancelsRunningBubble(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := startedBubble(t, c, ws, sessions)
	sessions.On("Read", mock.Anything, res.Config.ID).Return(external.RuntimeSession{}, false, nil)

	result, err := c.Stop(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, bubble.StateCancelled, result.Snapshot.State)
}

func TestDeleteRequiresConfirmationWithLiveWorktree(t *testing.T) {
	c, ws, vcs, _, sessions := newTestCommands(t)
	res := startedBubble(t, c, ws, sessions)
	sessions.On("Read", mock.Anything, res.Config.ID).Return(external.RuntimeSession{}, false, nil)
	vcs.On("Run", mock.Anything, []string{"rev-parse", "--verify", "--quiet", "bubble/demo"}, mock.Anything).Return(external.RunResult{ExitCode: 1}, nil)

	worktree := t.TempDir() // exists -> live artifact
	result, err := c.Delete(context.Background(), res, DeleteInput{WorktreePath: worktree})
	require.NoError(t, err)
	assert.True(t, result.RequiresConfirmation)
	assert.DirExists(t, res.BubbleDir)
}

func TestDeleteIsIdempotentWhenDirAlreadyGone(t *testing.T) {
	c, ws, _, _, sessions := newTestCommands(t)
	res := startedBubble(t, c, ws, sessions)
	require.NoError(t, os.RemoveAll(res.BubbleDir))

	result, err := c.Delete(context.Background(), res, DeleteInput{})
	require.NoError(t, err)
	assert.False(t, result.RequiresConfirmation)
}
