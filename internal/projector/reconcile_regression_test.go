package projector

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/pairflow/pairflow/internal/transcript"
)

// reconcileOnce reproduces exactly the decision `bubble reconcile`
// (cmd/pairflow/bubblecmd.go) makes: project the transcript, and if it
// diverges from state.json, CAS-overwrite state.json with the projection.
func reconcileOnce(t *testing.T, transcriptPath, statePath string, cfg *bubble.Config) *bubble.Snapshot {
	t.Helper()
	txn, err := transcript.Read(transcriptPath, transcript.ReadOptions{AllowMissing: true})
	require.NoError(t, err)
	projected, err := Project(txn, cfg)
	require.NoError(t, err)
	loaded, err := statestore.Read(statePath, cfg)
	require.NoError(t, err)
	if projected.State == loaded.Snapshot.State && projected.Round == loaded.Snapshot.Round {
		return loaded.Snapshot
	}
	_, err = statestore.WriteLocked(statePath, projected, cfg, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
	require.NoError(t, err)
	reread, err := statestore.Read(statePath, cfg)
	require.NoError(t, err)
	return reread.Snapshot
}

// TestReconcileDoesNotRegressADoneBubble guards against the bug where
// replaying a DONE_PACKAGE envelope produced StateCommitted instead of
// StateDone: running reconcile against a bubble that already finished
// cleanly must leave it DONE with active_* nil, never regress it to
// COMMITTED with active_* repopulated.
func TestReconcileDoesNotRegressADoneBubble(t *testing.T) {
	dir := t.TempDir()
	transcriptPath := filepath.Join(dir, "transcript.ndjson")
	statePath := filepath.Join(dir, "state.json")
	cfg := projCfg()

	drafts := []transcript.Draft{
		{BubbleID: "b1", Sender: "human", Recipient: "claude", Type: bubble.TypeTask, Round: 0,
			TaskPayload: &bubble.TaskPayload{Task: "x"}},
		{BubbleID: "b1", Sender: "claude", Recipient: "codex", Type: bubble.TypePass, Round: 1,
			PassPayload: &bubble.PassPayload{Summary: "s", PassIntent: bubble.PassIntentReview, Findings: []bubble.Finding{}}},
		{BubbleID: "b1", Sender: "codex", Recipient: "orchestrator", Type: bubble.TypeConvergence, Round: 1,
			ConvergencePayload: &bubble.SummaryPayload{Summary: "done"}},
		{BubbleID: "b1", Sender: "orchestrator", Recipient: "human", Type: bubble.TypeApprovalRequest, Round: 1,
			ApprovalRequestPayload: &bubble.SummaryPayload{Summary: "done"}},
		{BubbleID: "b1", Sender: "human", Recipient: "orchestrator", Type: bubble.TypeApprovalDecision, Round: 1,
			ApprovalDecisionPayload: &bubble.ApprovalDecisionPayload{Decision: bubble.DecisionApprove}},
		{BubbleID: "b1", Sender: "orchestrator", Recipient: "human", Type: bubble.TypeDonePackage, Round: 1,
			DonePackagePayload: &bubble.DonePackagePayload{
				Summary: "shipped",
				Metadata: bubble.DonePackageMetadata{
					DonePackagePath: filepath.Join(dir, "done.json"),
					StagedFiles:     []string{"a.go"},
					CommitMessage:   "commit",
					CommitSHA:       "deadbeef",
				},
			}},
	}
	for _, d := range drafts {
		_, err := transcript.AppendOne(transcript.AppendInput{
			TranscriptPath: transcriptPath,
			LockPath:       filepath.Join(dir, "transcript.lock"),
			Now:            at(0),
		}, d)
		require.NoError(t, err)
	}

	done := &bubble.Snapshot{
		BubbleID: "b1", State: bubble.StateDone, Round: 1,
		RoundRoleHistory: []bubble.RoundRoleEntry{
			{Round: 1, Implementer: cfg.Agents.Implementer, Reviewer: cfg.Agents.Reviewer, SwitchedAt: at(0)},
		},
	}
	_, err := statestore.Create(statePath, done, cfg)
	require.NoError(t, err)

	result := reconcileOnce(t, transcriptPath, statePath, cfg)
	require.Equal(t, bubble.StateDone, result.State)
	require.Nil(t, result.ActiveAgent)
	require.Nil(t, result.ActiveRole)
	require.Nil(t, result.ActiveSince)
}
