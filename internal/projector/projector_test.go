package projector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairflow/pairflow/internal/bubble"
)

func projCfg() *bubble.Config {
	return &bubble.Config{
		ID: "b1", RepoPath: "/repo", BaseBranch: "main", BubbleBranch: "bubble/b1",
		WorkMode: bubble.WorkModeWorktree, QualityMode: bubble.QualityModeStrict,
		ReviewerContextMode:    bubble.ReviewerContextFresh,
		WatchdogTimeoutMinutes: 30,
		MaxRounds:              10,
		Agents:                 bubble.Agents{Implementer: "claude", Reviewer: "codex"},
		Commands:               bubble.Commands{Test: "go test ./...", Typecheck: "go vet ./..."},
	}
}

func at(offset time.Duration) time.Time {
	return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC).Add(offset)
}

func TestProjectEmptyTranscriptIsCreated(t *testing.T) {
	snap, err := Project(nil, projCfg())
	require.NoError(t, err)
	assert.Equal(t, bubble.StateCreated, snap.State)
}

func TestProjectTaskThenImplementerPassReachesRunningAsReviewer(t *testing.T) {
	transcript := []bubble.Envelope{
		{ID: "msg_20260731_001", Timestamp: at(0), BubbleID: "b1", Sender: "human", Recipient: "claude", Type: bubble.TypeTask, Round: 0, TaskPayload: &bubble.TaskPayload{Task: "x"}},
		{ID: "msg_20260731_002", Timestamp: at(time.Minute), BubbleID: "b1", Sender: "claude", Recipient: "codex", Type: bubble.TypePass, Round: 1, PassPayloadV: &bubble.PassPayload{Summary: "s", PassIntent: bubble.PassIntentReview}},
	}
	snap, err := Project(transcript, projCfg())
	require.NoError(t, err)
	assert.Equal(t, bubble.StateRunning, snap.State)
	assert.Equal(t, 1, snap.Round)
	require.NotNil(t, snap.ActiveRole)
	assert.Equal(t, bubble.RoleReviewer, *snap.ActiveRole)
}

func TestProjectReviewerPassAdvancesRound(t *testing.T) {
	transcript := []bubble.Envelope{
		{ID: "msg_20260731_001", Timestamp: at(0), BubbleID: "b1", Sender: "human", Recipient: "claude", Type: bubble.TypeTask, Round: 0, TaskPayload: &bubble.TaskPayload{Task: "x"}},
		{ID: "msg_20260731_002", Timestamp: at(time.Minute), BubbleID: "b1", Sender: "claude", Recipient: "codex", Type: bubble.TypePass, Round: 1, PassPayloadV: &bubble.PassPayload{Summary: "s", PassIntent: bubble.PassIntentReview}},
		{ID: "msg_20260731_003", Timestamp: at(2 * time.Minute), BubbleID: "b1", Sender: "codex", Recipient: "claude", Type: bubble.TypePass, Round: 1, PassPayloadV: &bubble.PassPayload{Summary: "s2", PassIntent: bubble.PassIntentFixRequest}},
	}
	snap, err := Project(transcript, projCfg())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Round)
	require.NotNil(t, snap.ActiveRole)
	assert.Equal(t, bubble.RoleImplementer, *snap.ActiveRole)
	assert.Len(t, snap.RoundRoleHistory, 2)
}

func TestProjectDonePackageReachesDoneNotCommitted(t *testing.T) {
	transcript := []bubble.Envelope{
		{ID: "msg_20260731_001", Timestamp: at(0), BubbleID: "b1", Sender: "human", Recipient: "claude", Type: bubble.TypeTask, Round: 0, TaskPayload: &bubble.TaskPayload{Task: "x"}},
		{ID: "msg_20260731_002", Timestamp: at(time.Minute), BubbleID: "b1", Sender: "claude", Recipient: "codex", Type: bubble.TypePass, Round: 1, PassPayloadV: &bubble.PassPayload{Summary: "s", PassIntent: bubble.PassIntentReview}},
		{ID: "msg_20260731_003", Timestamp: at(2 * time.Minute), BubbleID: "b1", Sender: "codex", Recipient: "orchestrator", Type: bubble.TypeConvergence, Round: 1, ConvergencePayload: &bubble.SummaryPayload{Summary: "done"}},
		{ID: "msg_20260731_004", Timestamp: at(2 * time.Minute), BubbleID: "b1", Sender: "orchestrator", Recipient: "human", Type: bubble.TypeApprovalRequest, Round: 1, ApprovalRequestPayload: &bubble.SummaryPayload{Summary: "done"}},
		{ID: "msg_20260731_005", Timestamp: at(3 * time.Minute), BubbleID: "b1", Sender: "human", Recipient: "orchestrator", Type: bubble.TypeApprovalDecision, Round: 1, ApprovalDecisionPayload: &bubble.ApprovalDecisionPayload{Decision: bubble.DecisionApprove}},
		{ID: "msg_20260731_006", Timestamp: at(4 * time.Minute), BubbleID: "b1", Sender: "orchestrator", Recipient: "human", Type: bubble.TypeDonePackage, Round: 1, DonePackagePayload: &bubble.DonePackagePayload{
			Summary: "shipped",
			Metadata: bubble.DonePackageMetadata{
				DonePackagePath: "/repo/.pairflow/bubbles/b1/done.json",
				StagedFiles:     []string{"a.go"},
				CommitMessage:   "commit",
				CommitSHA:       "deadbeef",
			},
		}},
	}
	snap, err := Project(transcript, projCfg())
	require.NoError(t, err)
	assert.Equal(t, bubble.StateDone, snap.State)
	assert.Nil(t, snap.ActiveAgent)
	assert.Nil(t, snap.ActiveRole)
	assert.Nil(t, snap.ActiveSince)
}

func TestProjectApprovalDecisionApprove(t *testing.T) {
	transcript := []bubble.Envelope{
		{ID: "msg_20260731_001", Timestamp: at(0), BubbleID: "b1", Sender: "human", Recipient: "claude", Type: bubble.TypeTask, Round: 0, TaskPayload: &bubble.TaskPayload{Task: "x"}},
		{ID: "msg_20260731_002", Timestamp: at(time.Minute), BubbleID: "b1", Sender: "claude", Recipient: "codex", Type: bubble.TypePass, Round: 1, PassPayloadV: &bubble.PassPayload{Summary: "s", PassIntent: bubble.PassIntentReview}},
		{ID: "msg_20260731_003", Timestamp: at(2 * time.Minute), BubbleID: "b1", Sender: "codex", Recipient: "orchestrator", Type: bubble.TypeConvergence, Round: 1, ConvergencePayload: &bubble.SummaryPayload{Summary: "done"}},
		{ID: "msg_20260731_004", Timestamp: at(2 * time.Minute), BubbleID: "b1", Sender: "orchestrator", Recipient: "human", Type: bubble.TypeApprovalRequest, Round: 1, ApprovalRequestPayload: &bubble.SummaryPayload{Summary: "done"}},
		{ID: "msg_20260731_005", Timestamp: at(3 * time.Minute), BubbleID: "b1", Sender: "human", Recipient: "orchestrator", Type: bubble.TypeApprovalDecision, Round: 1, ApprovalDecisionPayload: &bubble.ApprovalDecisionPayload{Decision: bubble.DecisionApprove}},
	}
	snap, err := Project(transcript, projCfg())
	require.NoError(t, err)
	assert.Equal(t, bubble.StateApprovedForCommit, snap.State)
}
