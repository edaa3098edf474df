package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/external"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/pairflow/pairflow/internal/statemachine"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/pairflow/pairflow/internal/transcript"
)

// CommitInput is the commit command's caller-supplied argument (§4.8.9).
type CommitInput struct {
	WorktreePath  string
	StagedFiles   []string
	CommitMessage string
	Refs          []string
}

// Commit implements §4.8.9: a two-phase transition APPROVED_FOR_COMMIT ->
// COMMITTED -> DONE, with the version-control commit itself sequenced
// before the transcript append per §5's "external work before the
// envelope" rule. The second state write (COMMITTED -> DONE) is guarded
// by its own independent fingerprint; if it fails, the caller gets the
// transcript-is-canonical recovery error while the DONE_PACKAGE envelope
// (and the COMMITTED state) already persisted successfully.
func (c *Commands) Commit(ctx context.Context, res *bubblectx.Resolved, in CommitInput) (*Result, error) {
	return c.withBubbleLock(res, func() (*Result, error) {
		if err := c.ensureInstanceID(res); err != nil {
			return nil, err
		}
		loaded, err := c.readState(res)
		if err != nil {
			return nil, err
		}
		snap := loaded.Snapshot
		if snap.State != bubble.StateApprovedForCommit {
			return nil, corerr.New(corerr.StateTransitionDenied, "commands.Commit",
				fmt.Errorf("commit requires state APPROVED_FOR_COMMIT, got %s", snap.State))
		}

		donePackagePath := filepath.Join(res.ArtifactsDir, "done-package.md")
		donePackage, err := os.ReadFile(donePackagePath)
		if err != nil || strings.TrimSpace(string(donePackage)) == "" {
			return nil, corerr.New(corerr.SchemaValidation, "commands.Commit",
				fmt.Errorf("artifacts/done-package.md must exist and be non-empty"))
		}
		if len(in.StagedFiles) == 0 {
			return nil, corerr.New(corerr.SchemaValidation, "commands.Commit", fmt.Errorf("no staged files"))
		}
		for _, sf := range in.StagedFiles {
			if err := validateStagedPath(in.WorktreePath, sf); err != nil {
				return nil, corerr.New(corerr.SchemaValidation, "commands.Commit", err)
			}
		}

		commitSHA, err := c.performVCSCommit(ctx, in)
		if err != nil {
			return nil, corerr.New(corerr.ExternalFailure, "commands.Commit.vcs", err)
		}

		appendResult, err := c.appendLocked(res, transcript.Draft{
			BubbleID:  res.Config.ID,
			Sender:    "orchestrator",
			Recipient: "human",
			Type:      bubble.TypeDonePackage,
			Round:     snap.Round,
			Refs:      append([]string{donePackagePath}, in.Refs...),
			DonePackagePayload: &bubble.DonePackagePayload{
				Summary: string(donePackage),
				Metadata: bubble.DonePackageMetadata{
					DonePackagePath: donePackagePath,
					StagedFiles:     in.StagedFiles,
					CommitMessage:   in.CommitMessage,
					CommitSHA:       commitSHA,
				},
			},
		})
		if err != nil {
			return nil, err
		}

		now := c.d.Now()
		committed, err := statemachine.Apply(snap, res.Config, statemachine.Patch{To: bubble.StateCommitted, LastCommandAt: &now})
		if err != nil {
			return nil, err
		}

		committedFP, err := c.writeStateAfterAppendLocked(res, committed, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
		if err != nil {
			return nil, err
		}
		c.emit(res, "committed", &snap.Round, metrics.ActorOrchestrator, map[string]any{
			"envelope_id": appendResult.Envelopes[0].ID, "commit_sha": commitSHA,
		})

		done, err := statemachine.Apply(committed, res.Config, statemachine.Patch{To: bubble.StateDone, LastCommandAt: &now})
		if err != nil {
			return nil, err
		}
		doneFP, err := c.writeStateAfterAppendLocked(res, done, statestore.WriteOptions{ExpectedFingerprint: committedFP})
		if err != nil {
			// COMMITTED already persisted and is a valid durable resting
			// state; the caller sees the recovery-from-transcript error
			// form but the bubble is not stuck.
			return nil, err
		}
		c.emit(res, "done", &snap.Round, metrics.ActorOrchestrator, nil)
		return &Result{Snapshot: done, Fingerprint: doneFP}, nil
	})
}

func (c *Commands) performVCSCommit(ctx context.Context, in CommitInput) (string, error) {
	if c.d.VCS == nil {
		return "", fmt.Errorf("no VCS runner configured")
	}
	args := append([]string{"add", "--"}, in.StagedFiles...)
	if _, err := c.d.VCS.Run(ctx, args, external.RunOptions{Cwd: in.WorktreePath}); err != nil {
		return "", err
	}
	if _, err := c.d.VCS.Run(ctx, []string{"commit", "-m", in.CommitMessage}, external.RunOptions{Cwd: in.WorktreePath}); err != nil {
		return "", err
	}
	res, err := c.d.VCS.Run(ctx, []string{"rev-parse", "HEAD"}, external.RunOptions{Cwd: in.WorktreePath})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// validateStagedPath enforces §4.8.9: every staged path must be relative
// and resolve strictly inside the workspace.
func validateStagedPath(worktreePath, staged string) error {
	if staged == "" || strings.HasPrefix(staged, "/") {
		return fmt.Errorf("staged path %q must be relative", staged)
	}
	joined := filepath.Join(worktreePath, staged)
	rel, err := filepath.Rel(worktreePath, joined)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("staged path %q escapes the workspace", staged)
	}
	return nil
}
