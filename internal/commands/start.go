package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/external"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/pairflow/pairflow/internal/statemachine"
	"github.com/pairflow/pairflow/internal/statestore"
)

// Start implements §4.8.2: CREATED -> PREPARING_WORKSPACE -> RUNNING,
// delegating the actual workspace/tmux bootstrap to the external
// WorkspaceManager. A bootstrap failure transitions PREPARING_WORKSPACE
// -> FAILED after a best-effort cleanup attempt, rather than leaving the
// bubble stuck mid-transition.
func (c *Commands) Start(ctx context.Context, res *bubblectx.Resolved, worktreePath string) (*Result, error) {
	return c.withBubbleLock(res, func() (*Result, error) {
		if err := c.ensureInstanceID(res); err != nil {
			return nil, err
		}
		loaded, err := c.readState(res)
		if err != nil {
			return nil, err
		}
		if loaded.Snapshot.State != bubble.StateCreated {
			return nil, corerr.New(corerr.StateTransitionDenied, "commands.Start",
				fmt.Errorf("start requires state CREATED, got %s", loaded.Snapshot.State))
		}

		preparing, err := statemachine.Apply(loaded.Snapshot, res.Config, statemachine.Patch{To: bubble.StatePreparingWorkspace})
		if err != nil {
			return nil, err
		}
		prepFP, err := c.writeStateLocked(res, preparing, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
		if err != nil {
			return nil, err
		}

		var overlay *external.LocalOverlaySpec
		if res.Config.LocalOverlay != nil && res.Config.LocalOverlay.Enabled {
			overlay = &external.LocalOverlaySpec{Mode: string(res.Config.LocalOverlay.Mode), Entries: res.Config.LocalOverlay.Entries}
		}

		bootstrapResult, bootErr := c.d.Workspace.Bootstrap(ctx, external.BootstrapInput{
			RepoPath:     res.Config.RepoPath,
			BaseBranch:   res.Config.BaseBranch,
			BubbleBranch: res.Config.BubbleBranch,
			WorktreePath: worktreePath,
			LocalOverlay: overlay,
		})
		if bootErr != nil {
			failed, ferr := statemachine.Apply(preparing, res.Config, statemachine.Patch{To: bubble.StateFailed})
			if ferr != nil {
				c.d.Logger.Error("start: failed to build FAILED snapshot after bootstrap error", "bubble_id", res.Config.ID, "error", ferr)
			} else if _, werr := c.writeStateLocked(res, failed, statestore.WriteOptions{ExpectedFingerprint: prepFP}); werr != nil {
				c.d.Logger.Error("start: failed to record FAILED state after bootstrap error", "bubble_id", res.Config.ID, "error", werr)
			}
			c.emit(res, "bubble_start_failed", nil, metrics.ActorOrchestrator, map[string]any{"error": bootErr.Error()})
			// best-effort cleanup of any partial workspace artifacts
			_, _ = c.d.Workspace.Cleanup(ctx, external.CleanupInput{
				RepoPath: res.Config.RepoPath, BubbleBranch: res.Config.BubbleBranch, WorktreePath: worktreePath,
			})
			return nil, corerr.New(corerr.ExternalFailure, "commands.Start.bootstrap", bootErr)
		}

		if c.d.Sessions != nil {
			_ = c.d.Sessions.Upsert(ctx, res.Config.ID, external.RuntimeSession{
				RepoPath:     res.Config.RepoPath,
				WorktreePath: bootstrapResult.WorktreePath,
				UpdatedAt:    c.d.Now().Format(time.RFC3339),
			})
		}

		round := 1
		now := c.d.Now()
		implementer := res.Config.Agents.Implementer
		role := bubble.RoleImplementer
		running, err := statemachine.Apply(preparing, res.Config, statemachine.Patch{
			To:          bubble.StateRunning,
			Round:       &round,
			ActiveAgent: &implementer,
			ActiveRole:  &role,
			ActiveSince: &now,
			AppendRoundRoleEntry: &bubble.RoundRoleEntry{
				Round: round, Implementer: res.Config.Agents.Implementer, Reviewer: res.Config.Agents.Reviewer, SwitchedAt: now,
			},
		})
		if err != nil {
			return nil, err
		}

		fp, err := c.writeStateLocked(res, running, statestore.WriteOptions{ExpectedFingerprint: prepFP})
		if err != nil {
			return nil, err
		}

		c.emit(res, "bubble_started", &round, metrics.ActorOrchestrator, nil)
		return &Result{Snapshot: running, Fingerprint: fp}, nil
	})
}
