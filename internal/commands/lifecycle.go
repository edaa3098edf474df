package commands

import (
	"context"
	"os"
	"strings"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/external"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/pairflow/pairflow/internal/statemachine"
	"github.com/pairflow/pairflow/internal/statestore"
)

// Stop implements §4.8.11's stop half: it terminates runtime session
// ownership and transitions any non-final state to CANCELLED.
func (c *Commands) Stop(ctx context.Context, res *bubblectx.Resolved) (*Result, error) {
	return c.withBubbleLock(res, func() (*Result, error) {
		loaded, err := c.readState(res)
		if err != nil {
			return nil, err
		}
		snap := loaded.Snapshot

		if c.d.Sessions != nil {
			if session, ok, serr := c.d.Sessions.Read(ctx, res.Config.ID); serr == nil && ok {
				if c.d.Tmux != nil {
					if terr := c.d.Tmux.Terminate(ctx, session.TmuxSessionName); terr != nil {
						c.d.Logger.Warn("stop: tmux terminate failed", "bubble_id", res.Config.ID, "error", terr)
					}
				}
				if rerr := c.d.Sessions.Remove(ctx, res.Config.ID); rerr != nil {
					c.d.Logger.Warn("stop: runtime session remove failed", "bubble_id", res.Config.ID, "error", rerr)
				}
			}
		}

		if snap.State.IsTerminal() {
			return &Result{Snapshot: snap, Fingerprint: loaded.Fingerprint}, nil
		}

		now := c.d.Now()
		next := snap.Clone()
		next.State = bubble.StateCancelled
		next.ActiveAgent = nil
		next.ActiveRole = nil
		next.ActiveSince = nil
		next.LastCommandAt = &now

		fp, err := c.writeStateLocked(res, next, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
		if err != nil {
			return nil, err
		}
		c.emit(res, "stopped", &snap.Round, metrics.ActorOrchestrator, nil)
		return &Result{Snapshot: next, Fingerprint: fp}, nil
	})
}

// DeleteInput is the delete command's argument (§4.8.11).
type DeleteInput struct {
	WorktreePath string
	Force        bool
}

// Delete implements §4.8.11: a safety-gated teardown that, absent
// force=true, refuses to proceed while live artifacts (tmux session,
// runtime session entry, worktree, branch) still exist.
func (c *Commands) Delete(ctx context.Context, res *bubblectx.Resolved, in DeleteInput) (*Result, error) {
	if _, err := os.Stat(res.BubbleDir); err != nil {
		if os.IsNotExist(err) {
			return &Result{}, nil // ENOENT at the directory level is idempotent success
		}
		return nil, corerr.New(corerr.ExternalFailure, "commands.Delete.stat", err)
	}

	return c.withBubbleLock(res, func() (*Result, error) {
		artifacts := c.liveArtifacts(ctx, res, in.WorktreePath)
		if !in.Force && len(artifacts) > 0 {
			return &Result{
				RequiresConfirmation: true,
				ConfirmationDetail:   "live artifacts present: " + strings.Join(artifacts, ", "),
			}, nil
		}

		if c.d.Sessions != nil {
			if session, ok, serr := c.d.Sessions.Read(ctx, res.Config.ID); serr == nil && ok {
				if c.d.Tmux != nil {
					_ = c.d.Tmux.Terminate(ctx, session.TmuxSessionName)
				}
				_ = c.d.Sessions.Remove(ctx, res.Config.ID)
			}
		}
		if c.d.Workspace != nil {
			if _, err := c.d.Workspace.Cleanup(ctx, external.CleanupInput{
				RepoPath: res.Config.RepoPath, BubbleBranch: res.Config.BubbleBranch, WorktreePath: in.WorktreePath,
			}); err != nil {
				c.d.Logger.Warn("delete: workspace cleanup failed", "bubble_id", res.Config.ID, "error", err)
			}
		}
		if c.d.Archiver != nil {
			if _, err := c.d.Archiver.Snapshot(ctx, external.ArchiveSnapshotInput{
				RepoPath:         res.Config.RepoPath,
				BubbleID:         res.Config.ID,
				BubbleInstanceID: res.Config.BubbleInstanceID,
				BubbleDir:        res.BubbleDir,
				LocksDir:         res.LocksDir,
			}); err != nil {
				return nil, corerr.New(corerr.ExternalFailure, "commands.Delete.archive", err)
			}
		}

		c.emit(res, "deleted", nil, metrics.ActorOrchestrator, nil)
		if err := os.RemoveAll(res.BubbleDir); err != nil && !os.IsNotExist(err) {
			return nil, corerr.New(corerr.ExternalFailure, "commands.Delete.remove", err)
		}
		return &Result{}, nil
	})
}

// liveArtifacts collects the §4.8.11 confirmation-gate checks that are
// true right now.
func (c *Commands) liveArtifacts(ctx context.Context, res *bubblectx.Resolved, worktreePath string) []string {
	var live []string
	if c.d.Sessions != nil {
		if session, ok, err := c.d.Sessions.Read(ctx, res.Config.ID); err == nil && ok {
			live = append(live, "runtime session entry")
			if c.d.Tmux != nil {
				if alive, terr := c.d.Tmux.SessionAlive(ctx, session.TmuxSessionName); terr == nil && alive {
					live = append(live, "tmux session alive")
				}
			}
		}
	}
	if worktreePath != "" {
		if _, err := os.Stat(worktreePath); err == nil {
			live = append(live, "worktree present")
		}
	}
	if c.d.VCS != nil {
		if result, err := c.d.VCS.Run(ctx, []string{"rev-parse", "--verify", "--quiet", res.Config.BubbleBranch}, external.RunOptions{Cwd: res.Config.RepoPath, AllowFailure: true}); err == nil && result.ExitCode == 0 {
			live = append(live, "bubble branch present")
		}
	}
	return live
}
