package commands

import (
	"context"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/pairflow/pairflow/internal/statemachine"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/pairflow/pairflow/internal/transcript"
	"github.com/pairflow/pairflow/internal/watchdog"
)

// WatchdogResult reports what one sweep did, per §4.8.10.
type WatchdogResult struct {
	Reason string
	Result *Result // nil if no state transition occurred
}

// WatchdogSweep implements §4.8.10. It never errors on a routine no-op;
// errors are reserved for genuine I/O or consistency failures.
func (c *Commands) WatchdogSweep(ctx context.Context, res *bubblectx.Resolved) (*WatchdogResult, error) {
	var out *WatchdogResult
	_, err := c.withBubbleLock(res, func() (*Result, error) {
		if err := c.ensureInstanceID(res); err != nil {
			return nil, err
		}
		loaded, err := c.readState(res)
		if err != nil {
			return nil, err
		}
		snap := loaded.Snapshot

		if snap.State == bubble.StateWaitingHuman && snap.PendingReworkIntent != nil {
			result, reason, werr := c.applyPendingReworkIfDelivered(ctx, res, loaded)
			if werr != nil {
				return nil, werr
			}
			out = &WatchdogResult{Reason: reason, Result: result}
			return result, nil
		}

		report := watchdog.Evaluate(snap, res.Config.WatchdogTimeoutMinutes, c.d.Now())
		if !report.Monitored {
			out = &WatchdogResult{Reason: "not_monitored"}
			return nil, nil
		}
		if !report.Expired {
			reason := "not_expired"
			if c.stuckDeliveryRetried(ctx, res) {
				reason += "_stuck_input_retried"
			}
			out = &WatchdogResult{Reason: reason}
			return nil, nil
		}

		appendResult, err := c.appendLocked(res, transcript.Draft{
			BubbleID:  res.Config.ID,
			Sender:    "orchestrator",
			Recipient: "human",
			Type:      bubble.TypeHumanQuestion,
			Round:     snap.Round,
			HumanQuestionPayload: &bubble.HumanQuestionPayload{
				Question: "watchdog: " + string(report.MonitoredAgent) + " has not responded within the configured timeout",
			},
			MirrorPaths: inboxMirror(res),
		})
		if err != nil {
			return nil, err
		}

		now := c.d.Now()
		next, err := statemachine.Apply(snap, res.Config, statemachine.Patch{To: bubble.StateWaitingHuman, LastCommandAt: &now})
		if err != nil {
			return nil, err
		}

		fp, err := c.writeStateAfterAppendLocked(res, next, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
		if err != nil {
			return nil, err
		}
		c.emit(res, "watchdog_triggered", &snap.Round, metrics.ActorOrchestrator, map[string]any{"envelope_id": appendResult.Envelopes[0].ID})
		out = &WatchdogResult{Reason: "expired", Result: &Result{Snapshot: next, Fingerprint: fp}}
		return out.Result, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stuckDeliveryRetried asks the tmux manager (if wired) whether the
// bubble's session is alive; when it reports the session dead it
// respawns the pane, best-effort, per §4.8.10. Pane content is not
// inspected.
func (c *Commands) stuckDeliveryRetried(ctx context.Context, res *bubblectx.Resolved) bool {
	if c.d.Tmux == nil || c.d.Sessions == nil {
		return false
	}
	session, ok, err := c.d.Sessions.Read(ctx, res.Config.ID)
	if err != nil || !ok {
		return false
	}
	alive, err := c.d.Tmux.SessionAlive(ctx, session.TmuxSessionName)
	if err != nil || alive {
		return false
	}
	if err := c.d.Tmux.RespawnPane(ctx, session.TmuxSessionName, ""); err != nil {
		c.d.Logger.Warn("watchdog: stuck-input retry failed", "bubble_id", res.Config.ID, "error", err)
		return false
	}
	return true
}

// applyPendingReworkIfDelivered implements the WAITING_HUMAN branch of
// §4.8.10/§4.8.8: once confirmDelivery reports the bubble's tmux session
// alive, the queued intent is applied as the equivalent
// APPROVAL_DECISION(revise) and the bubble resumes RUNNING.
// confirmDelivery does not check that the last human message is visible
// in the agent's pane; a live session is taken as delivery.
func (c *Commands) applyPendingReworkIfDelivered(ctx context.Context, res *bubblectx.Resolved, loaded *statestore.Loaded) (*Result, string, error) {
	snap := loaded.Snapshot
	if !c.confirmDelivery(ctx, res) {
		return nil, "rework_delivery_failed", nil
	}

	intent := *snap.PendingReworkIntent
	appendResult, err := c.appendLocked(res, transcript.Draft{
		BubbleID:  res.Config.ID,
		Sender:    "human",
		Recipient: "orchestrator",
		Type:      bubble.TypeApprovalDecision,
		Round:     snap.Round,
		Refs:      intent.Refs,
		ApprovalDecisionPayload: &bubble.ApprovalDecisionPayload{Decision: bubble.DecisionRevise, Message: intent.Message},
		MirrorPaths:             inboxMirror(res),
	})
	if err != nil {
		return nil, "", err
	}

	now := c.d.Now()
	implementer := res.Config.Agents.Implementer
	role := bubble.RoleImplementer
	newRound := snap.Round + 1
	applied := intent
	applied.Status = bubble.ReworkIntentApplied

	next, err := statemachine.Apply(snap, res.Config, statemachine.Patch{
		To:                  bubble.StateRunning,
		Round:               &newRound,
		ActiveAgent:         &implementer,
		ActiveRole:          &role,
		ActiveSince:         &now,
		LastCommandAt:       &now,
		ClearPendingRework:  true,
		AppendReworkHistory: &applied,
		AppendRoundRoleEntry: &bubble.RoundRoleEntry{
			Round: newRound, Implementer: res.Config.Agents.Implementer, Reviewer: res.Config.Agents.Reviewer, SwitchedAt: now,
		},
	})
	if err != nil {
		return nil, "", err
	}

	fp, err := c.writeStateAfterAppendLocked(res, next, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
	if err != nil {
		return nil, "", err
	}
	c.emit(res, "rework_intent_applied", &snap.Round, metrics.ActorOrchestrator, map[string]any{
		"intent_id": intent.IntentID, "envelope_id": appendResult.Envelopes[0].ID,
	})
	return &Result{Snapshot: next, Fingerprint: fp}, "rework_applied", nil
}

func (c *Commands) confirmDelivery(ctx context.Context, res *bubblectx.Resolved) bool {
	if c.d.Tmux == nil || c.d.Sessions == nil {
		return false
	}
	session, ok, err := c.d.Sessions.Read(ctx, res.Config.ID)
	if err != nil || !ok {
		return false
	}
	alive, err := c.d.Tmux.SessionAlive(ctx, session.TmuxSessionName)
	if err != nil {
		return false
	}
	return alive
}
