package commands

import (
	"context"
	"fmt"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/convergence"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/external"
	"github.com/pairflow/pairflow/internal/idgen"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/pairflow/pairflow/internal/statemachine"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/pairflow/pairflow/internal/transcript"
)

// Converged implements §4.8.6: the reviewer declares the work converged.
// ConvergencePolicy (§4.6) is re-evaluated against the live transcript
// rather than trusted from the caller, since a stale client could declare
// convergence when the transcript no longer supports it.
func (c *Commands) Converged(res *bubblectx.Resolved, summary string, refs ...string) (*Result, error) {
	return c.withBubbleLock(res, func() (*Result, error) {
		if err := c.ensureInstanceID(res); err != nil {
			return nil, err
		}
		loaded, err := c.readState(res)
		if err != nil {
			return nil, err
		}
		snap := loaded.Snapshot
		if snap.State != bubble.StateRunning {
			return nil, corerr.New(corerr.StateTransitionDenied, "commands.Converged",
				fmt.Errorf("converged requires state RUNNING, got %s", snap.State))
		}
		if snap.ActiveRole == nil || *snap.ActiveRole != bubble.RoleReviewer {
			return nil, corerr.New(corerr.ConvergenceDenied, "commands.Converged", fmt.Errorf("converged requires active_role reviewer"))
		}
		if snap.ActiveAgent == nil || *snap.ActiveAgent != res.Config.Agents.Reviewer {
			return nil, corerr.New(corerr.ConvergenceDenied, "commands.Converged", fmt.Errorf("active_agent does not match configured reviewer"))
		}

		txn, err := c.readTranscript(res)
		if err != nil {
			return nil, err
		}
		eval := convergence.Evaluate(convergence.Input{
			CurrentRound:     snap.Round,
			Reviewer:         res.Config.Agents.Reviewer,
			Implementer:      res.Config.Agents.Implementer,
			RoundRoleHistory: snap.RoundRoleHistory,
			Transcript:       txn,
		})
		if !eval.OK {
			return nil, corerr.New(corerr.ConvergenceDenied, "commands.Converged", fmt.Errorf("convergence checks failed: %v", eval.Errors))
		}

		appendResult, err := c.appendLocked(res,
			transcript.Draft{
				BubbleID:           res.Config.ID,
				Sender:             string(res.Config.Agents.Reviewer),
				Recipient:          "orchestrator",
				Type:               bubble.TypeConvergence,
				Round:              snap.Round,
				Refs:               bubble.NormalizeRefs(refs),
				ConvergencePayload: &bubble.SummaryPayload{Summary: summary},
			},
			transcript.Draft{
				BubbleID:               res.Config.ID,
				Sender:                 "orchestrator",
				Recipient:              "human",
				Type:                   bubble.TypeApprovalRequest,
				Round:                  snap.Round,
				ApprovalRequestPayload: &bubble.SummaryPayload{Summary: summary},
				MirrorPaths:            inboxMirror(res),
			},
		)
		if err != nil {
			return nil, err
		}

		now := c.d.Now()
		next, err := statemachine.Apply(snap, res.Config, statemachine.Patch{To: bubble.StateReadyForApproval, LastCommandAt: &now})
		if err != nil {
			return nil, err
		}

		fp, err := c.writeStateAfterAppendLocked(res, next, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
		if err != nil {
			return nil, err
		}
		if c.d.Notify != nil {
			c.d.Notify.Emit(context.Background(), res.Config.ID, external.NotificationConverged)
		}
		c.emit(res, "converged", &snap.Round, metrics.ActorReviewer, map[string]any{"envelope_ids": envelopeIDs(appendResult.Envelopes)})
		return &Result{Snapshot: next, Fingerprint: fp}, nil
	})
}

// ApproveOrRequestRework implements §4.8.7. While READY_FOR_APPROVAL, a
// revise decision always applies immediately (there is no agent
// currently "busy" to interrupt). The WAITING_HUMAN deferred-intent path
// of §4.8.8 is handled separately by RequestReworkWhileWaiting.
func (c *Commands) ApproveOrRequestRework(res *bubblectx.Resolved, decision bubble.Decision, message string) (*Result, error) {
	return c.withBubbleLock(res, func() (*Result, error) {
		if err := c.ensureInstanceID(res); err != nil {
			return nil, err
		}
		loaded, err := c.readState(res)
		if err != nil {
			return nil, err
		}
		snap := loaded.Snapshot
		if snap.State != bubble.StateReadyForApproval {
			return nil, corerr.New(corerr.StateTransitionDenied, "commands.ApproveOrRequestRework",
				fmt.Errorf("approve/request-rework requires state READY_FOR_APPROVAL, got %s", snap.State))
		}

		appendResult, err := c.appendLocked(res, transcript.Draft{
			BubbleID:  res.Config.ID,
			Sender:    "human",
			Recipient: "orchestrator",
			Type:      bubble.TypeApprovalDecision,
			Round:     snap.Round,
			ApprovalDecisionPayload: &bubble.ApprovalDecisionPayload{Decision: decision, Message: message},
			MirrorPaths:             inboxMirror(res),
		})
		if err != nil {
			return nil, err
		}

		now := c.d.Now()
		var next *bubble.Snapshot
		if decision == bubble.DecisionApprove {
			next, err = statemachine.Apply(snap, res.Config, statemachine.Patch{To: bubble.StateApprovedForCommit, LastCommandAt: &now})
		} else {
			newRound := snap.Round + 1
			implementer := res.Config.Agents.Implementer
			role := bubble.RoleImplementer
			next, err = statemachine.Apply(snap, res.Config, statemachine.Patch{
				To:          bubble.StateRunning,
				Round:       &newRound,
				ActiveAgent: &implementer,
				ActiveRole:  &role,
				ActiveSince: &now,
				LastCommandAt: &now,
				AppendRoundRoleEntry: &bubble.RoundRoleEntry{
					Round: newRound, Implementer: res.Config.Agents.Implementer, Reviewer: res.Config.Agents.Reviewer, SwitchedAt: now,
				},
			})
		}
		if err != nil {
			return nil, err
		}

		fp, err := c.writeStateAfterAppendLocked(res, next, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
		if err != nil {
			return nil, err
		}
		c.emit(res, "approval_decision", &snap.Round, metrics.ActorHuman, map[string]any{
			"decision": string(decision), "envelope_id": appendResult.Envelopes[0].ID,
		})
		return &Result{Snapshot: next, Fingerprint: fp}, nil
	})
}

// RequestReworkWhileWaiting implements §4.8.8: a human-issued rework
// request arriving while the bubble is WAITING_HUMAN cannot apply
// immediately (no active round to append a PASS/APPROVAL_DECISION
// against is safe to touch until the pending human exchange resolves),
// so it is queued as pending_rework_intent and applied later by a
// watchdog sweep once delivery of the follow-up reply is confirmed.
func (c *Commands) RequestReworkWhileWaiting(res *bubblectx.Resolved, message string, refs []string) (*Result, error) {
	return c.withBubbleLock(res, func() (*Result, error) {
		if err := c.ensureInstanceID(res); err != nil {
			return nil, err
		}
		loaded, err := c.readState(res)
		if err != nil {
			return nil, err
		}
		snap := loaded.Snapshot
		if snap.State != bubble.StateWaitingHuman {
			return nil, corerr.New(corerr.StateTransitionDenied, "commands.RequestReworkWhileWaiting",
				fmt.Errorf("deferred rework request requires state WAITING_HUMAN, got %s", snap.State))
		}

		intentID, err := idgen.IntentID(c.d.Now())
		if err != nil {
			return nil, corerr.New(corerr.ExternalFailure, "commands.RequestReworkWhileWaiting", err)
		}

		now := c.d.Now()
		next := snap.Clone()
		if next.PendingReworkIntent != nil {
			superseded := *next.PendingReworkIntent
			superseded.Status = bubble.ReworkIntentSuperseded
			next.ReworkIntentHistory = append(next.ReworkIntentHistory, superseded)
		}
		next.PendingReworkIntent = &bubble.ReworkIntent{
			IntentID:    intentID,
			RequestedAt: now,
			Message:     message,
			Refs:        bubble.NormalizeRefs(refs),
			Status:      bubble.ReworkIntentPending,
		}
		next.LastCommandAt = &now

		fp, err := c.writeStateLocked(res, next, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
		if err != nil {
			return nil, err
		}
		c.emit(res, "rework_intent_queued", &snap.Round, metrics.ActorHuman, map[string]any{"intent_id": intentID})
		return &Result{Snapshot: next, Fingerprint: fp}, nil
	})
}

func envelopeIDs(envs []bubble.Envelope) []string {
	ids := make([]string, len(envs))
	for i, e := range envs {
		ids[i] = e.ID
	}
	return ids
}
