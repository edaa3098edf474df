// Package projector implements the reconcile/projector supplemented
// feature of §6.7: re-deriving a bubble's lifecycle snapshot purely by
// replaying its transcript. This is an invented crash-recovery supplement,
// not derived from any original source (see SPEC_FULL.md §6.7).
package projector

import (
	"fmt"
	"time"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/corerr"
)

// Project replays transcript envelopes in order and derives the
// resulting state/round/active_*/round_role_history, matching the
// semantics each ProtocolCommand (§4.8) would have produced. It is a
// pure function: given the same transcript and config it always returns
// the same snapshot, which is exactly the "transcript is canonical"
// design note (§9) operationalized.
//
// Envelopes carry their own round number (§3.4), so the projector trusts
// that field directly rather than re-deriving it independently; this
// keeps replay correct even across the "start" transition, which moves
// CREATED -> RUNNING with round=1 without appending any envelope of its
// own (§4.8.2).
func Project(transcript []bubble.Envelope, cfg *bubble.Config) (*bubble.Snapshot, error) {
	snap := &bubble.Snapshot{BubbleID: cfg.ID, State: bubble.StateCreated, Round: 0}

	for i, env := range transcript {
		if err := applyEnvelope(snap, cfg, env); err != nil {
			return nil, corerr.New(corerr.TranscriptContinuityViolation, "projector.Project",
				fmt.Errorf("envelope %d (%s): %w", i, env.ID, err))
		}
	}

	if err := snap.Validate(cfg); err != nil {
		return nil, corerr.New(corerr.SchemaValidation, "projector.Project.validate", err)
	}
	return snap, nil
}

func applyEnvelope(snap *bubble.Snapshot, cfg *bubble.Config, env bubble.Envelope) error {
	ts := env.Timestamp
	snap.LastCommandAt = &ts

	switch env.Type {
	case bubble.TypeTask:
		snap.State = bubble.StatePreparingWorkspace

	case bubble.TypePass:
		switch {
		case env.Sender == string(cfg.Agents.Implementer):
			setRunning(snap, cfg, bubble.RoleReviewer, env.Round, ts)
		case env.Sender == string(cfg.Agents.Reviewer):
			setRunning(snap, cfg, bubble.RoleImplementer, env.Round+1, ts)
		default:
			return fmt.Errorf("PASS sender %q is neither configured agent", env.Sender)
		}

	case bubble.TypeHumanQuestion:
		snap.State = bubble.StateWaitingHuman

	case bubble.TypeHumanReply:
		snap.State = bubble.StateRunning

	case bubble.TypeConvergence:
		// CONVERGENCE is immediately followed by APPROVAL_REQUEST in the
		// same append batch (§4.8.6); state settles on APPROVAL_REQUEST.

	case bubble.TypeApprovalRequest:
		snap.State = bubble.StateReadyForApproval

	case bubble.TypeApprovalDecision:
		if env.ApprovalDecisionPayload != nil && env.ApprovalDecisionPayload.Decision == bubble.DecisionApprove {
			snap.State = bubble.StateApprovedForCommit
		} else {
			setRunning(snap, cfg, bubble.RoleImplementer, env.Round+1, ts)
		}

	case bubble.TypeDonePackage:
		// DONE_PACKAGE is the terminal envelope of a successful commit
		// (commands.Commit moves COMMITTED -> DONE right after appending
		// it); the committed-but-not-yet-done intermediate is not
		// observable from the transcript alone and must not be
		// reconstructable by replay -- doing so would let `bubble
		// reconcile` regress an already-finished bubble back to
		// COMMITTED with active_* repopulated (spec.md's DONE/FAILED/
		// CANCELLED active_* must be null).
		snap.State = bubble.StateDone
		snap.ActiveAgent = nil
		snap.ActiveRole = nil
		snap.ActiveSince = nil

	default:
		return fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return nil
}

// setRunning transitions snap into RUNNING at the given round with the
// given active role, backfilling any round_role_history entries from the
// last recorded round up to round (inclusive) -- the config names a
// single fixed implementer/reviewer pair, so every backfilled entry uses
// the same agents.
func setRunning(snap *bubble.Snapshot, cfg *bubble.Config, role bubble.Role, round int, ts time.Time) {
	snap.State = bubble.StateRunning
	snap.Round = round
	r := role
	snap.ActiveRole = &r
	agent := cfg.Agents.Implementer
	if role == bubble.RoleReviewer {
		agent = cfg.Agents.Reviewer
	}
	snap.ActiveAgent = &agent
	snap.ActiveSince = &ts

	backfillRoundRoleHistory(snap, cfg, round, ts)
}

func backfillRoundRoleHistory(snap *bubble.Snapshot, cfg *bubble.Config, upTo int, ts time.Time) {
	seen := make(map[int]bool, len(snap.RoundRoleHistory))
	for _, e := range snap.RoundRoleHistory {
		seen[e.Round] = true
	}
	for r := 1; r <= upTo; r++ {
		if seen[r] {
			continue
		}
		snap.RoundRoleHistory = append(snap.RoundRoleHistory, bubble.RoundRoleEntry{
			Round: r, Implementer: cfg.Agents.Implementer, Reviewer: cfg.Agents.Reviewer, SwitchedAt: ts,
		})
		seen[r] = true
	}
}
