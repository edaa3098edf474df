package commands

import (
	"fmt"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/pairflow/pairflow/internal/transcript"
)

// PassInput is the pass command's caller-supplied argument (§4.8.3).
type PassInput struct {
	Summary    string
	Intent     bubble.PassIntent // zero value means "use the role default"
	Findings   []bubble.Finding
	NoFindings bool
	Refs       []string
}

// Pass implements §4.8.3, the central handoff: depending on whose turn it
// currently is, it appends a PASS envelope and either swaps the active
// role in place (implementer -> reviewer) or swaps the role back and
// advances the round (reviewer -> implementer).
func (c *Commands) Pass(res *bubblectx.Resolved, in PassInput) (*Result, error) {
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
			return nil, corerr.New(corerr.StateTransitionDenied, "commands.Pass",
				fmt.Errorf("pass requires state RUNNING, got %s", snap.State))
		}
		if snap.Round < 1 || snap.ActiveRole == nil {
			return nil, corerr.New(corerr.SchemaValidation, "commands.Pass", fmt.Errorf("bubble has no active round/role"))
		}

		findings := in.Findings
		if in.NoFindings {
			findings = []bubble.Finding{}
		}

		switch *snap.ActiveRole {
		case bubble.RoleImplementer:
			return c.passFromImplementer(res, loaded, in, findings)
		case bubble.RoleReviewer:
			return c.passFromReviewer(res, loaded, in, findings)
		default:
			return nil, corerr.New(corerr.SchemaValidation, "commands.Pass", fmt.Errorf("unknown active role %q", *snap.ActiveRole))
		}
	})
}

func (c *Commands) passFromImplementer(res *bubblectx.Resolved, loaded *statestore.Loaded, in PassInput, findings []bubble.Finding) (*Result, error) {
	snap := loaded.Snapshot
	intent := in.Intent
	if intent == "" {
		intent = bubble.PassIntentReview
	}
	reviewer := res.Config.Agents.Reviewer

	appendResult, err := c.appendLocked(res, transcript.Draft{
		BubbleID:  res.Config.ID,
		Sender:    string(res.Config.Agents.Implementer),
		Recipient: string(reviewer),
		Type:      bubble.TypePass,
		Round:     snap.Round,
		Refs:      in.Refs,
		PassPayload: &bubble.PassPayload{Summary: in.Summary, PassIntent: intent, Findings: findings},
	})
	if err != nil {
		return nil, err
	}

	now := c.d.Now()
	role := bubble.RoleReviewer
	next := snap.Clone()
	next.ActiveAgent = &reviewer
	next.ActiveRole = &role
	next.ActiveSince = &now
	next.LastCommandAt = &now

	fp, err := c.writeStateAfterAppendLocked(res, next, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
	if err != nil {
		return nil, err
	}
	c.emit(res, "pass_to_reviewer", &snap.Round, metrics.ActorImplementer, map[string]any{"envelope_id": appendResult.Envelopes[0].ID})
	return &Result{Snapshot: next, Fingerprint: fp}, nil
}

func (c *Commands) passFromReviewer(res *bubblectx.Resolved, loaded *statestore.Loaded, in PassInput, findings []bubble.Finding) (*Result, error) {
	snap := loaded.Snapshot
	intent := in.Intent
	if intent == "" {
		intent = bubble.PassIntentFixRequest
	}
	implementer := res.Config.Agents.Implementer

	appendResult, err := c.appendLocked(res, transcript.Draft{
		BubbleID:  res.Config.ID,
		Sender:    string(res.Config.Agents.Reviewer),
		Recipient: string(implementer),
		Type:      bubble.TypePass,
		Round:     snap.Round,
		Refs:      in.Refs,
		PassPayload: &bubble.PassPayload{Summary: in.Summary, PassIntent: intent, Findings: findings},
	})
	if err != nil {
		return nil, err
	}

	now := c.d.Now()
	role := bubble.RoleImplementer
	newRound := snap.Round + 1
	next := snap.Clone()
	next.Round = newRound
	next.ActiveAgent = &implementer
	next.ActiveRole = &role
	next.ActiveSince = &now
	next.LastCommandAt = &now

	hasEntry := false
	for _, e := range next.RoundRoleHistory {
		if e.Round == newRound {
			hasEntry = true
			break
		}
	}
	if !hasEntry {
		next.RoundRoleHistory = append(next.RoundRoleHistory, bubble.RoundRoleEntry{
			Round: newRound, Implementer: res.Config.Agents.Implementer, Reviewer: res.Config.Agents.Reviewer, SwitchedAt: now,
		})
	}

	fp, err := c.writeStateAfterAppendLocked(res, next, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
	if err != nil {
		return nil, err
	}
	c.emit(res, "pass_to_implementer", &newRound, metrics.ActorReviewer, map[string]any{"envelope_id": appendResult.Envelopes[0].ID})
	return &Result{Snapshot: next, Fingerprint: fp}, nil
}
