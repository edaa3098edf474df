package commands

import (
	"context"
	"fmt"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/external"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/pairflow/pairflow/internal/statemachine"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/pairflow/pairflow/internal/transcript"
)

// AskHuman implements §4.8.4: the currently active agent escalates to a
// human. active_* is preserved across the transition so the eventual
// reply knows who to hand back to.
func (c *Commands) AskHuman(res *bubblectx.Resolved, question string, refs ...string) (*Result, error) {
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
			return nil, corerr.New(corerr.StateTransitionDenied, "commands.AskHuman",
				fmt.Errorf("ask-human requires state RUNNING, got %s", snap.State))
		}
		if snap.ActiveAgent == nil {
			return nil, corerr.New(corerr.SchemaValidation, "commands.AskHuman", fmt.Errorf("no active agent to ask on behalf of"))
		}

		appendResult, err := c.appendLocked(res, transcript.Draft{
			BubbleID:             res.Config.ID,
			Sender:               string(*snap.ActiveAgent),
			Recipient:            "human",
			Type:                 bubble.TypeHumanQuestion,
			Round:                snap.Round,
			Refs:                 bubble.NormalizeRefs(refs),
			HumanQuestionPayload: &bubble.HumanQuestionPayload{Question: question},
			MirrorPaths:          inboxMirror(res),
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
		if c.d.Notify != nil {
			c.d.Notify.Emit(context.Background(), res.Config.ID, external.NotificationWaitingHuman)
		}
		c.emit(res, "ask_human", &snap.Round, actorForRole(*snap.ActiveRole), map[string]any{"envelope_id": appendResult.Envelopes[0].ID})
		return &Result{Snapshot: next, Fingerprint: fp}, nil
	})
}

// HumanReply implements §4.8.5: the human answers, handing control back
// to whichever agent was waiting; round is preserved.
func (c *Commands) HumanReply(res *bubblectx.Resolved, message string) (*Result, error) {
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
			return nil, corerr.New(corerr.StateTransitionDenied, "commands.HumanReply",
				fmt.Errorf("human reply requires state WAITING_HUMAN, got %s", snap.State))
		}
		if snap.ActiveAgent == nil {
			return nil, corerr.New(corerr.SchemaValidation, "commands.HumanReply", fmt.Errorf("no waiting agent recorded"))
		}

		appendResult, err := c.appendLocked(res, transcript.Draft{
			BubbleID:          res.Config.ID,
			Sender:            "human",
			Recipient:         string(*snap.ActiveAgent),
			Type:              bubble.TypeHumanReply,
			Round:             snap.Round,
			HumanReplyPayload: &bubble.HumanReplyPayload{Message: message},
			MirrorPaths:       inboxMirror(res),
		})
		if err != nil {
			return nil, err
		}

		now := c.d.Now()
		next, err := statemachine.Apply(snap, res.Config, statemachine.Patch{To: bubble.StateRunning, ActiveSince: &now, LastCommandAt: &now})
		if err != nil {
			return nil, err
		}

		fp, err := c.writeStateAfterAppendLocked(res, next, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
		if err != nil {
			return nil, err
		}
		c.emit(res, "human_reply", &snap.Round, metrics.ActorHuman, map[string]any{"envelope_id": appendResult.Envelopes[0].ID})
		return &Result{Snapshot: next, Fingerprint: fp}, nil
	})
}
