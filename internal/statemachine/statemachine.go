// Package statemachine implements StateMachine (§4.5): the closed table
// of permitted bubble lifecycle transitions and the patch-then-validate
// transition function ProtocolCommands build their next snapshot with.
package statemachine

import (
	"fmt"
	"time"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/corerr"
)

// permitted is the closed transition table of §4.5. Self-transitions are
// forbidden by omission.
var permitted = map[bubble.State][]bubble.State{
	bubble.StateCreated:            {bubble.StatePreparingWorkspace},
	bubble.StatePreparingWorkspace:  {bubble.StateRunning},
	bubble.StateRunning:             {bubble.StateWaitingHuman, bubble.StateReadyForApproval},
	bubble.StateWaitingHuman:        {bubble.StateRunning},
	bubble.StateReadyForApproval:    {bubble.StateRunning, bubble.StateApprovedForCommit},
	bubble.StateApprovedForCommit:   {bubble.StateCommitted},
	bubble.StateCommitted:           {bubble.StateDone},
}

// activeStates is the set from which a FAILED transition is permitted
// (the first seven rows of §4.5's table); CANCELLED is permitted from any
// non-final state.
var activeStates = map[bubble.State]bool{
	bubble.StateCreated: true, bubble.StatePreparingWorkspace: true,
	bubble.StateRunning: true, bubble.StateWaitingHuman: true,
	bubble.StateReadyForApproval: true, bubble.StateApprovedForCommit: true,
	bubble.StateCommitted: true,
}

// Permitted reports whether a direct transition from -> to is allowed.
func Permitted(from, to bubble.State) bool {
	if from == to {
		return false
	}
	if to == bubble.StateFailed {
		return activeStates[from]
	}
	if to == bubble.StateCancelled {
		return !from.IsTerminal()
	}
	for _, candidate := range permitted[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Patch names the fields a transition may set on top of the current
// snapshot; nil fields leave the current value unchanged except where
// noted.
type Patch struct {
	To                  bubble.State
	Round               *int
	ActiveAgent         *bubble.AgentName
	ActiveRole          *bubble.Role
	ActiveSince         *time.Time
	AppendRoundRoleEntry *bubble.RoundRoleEntry
	LastCommandAt       *time.Time
	PendingReworkIntent  *bubble.ReworkIntent
	ClearPendingRework   bool
	AppendReworkHistory  *bubble.ReworkIntent
}

// Apply produces a new snapshot by shallow-merging patch onto current,
// then validating the result (§3.3). Any invariant violation, including
// an impermissible transition, surfaces as a SchemaValidation /
// StateTransitionDenied error.
func Apply(current *bubble.Snapshot, cfg *bubble.Config, patch Patch) (*bubble.Snapshot, error) {
	if !Permitted(current.State, patch.To) {
		return nil, corerr.New(corerr.StateTransitionDenied, "statemachine.Apply",
			fmt.Errorf("transition %s -> %s is not permitted", current.State, patch.To))
	}

	next := current.Clone()
	next.State = patch.To

	if patch.Round != nil {
		next.Round = *patch.Round
	}
	if patch.ActiveAgent != nil {
		v := *patch.ActiveAgent
		next.ActiveAgent = &v
	}
	if patch.ActiveRole != nil {
		v := *patch.ActiveRole
		next.ActiveRole = &v
	}
	if patch.ActiveSince != nil {
		v := *patch.ActiveSince
		next.ActiveSince = &v
	}
	if patch.LastCommandAt != nil {
		v := *patch.LastCommandAt
		next.LastCommandAt = &v
	}
	if patch.AppendRoundRoleEntry != nil {
		next.RoundRoleHistory = append(next.RoundRoleHistory, *patch.AppendRoundRoleEntry)
	}
	if patch.ClearPendingRework {
		next.PendingReworkIntent = nil
	} else if patch.PendingReworkIntent != nil {
		v := *patch.PendingReworkIntent
		next.PendingReworkIntent = &v
	}
	if patch.AppendReworkHistory != nil {
		next.ReworkIntentHistory = append(next.ReworkIntentHistory, *patch.AppendReworkHistory)
	}

	if next.State.IsSetup() || next.State.IsTerminal() {
		next.ActiveAgent = nil
		next.ActiveRole = nil
		next.ActiveSince = nil
		if next.State.IsSetup() {
			next.Round = 0
		}
	}

	if err := next.Validate(cfg); err != nil {
		return nil, corerr.New(corerr.SchemaValidation, "statemachine.Apply.validate", err)
	}
	return next, nil
}
