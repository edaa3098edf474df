// Package convergence implements ConvergencePolicy (§4.6): the pure
// predicate that decides whether a reviewer's "converged" declaration is
// actually backed by the transcript.
package convergence

import (
	"fmt"

	"github.com/pairflow/pairflow/internal/bubble"
)

// Input bundles the facts ConvergencePolicy reasons over.
type Input struct {
	CurrentRound    int
	Reviewer        bubble.AgentName
	Implementer     bubble.AgentName
	RoundRoleHistory []bubble.RoundRoleEntry
	Transcript      []bubble.Envelope
}

// Result is {ok, errors[]} per §4.6; every failed check contributes one
// distinct error string rather than short-circuiting on the first.
type Result struct {
	OK     bool
	Errors []string
}

// Evaluate runs every §4.6 check against in and returns their combined
// result.
func Evaluate(in Input) Result {
	var errs []string

	if !hasMatchingRoundEntry(in.RoundRoleHistory, in.CurrentRound, in.Implementer, in.Reviewer) {
		errs = append(errs, fmt.Sprintf("round_role_history has no entry for round %d matching configured agents", in.CurrentRound))
	}

	if distinctRounds(in.RoundRoleHistory) < 2 {
		errs = append(errs, "fewer than 2 distinct rounds have occurred")
	}

	if !hasCleanReviewerPass(in.Transcript, in.CurrentRound-1, in.Reviewer, in.Implementer) {
		errs = append(errs, fmt.Sprintf("no reviewer->implementer PASS at round %d with valid findings and no open P0/P1", in.CurrentRound-1))
	}

	if outstanding := unresolvedHumanQuestions(in.Transcript); outstanding != 0 {
		errs = append(errs, fmt.Sprintf("%d unresolved HUMAN_QUESTION(s) remain", outstanding))
	}

	return Result{OK: len(errs) == 0, Errors: errs}
}

func hasMatchingRoundEntry(history []bubble.RoundRoleEntry, round int, implementer, reviewer bubble.AgentName) bool {
	for _, e := range history {
		if e.Round == round {
			return e.Implementer == implementer && e.Reviewer == reviewer
		}
	}
	return false
}

func distinctRounds(history []bubble.RoundRoleEntry) int {
	seen := make(map[int]bool, len(history))
	for _, e := range history {
		seen[e.Round] = true
	}
	return len(seen)
}

// hasCleanReviewerPass looks for a PASS envelope at the given round, sent
// by reviewer to implementer, whose findings field was actually present
// (spec.md §4.6/§3: "findings field is present, even if empty") and
// contain no open P0/P1. A PASS whose findings were never serialized --
// Findings is nil, not an explicitly-empty slice -- does not satisfy the
// precondition and is skipped rather than treated as clean.
func hasCleanReviewerPass(transcript []bubble.Envelope, round int, reviewer, implementer bubble.AgentName) bool {
	if round < 0 {
		return false
	}
	for _, e := range transcript {
		if e.Type != bubble.TypePass || e.Round != round {
			continue
		}
		if e.Sender != string(reviewer) || e.Recipient != string(implementer) {
			continue
		}
		if e.PassPayloadV == nil {
			continue
		}
		if e.PassPayloadV.Findings == nil {
			continue
		}
		if hasOpenBlocker(e.PassPayloadV.Findings) {
			return false
		}
		return true
	}
	return false
}

func hasOpenBlocker(findings []bubble.Finding) bool {
	for _, f := range findings {
		if f.Severity == bubble.SeverityP0 || f.Severity == bubble.SeverityP1 {
			return true
		}
	}
	return false
}

// unresolvedHumanQuestions counts HUMAN_QUESTION envelopes not yet
// answered by a subsequent HUMAN_REPLY, in order of occurrence, never
// going negative (§4.6).
func unresolvedHumanQuestions(transcript []bubble.Envelope) int {
	outstanding := 0
	for _, e := range transcript {
		switch e.Type {
		case bubble.TypeHumanQuestion:
			outstanding++
		case bubble.TypeHumanReply:
			if outstanding > 0 {
				outstanding--
			}
		}
	}
	return outstanding
}
