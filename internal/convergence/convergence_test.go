package convergence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pairflow/pairflow/internal/bubble"
)

func roundEntry(round int) bubble.RoundRoleEntry {
	return bubble.RoundRoleEntry{Round: round, Implementer: "claude", Reviewer: "codex", SwitchedAt: time.Now()}
}

func cleanPass(round int) bubble.Envelope {
	return bubble.Envelope{
		Type: bubble.TypePass, Round: round, Sender: "codex", Recipient: "claude",
		PassPayloadV: &bubble.PassPayload{Summary: "looks good", PassIntent: bubble.PassIntentReview, Findings: []bubble.Finding{
			{Severity: bubble.SeverityP2, Title: "nit"},
		}},
	}
}

func blockerPass(round int) bubble.Envelope {
	return bubble.Envelope{
		Type: bubble.TypePass, Round: round, Sender: "codex", Recipient: "claude",
		PassPayloadV: &bubble.PassPayload{Summary: "blocked", PassIntent: bubble.PassIntentFixRequest, Findings: []bubble.Finding{
			{Severity: bubble.SeverityP0, Title: "bug", Refs: []string{"file.go:10"}},
		}},
	}
}

func TestEvaluateOKWhenAllChecksPass(t *testing.T) {
	in := Input{
		CurrentRound:     2,
		Reviewer:         "codex",
		Implementer:      "claude",
		RoundRoleHistory: []bubble.RoundRoleEntry{roundEntry(1), roundEntry(2)},
		Transcript:       []bubble.Envelope{cleanPass(1)},
	}
	res := Evaluate(in)
	assert.True(t, res.OK)
	assert.Empty(t, res.Errors)
}

func TestEvaluateFailsOnOpenBlocker(t *testing.T) {
	in := Input{
		CurrentRound:     2,
		Reviewer:         "codex",
		Implementer:      "claude",
		RoundRoleHistory: []bubble.RoundRoleEntry{roundEntry(1), roundEntry(2)},
		Transcript:       []bubble.Envelope{blockerPass(1)},
	}
	res := Evaluate(in)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Errors)
}

func TestEvaluateFailsOnSingleRound(t *testing.T) {
	in := Input{
		CurrentRound:     1,
		Reviewer:         "codex",
		Implementer:      "claude",
		RoundRoleHistory: []bubble.RoundRoleEntry{roundEntry(1)},
		Transcript:       []bubble.Envelope{cleanPass(0)},
	}
	res := Evaluate(in)
	assert.False(t, res.OK)
}

func TestEvaluateFailsOnUnresolvedQuestion(t *testing.T) {
	in := Input{
		CurrentRound:     2,
		Reviewer:         "codex",
		Implementer:      "claude",
		RoundRoleHistory: []bubble.RoundRoleEntry{roundEntry(1), roundEntry(2)},
		Transcript: []bubble.Envelope{
			cleanPass(1),
			{Type: bubble.TypeHumanQuestion, Round: 2, Sender: "claude", Recipient: "human", HumanQuestionPayload: &bubble.HumanQuestionPayload{Question: "what now"}},
		},
	}
	res := Evaluate(in)
	assert.False(t, res.OK)
}

// TestEvaluateFailsWhenReviewerPassNeverSetFindings guards spec.md's
// convergence precondition that the PASS's findings field be present
// (even if empty) -- a PASS whose Findings is nil (never serialized) must
// not be treated as a clean pass just because it also carries no blockers.
func TestEvaluateFailsWhenReviewerPassNeverSetFindings(t *testing.T) {
	unsetFindingsPass := bubble.Envelope{
		Type: bubble.TypePass, Round: 1, Sender: "codex", Recipient: "claude",
		PassPayloadV: &bubble.PassPayload{Summary: "looks good", PassIntent: bubble.PassIntentReview},
	}
	in := Input{
		CurrentRound:     2,
		Reviewer:         "codex",
		Implementer:      "claude",
		RoundRoleHistory: []bubble.RoundRoleEntry{roundEntry(1), roundEntry(2)},
		Transcript:       []bubble.Envelope{unsetFindingsPass},
	}
	res := Evaluate(in)
	assert.False(t, res.OK)
}

// TestEvaluateOKWhenReviewerPassDeclaresExplicitlyEmptyFindings is the
// companion case: a PASS that correctly declared `--no-findings`
// (Findings: []bubble.Finding{}, non-nil) does satisfy the precondition.
func TestEvaluateOKWhenReviewerPassDeclaresExplicitlyEmptyFindings(t *testing.T) {
	noFindingsPass := bubble.Envelope{
		Type: bubble.TypePass, Round: 1, Sender: "codex", Recipient: "claude",
		PassPayloadV: &bubble.PassPayload{Summary: "looks good", PassIntent: bubble.PassIntentReview, Findings: []bubble.Finding{}},
	}
	in := Input{
		CurrentRound:     2,
		Reviewer:         "codex",
		Implementer:      "claude",
		RoundRoleHistory: []bubble.RoundRoleEntry{roundEntry(1), roundEntry(2)},
		Transcript:       []bubble.Envelope{noFindingsPass},
	}
	res := Evaluate(in)
	assert.True(t, res.OK)
	assert.Empty(t, res.Errors)
}

func TestUnresolvedHumanQuestionsNeverNegative(t *testing.T) {
	transcript := []bubble.Envelope{
		{Type: bubble.TypeHumanReply, HumanReplyPayload: &bubble.HumanReplyPayload{Message: "ok"}},
		{Type: bubble.TypeHumanQuestion, HumanQuestionPayload: &bubble.HumanQuestionPayload{Question: "q"}},
	}
	assert.Equal(t, 1, unresolvedHumanQuestions(transcript))
}
