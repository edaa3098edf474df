package bubble

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnvelope() Envelope {
	return Envelope{
		ID:        "msg_20260731_001",
		Timestamp: time.Now().UTC(),
		BubbleID:  "b1",
		Sender:    "human",
		Recipient: "claude",
		Type:      TypeTask,
		Round:     0,
		TaskPayload: &TaskPayload{Task: "do the thing"},
	}
}

func TestEnvelopeValidateTask(t *testing.T) {
	e := baseEnvelope()
	require.NoError(t, e.Validate())
}

func TestEnvelopeValidateRejectsBadID(t *testing.T) {
	e := baseEnvelope()
	e.ID = "not-an-id"
	require.Error(t, e.Validate())
}

func TestEnvelopeValidateRejectsUnknownParticipant(t *testing.T) {
	e := baseEnvelope()
	e.Sender = "some-rando"
	require.Error(t, e.Validate())
}

func TestEnvelopeValidateTaskRejectsNonZeroRound(t *testing.T) {
	e := baseEnvelope()
	e.Round = 1
	require.Error(t, e.Validate())
}

func TestEnvelopeValidatePassRequiresRefOnBlocker(t *testing.T) {
	e := baseEnvelope()
	e.Type = TypePass
	e.Round = 1
	e.TaskPayload = nil
	e.PassPayloadV = &PassPayload{
		Summary:    "found a bug",
		PassIntent: PassIntentFixRequest,
		Findings: []Finding{
			{Severity: SeverityP0, Title: "crash on empty input"},
		},
	}
	require.Error(t, e.Validate())

	e.PassPayloadV.Findings[0].Refs = []string{"main.go:42"}
	require.NoError(t, e.Validate())
}

func TestEnvelopeValidateRejectsMultiplePayloads(t *testing.T) {
	e := baseEnvelope()
	e.HumanReplyPayload = &HumanReplyPayload{Message: "x"}
	require.Error(t, e.Validate())
}

func TestEnvelopeValidateDonePackageRequiresMetadata(t *testing.T) {
	e := baseEnvelope()
	e.Type = TypeDonePackage
	e.TaskPayload = nil
	e.DonePackagePayload = &DonePackagePayload{Summary: "shipped"}
	require.Error(t, e.Validate())

	e.DonePackagePayload.Metadata = DonePackageMetadata{
		DonePackagePath: "artifacts/done-package.md",
		StagedFiles:     []string{"main.go"},
		CommitMessage:   "feat: thing",
		CommitSHA:       "deadbeef",
	}
	require.NoError(t, e.Validate())
}

func TestNormalizeRefsTrimsDedupesPreservesOrder(t *testing.T) {
	got := NormalizeRefs([]string{" a ", "b", "a", "", "  ", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

// TestEnvelopeMarshalsToSinglePayloadKey guards the wire shape spec.md §3.4
// requires: one `payload` key, type-specific, not one JSON field per
// EnvelopeType.
func TestEnvelopeMarshalsToSinglePayloadKey(t *testing.T) {
	e := baseEnvelope()
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &generic))

	_, hasPayload := generic["payload"]
	assert.True(t, hasPayload, "expected a single \"payload\" key, got keys %v", keysOf(generic))

	for _, forbidden := range []string{
		"task_payload", "pass_payload", "human_question_payload", "human_reply_payload",
		"convergence_payload", "approval_request_payload", "approval_decision_payload", "done_package_payload",
	} {
		_, present := generic[forbidden]
		assert.False(t, present, "wire form must not carry type-specific key %q", forbidden)
	}

	var payload TaskPayload
	require.NoError(t, json.Unmarshal(generic["payload"], &payload))
	assert.Equal(t, "do the thing", payload.Task)
}

func TestEnvelopeJSONRoundTripsThroughSinglePayloadKey(t *testing.T) {
	e := baseEnvelope()
	e.Type = TypePass
	e.Round = 1
	e.TaskPayload = nil
	e.PassPayloadV = &PassPayload{Summary: "s", PassIntent: PassIntentReview, Findings: []Finding{}}

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(raw, &got))
	require.NotNil(t, got.PassPayloadV)
	assert.Equal(t, "s", got.PassPayloadV.Summary)
	assert.Equal(t, PassIntentReview, got.PassPayloadV.PassIntent)
	assert.NotNil(t, got.PassPayloadV.Findings, "explicitly-empty findings must survive the round trip as [], not null")
	assert.Empty(t, got.PassPayloadV.Findings)
}

func TestEnvelopeMarshalFindingsNeverSetProducesNullNotOmitted(t *testing.T) {
	e := baseEnvelope()
	e.Type = TypePass
	e.Round = 1
	e.TaskPayload = nil
	e.PassPayloadV = &PassPayload{Summary: "s", PassIntent: PassIntentReview}

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &generic))
	var payloadFields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(generic["payload"], &payloadFields))

	findingsRaw, present := payloadFields["findings"]
	require.True(t, present, "findings must always be emitted, never omitted")
	assert.Equal(t, "null", string(findingsRaw))
}

func keysOf(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
