package bubble

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// EnvelopeType is the closed set of protocol message types (§3.4).
type EnvelopeType string

const (
	TypeTask             EnvelopeType = "TASK"
	TypePass             EnvelopeType = "PASS"
	TypeHumanQuestion    EnvelopeType = "HUMAN_QUESTION"
	TypeHumanReply       EnvelopeType = "HUMAN_REPLY"
	TypeConvergence      EnvelopeType = "CONVERGENCE"
	TypeApprovalRequest  EnvelopeType = "APPROVAL_REQUEST"
	TypeApprovalDecision EnvelopeType = "APPROVAL_DECISION"
	TypeDonePackage      EnvelopeType = "DONE_PACKAGE"
)

// PassIntent is the closed set of PASS.payload.pass_intent values.
type PassIntent string

const (
	PassIntentTask       PassIntent = "task"
	PassIntentReview     PassIntent = "review"
	PassIntentFixRequest PassIntent = "fix_request"
)

// Severity is the closed set of finding severities.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// Decision is the closed set of APPROVAL_DECISION.payload.decision values.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
)

// Finding is one entry of PASS.payload.findings.
type Finding struct {
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`
	Code     string   `json:"code,omitempty"`
	Refs     []string `json:"refs,omitempty"`
}

func (f Finding) validate() error {
	switch f.Severity {
	case SeverityP0, SeverityP1, SeverityP2, SeverityP3:
	default:
		return fmt.Errorf("finding has invalid severity %q", f.Severity)
	}
	if strings.TrimSpace(f.Title) == "" {
		return fmt.Errorf("finding title is required")
	}
	if (f.Severity == SeverityP0 || f.Severity == SeverityP1) && len(nonEmpty(f.Refs)) == 0 {
		return fmt.Errorf("blocker finding (severity %s) %q must carry at least one ref", f.Severity, f.Title)
	}
	return nil
}

func nonEmpty(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if strings.TrimSpace(r) != "" {
			out = append(out, r)
		}
	}
	return out
}

// PassPayload is PASS.payload (§3.4). Findings has no `omitempty`: a PASS
// that explicitly carries zero findings must still round-trip as
// `"findings": []`, distinct from a PASS that never set the field at all
// (nil slice, serialized as `"findings": null`). ConvergencePolicy (§4.6)
// depends on being able to tell the two apart.
type PassPayload struct {
	Summary    string         `json:"summary"`
	PassIntent PassIntent     `json:"pass_intent"`
	Findings   []Finding      `json:"findings"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DonePackageMetadata is DONE_PACKAGE.payload.metadata (§3.4).
type DonePackageMetadata struct {
	DonePackagePath string   `json:"done_package_path"`
	StagedFiles     []string `json:"staged_files"`
	CommitMessage   string   `json:"commit_message"`
	CommitSHA       string   `json:"commit_sha"`
}

// Envelope is the immutable ProtocolEnvelope of §3.4. In memory, payload
// is kept as a tagged variant: exactly one of the *Payload fields is
// populated, selected by Type. This mirrors "Dynamic payload typing" from
// §9's design notes -- a closed-key validator per variant instead of an
// open map. On the wire, MarshalJSON/UnmarshalJSON project that variant
// onto the single `payload` key §3.4 specifies; none of the *Payload
// fields below carries its own json tag.
type Envelope struct {
	ID        string
	Timestamp time.Time
	BubbleID  string
	Sender    string
	Recipient string
	Type      EnvelopeType
	Round     int
	Refs      []string

	// Exactly one of the following is set, matching Type.
	TaskPayload             *TaskPayload
	PassPayloadV            *PassPayload
	HumanQuestionPayload    *HumanQuestionPayload
	HumanReplyPayload       *HumanReplyPayload
	ConvergencePayload      *SummaryPayload
	ApprovalRequestPayload  *SummaryPayload
	ApprovalDecisionPayload *ApprovalDecisionPayload
	DonePackagePayload      *DonePackagePayload
}

// envelopeWire is the on-disk/wire shape of Envelope: a single
// type-specific `payload` key (spec.md §3.4's "payload (type-specific,
// closed keyset)") instead of Envelope's in-memory tagged-variant fields.
type envelopeWire struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"ts"`
	BubbleID  string          `json:"bubble_id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Type      EnvelopeType    `json:"type"`
	Round     int             `json:"round"`
	Refs      []string        `json:"refs,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// payload returns the single populated *Payload field selected by Type,
// or an error if Type names a payload that isn't set (validatePayload
// catches the fuller "exactly one, with Type-specific content" rule;
// this is just enough to marshal).
func (e *Envelope) payload() (any, error) {
	switch e.Type {
	case TypeTask:
		return e.TaskPayload, nil
	case TypePass:
		return e.PassPayloadV, nil
	case TypeHumanQuestion:
		return e.HumanQuestionPayload, nil
	case TypeHumanReply:
		return e.HumanReplyPayload, nil
	case TypeConvergence:
		return e.ConvergencePayload, nil
	case TypeApprovalRequest:
		return e.ApprovalRequestPayload, nil
	case TypeApprovalDecision:
		return e.ApprovalDecisionPayload, nil
	case TypeDonePackage:
		return e.DonePackagePayload, nil
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
}

// MarshalJSON projects the active typed payload field onto the wire's
// single `payload` key.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := e.payload()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		BubbleID:  e.BubbleID,
		Sender:    e.Sender,
		Recipient: e.Recipient,
		Type:      e.Type,
		Round:     e.Round,
		Refs:      e.Refs,
		Payload:   raw,
	})
}

// UnmarshalJSON decodes the wire's single `payload` key into the typed
// field matching Type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.ID = wire.ID
	e.Timestamp = wire.Timestamp
	e.BubbleID = wire.BubbleID
	e.Sender = wire.Sender
	e.Recipient = wire.Recipient
	e.Type = wire.Type
	e.Round = wire.Round
	e.Refs = wire.Refs

	decode := func(v any) error {
		if len(wire.Payload) == 0 {
			return fmt.Errorf("%s envelope is missing payload", wire.Type)
		}
		return json.Unmarshal(wire.Payload, v)
	}
	switch wire.Type {
	case TypeTask:
		var p TaskPayload
		if err := decode(&p); err != nil {
			return err
		}
		e.TaskPayload = &p
	case TypePass:
		var p PassPayload
		if err := decode(&p); err != nil {
			return err
		}
		e.PassPayloadV = &p
	case TypeHumanQuestion:
		var p HumanQuestionPayload
		if err := decode(&p); err != nil {
			return err
		}
		e.HumanQuestionPayload = &p
	case TypeHumanReply:
		var p HumanReplyPayload
		if err := decode(&p); err != nil {
			return err
		}
		e.HumanReplyPayload = &p
	case TypeConvergence:
		var p SummaryPayload
		if err := decode(&p); err != nil {
			return err
		}
		e.ConvergencePayload = &p
	case TypeApprovalRequest:
		var p SummaryPayload
		if err := decode(&p); err != nil {
			return err
		}
		e.ApprovalRequestPayload = &p
	case TypeApprovalDecision:
		var p ApprovalDecisionPayload
		if err := decode(&p); err != nil {
			return err
		}
		e.ApprovalDecisionPayload = &p
	case TypeDonePackage:
		var p DonePackagePayload
		if err := decode(&p); err != nil {
			return err
		}
		e.DonePackagePayload = &p
	default:
		return fmt.Errorf("unknown envelope type %q", wire.Type)
	}
	return nil
}

type TaskPayload struct {
	Task string `json:"task"`
}

type HumanQuestionPayload struct {
	Question string `json:"question"`
}

type HumanReplyPayload struct {
	Message string `json:"message"`
}

// SummaryPayload covers CONVERGENCE and APPROVAL_REQUEST, both of which
// are { summary } per §3.4.
type SummaryPayload struct {
	Summary string `json:"summary"`
}

type ApprovalDecisionPayload struct {
	Decision Decision `json:"decision"`
	Message  string   `json:"message,omitempty"`
}

type DonePackagePayload struct {
	Summary  string              `json:"summary"`
	Metadata DonePackageMetadata `json:"metadata"`
}

var envelopeIDPattern = regexp.MustCompile(`^msg_\d{8}_\d{3,}$`)

// validParticipant reports whether s is in the closed set allowed as
// sender/recipient per §3.4: agent names, "orchestrator", and "human".
func validParticipant(s string) bool {
	if s == "orchestrator" || s == "human" {
		return true
	}
	return KnownAgents[AgentName(s)]
}

// Validate enforces the schema and payload closed-keyset rules of §3.4.
// It checks one envelope on its own and places no bound on ts beyond
// requiring it to be set; monotonicity is a transcript-level
// (multi-envelope) concern.
func (e *Envelope) Validate() error {
	if !envelopeIDPattern.MatchString(e.ID) {
		return fmt.Errorf("invalid envelope id %q", e.ID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.BubbleID == "" {
		return fmt.Errorf("bubble_id is required")
	}
	if !validParticipant(e.Sender) {
		return fmt.Errorf("invalid sender %q", e.Sender)
	}
	if !validParticipant(e.Recipient) {
		return fmt.Errorf("invalid recipient %q", e.Recipient)
	}
	if e.Round < 0 {
		return fmt.Errorf("round must be >= 0")
	}
	for _, r := range e.Refs {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("refs must not contain empty/whitespace entries")
		}
	}
	return e.validatePayload()
}

func (e *Envelope) validatePayload() error {
	count := 0
	check := func(present bool) {
		if present {
			count++
		}
	}
	check(e.TaskPayload != nil)
	check(e.PassPayloadV != nil)
	check(e.HumanQuestionPayload != nil)
	check(e.HumanReplyPayload != nil)
	check(e.ConvergencePayload != nil)
	check(e.ApprovalRequestPayload != nil)
	check(e.ApprovalDecisionPayload != nil)
	check(e.DonePackagePayload != nil)

	switch e.Type {
	case TypeTask:
		if e.TaskPayload == nil || count != 1 {
			return fmt.Errorf("TASK envelope must carry exactly a task_payload")
		}
		if e.Round != 0 {
			return fmt.Errorf("TASK envelope round must be 0")
		}
		if strings.TrimSpace(e.TaskPayload.Task) == "" {
			return fmt.Errorf("TASK.payload.task is required")
		}
	case TypePass:
		if e.PassPayloadV == nil || count != 1 {
			return fmt.Errorf("PASS envelope must carry exactly a pass_payload")
		}
		p := e.PassPayloadV
		if strings.TrimSpace(p.Summary) == "" {
			return fmt.Errorf("PASS.payload.summary is required")
		}
		switch p.PassIntent {
		case PassIntentTask, PassIntentReview, PassIntentFixRequest:
		default:
			return fmt.Errorf("PASS.payload.pass_intent invalid: %q", p.PassIntent)
		}
		for i, f := range p.Findings {
			if err := f.validate(); err != nil {
				return fmt.Errorf("PASS.payload.findings[%d]: %w", i, err)
			}
		}
	case TypeHumanQuestion:
		if e.HumanQuestionPayload == nil || count != 1 {
			return fmt.Errorf("HUMAN_QUESTION envelope must carry exactly a human_question_payload")
		}
		if strings.TrimSpace(e.HumanQuestionPayload.Question) == "" {
			return fmt.Errorf("HUMAN_QUESTION.payload.question is required")
		}
	case TypeHumanReply:
		if e.HumanReplyPayload == nil || count != 1 {
			return fmt.Errorf("HUMAN_REPLY envelope must carry exactly a human_reply_payload")
		}
		if strings.TrimSpace(e.HumanReplyPayload.Message) == "" {
			return fmt.Errorf("HUMAN_REPLY.payload.message is required")
		}
	case TypeConvergence:
		if e.ConvergencePayload == nil || count != 1 {
			return fmt.Errorf("CONVERGENCE envelope must carry exactly a convergence_payload")
		}
	case TypeApprovalRequest:
		if e.ApprovalRequestPayload == nil || count != 1 {
			return fmt.Errorf("APPROVAL_REQUEST envelope must carry exactly an approval_request_payload")
		}
	case TypeApprovalDecision:
		if e.ApprovalDecisionPayload == nil || count != 1 {
			return fmt.Errorf("APPROVAL_DECISION envelope must carry exactly an approval_decision_payload")
		}
		switch e.ApprovalDecisionPayload.Decision {
		case DecisionApprove, DecisionRevise:
		default:
			return fmt.Errorf("APPROVAL_DECISION.payload.decision invalid: %q", e.ApprovalDecisionPayload.Decision)
		}
	case TypeDonePackage:
		if e.DonePackagePayload == nil || count != 1 {
			return fmt.Errorf("DONE_PACKAGE envelope must carry exactly a done_package_payload")
		}
		m := e.DonePackagePayload.Metadata
		if m.DonePackagePath == "" || m.CommitMessage == "" || m.CommitSHA == "" {
			return fmt.Errorf("DONE_PACKAGE.payload.metadata requires done_package_path, commit_message, commit_sha")
		}
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return nil
}

// NormalizeRefs trims, drops empty/whitespace entries, and dedupes while
// preserving first-seen order, per §3.4/§4.4 step 2.
func NormalizeRefs(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		t := strings.TrimSpace(r)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
