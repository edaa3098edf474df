// Package transcript implements TranscriptStore (§4.4): the append-only
// NDJSON envelope log, its tolerant reader, and the single-lock-acquisition
// append algorithm. Like internal/statestore, every entry point that
// performs locking is split from one that assumes the lock is already
// held, since ProtocolCommands (internal/commands) sequences a transcript
// append and a state write under one already-acquired per-bubble lock.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pairflow/pairflow/internal/atomicfile"
	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/lock"
)

// ReadOptions controls tolerance behavior for Read.
type ReadOptions struct {
	AllowMissing           bool
	ToleratePartialFinalLine bool
}

// Read loads and validates every envelope in the transcript at path, per
// §4.4. With ToleratePartialFinalLine, a trailing line that fails to parse
// is dropped silently; every other line must parse and validate.
func Read(path string, opts ReadOptions) ([]bubble.Envelope, error) {
	r, err := atomicfile.Read(path)
	if err != nil {
		return nil, err
	}
	if r.Missing {
		if opts.AllowMissing {
			return nil, nil
		}
		return nil, corerr.New(corerr.BubbleNotFound, "transcript.Read", fmt.Errorf("transcript not found at %s", path))
	}
	return parseLines(r.Data, opts.ToleratePartialFinalLine)
}

func parseLines(data []byte, tolerateFinal bool) ([]bubble.Envelope, error) {
	if len(data) == 0 {
		return nil, nil
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	envs := make([]bubble.Envelope, 0, len(lines))
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var env bubble.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			if tolerateFinal && i == len(lines)-1 {
				break // partial/malformed trailing line dropped silently
			}
			return nil, corerr.New(corerr.SchemaValidation, "transcript.Read.unmarshal", err)
		}
		if err := env.Validate(); err != nil {
			if tolerateFinal && i == len(lines)-1 {
				break
			}
			return nil, corerr.New(corerr.SchemaValidation, "transcript.Read.validate", err)
		}
		envs = append(envs, env)
	}
	if err := checkContinuity(envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// checkContinuity enforces the transcript-level invariants of §3.4:
// sequentially numbered ids with no gaps/duplicates, one bubble_id,
// ts non-decreasing.
func checkContinuity(envs []bubble.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	bubbleID := envs[0].BubbleID
	prevSeq := 0
	var prevTS time.Time
	for i, e := range envs {
		if e.BubbleID != bubbleID {
			return corerr.New(corerr.TranscriptContinuityViolation, "transcript.continuity",
				fmt.Errorf("envelope %d has bubble_id %q, expected %q", i, e.BubbleID, bubbleID))
		}
		seq, err := sequenceOf(e.ID)
		if err != nil {
			return corerr.New(corerr.TranscriptContinuityViolation, "transcript.continuity", err)
		}
		if seq != prevSeq+1 {
			return corerr.New(corerr.TranscriptContinuityViolation, "transcript.continuity",
				fmt.Errorf("envelope %d has sequence %d, expected %d", i, seq, prevSeq+1))
		}
		if i > 0 && e.Timestamp.Before(prevTS) {
			return corerr.New(corerr.TranscriptContinuityViolation, "transcript.continuity",
				fmt.Errorf("envelope %d ts %s precedes previous ts %s", i, e.Timestamp, prevTS))
		}
		prevSeq = seq
		prevTS = e.Timestamp
	}
	return nil
}

// sequenceOf extracts the NNN component from an id of the form
// msg_<YYYYMMDD>_<NNN>.
func sequenceOf(id string) (int, error) {
	const prefix = "msg_"
	if len(id) < len(prefix)+9 || id[:len(prefix)] != prefix {
		return 0, fmt.Errorf("malformed envelope id %q", id)
	}
	rest := id[len(prefix):]
	idx := strings.IndexByte(rest, '_')
	if idx < 0 {
		return 0, fmt.Errorf("malformed envelope id %q", id)
	}
	seqStr := rest[idx+1:]
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		return 0, fmt.Errorf("malformed envelope id %q: %w", id, err)
	}
	return seq, nil
}

// Draft is one caller-supplied envelope awaiting sequence/id/ts assignment.
type Draft struct {
	BubbleID  string
	Sender    string
	Recipient string
	Type      bubble.EnvelopeType
	Round     int
	Refs      []string

	TaskPayload             *bubble.TaskPayload
	PassPayload             *bubble.PassPayload
	HumanQuestionPayload    *bubble.HumanQuestionPayload
	HumanReplyPayload       *bubble.HumanReplyPayload
	ConvergencePayload      *bubble.SummaryPayload
	ApprovalRequestPayload  *bubble.SummaryPayload
	ApprovalDecisionPayload *bubble.ApprovalDecisionPayload
	DonePackagePayload      *bubble.DonePackagePayload

	// MirrorPaths are additional files (e.g. inbox.ndjson) this draft's
	// serialized line is also appended to, best-effort (§4.4 step 4).
	MirrorPaths []string
}

func (d Draft) toEnvelope(id string, ts time.Time) bubble.Envelope {
	return bubble.Envelope{
		ID:                      id,
		Timestamp:               ts,
		BubbleID:                d.BubbleID,
		Sender:                  d.Sender,
		Recipient:               d.Recipient,
		Type:                    d.Type,
		Round:                   d.Round,
		Refs:                    bubble.NormalizeRefs(d.Refs),
		TaskPayload:             d.TaskPayload,
		PassPayloadV:            d.PassPayload,
		HumanQuestionPayload:    d.HumanQuestionPayload,
		HumanReplyPayload:       d.HumanReplyPayload,
		ConvergencePayload:      d.ConvergencePayload,
		ApprovalRequestPayload:  d.ApprovalRequestPayload,
		ApprovalDecisionPayload: d.ApprovalDecisionPayload,
		DonePackagePayload:      d.DonePackagePayload,
	}
}

// AppendInput describes one append call.
type AppendInput struct {
	TranscriptPath string
	LockPath       string
	Drafts         []Draft
	Now            time.Time
	LockOpts       lock.Options
}

// AppendResult carries the newly appended envelopes plus any best-effort
// mirror-write failures (§4.4 step 4: these never fail the append itself).
type AppendResult struct {
	Envelopes      []bubble.Envelope
	MirrorFailures []error
}

// AppendManyLocked runs the §4.4 append algorithm WITHOUT acquiring any
// lock, for callers that already hold the per-bubble lock (every
// ProtocolCommand, per §4.8/§5).
func AppendManyLocked(in AppendInput) (*AppendResult, error) {
	existing, err := Read(in.TranscriptPath, ReadOptions{AllowMissing: true, ToleratePartialFinalLine: true})
	if err != nil {
		return nil, err
	}

	lastSeq := 0
	lastTS := in.Now
	if len(existing) > 0 {
		last := existing[len(existing)-1]
		lastSeq, err = sequenceOf(last.ID)
		if err != nil {
			return nil, corerr.New(corerr.TranscriptContinuityViolation, "transcript.Append", err)
		}
		lastTS = last.Timestamp
	}

	maxSeq := lastSeq + len(in.Drafts)
	width := paddingWidth(maxSeq)
	datePart := in.Now.UTC().Format("20060102")

	newEnvs := make([]bubble.Envelope, 0, len(in.Drafts))
	cursorTS := lastTS
	for i, d := range in.Drafts {
		seq := lastSeq + i + 1
		id := fmt.Sprintf("msg_%s_%0*d", datePart, width, seq)
		ts := in.Now
		if ts.Before(cursorTS) {
			ts = cursorTS // monotonic clamp within the batch (§4.4 step 2)
		}
		cursorTS = ts
		env := d.toEnvelope(id, ts)
		if env.BubbleID == "" {
			return nil, corerr.New(corerr.SchemaValidation, "transcript.Append", fmt.Errorf("draft %d missing bubble_id", i))
		}
		newEnvs = append(newEnvs, env)
	}

	full := append(append([]bubble.Envelope{}, existing...), newEnvs...)
	if err := checkContinuity(full); err != nil {
		return nil, err
	}
	for i, env := range newEnvs {
		if err := env.Validate(); err != nil {
			return nil, corerr.New(corerr.SchemaValidation, "transcript.Append.validate", fmt.Errorf("draft %d: %w", i, err))
		}
	}
	if len(existing) > 0 {
		bubbleID := existing[0].BubbleID
		for i, env := range newEnvs {
			if env.BubbleID != bubbleID {
				return nil, corerr.New(corerr.TranscriptContinuityViolation, "transcript.Append",
					fmt.Errorf("draft %d bubble_id %q does not match transcript bubble_id %q", i, env.BubbleID, bubbleID))
			}
		}
	}

	lines := make([][]byte, 0, len(newEnvs))
	for _, env := range newEnvs {
		line, err := json.Marshal(env)
		if err != nil {
			return nil, corerr.New(corerr.SchemaValidation, "transcript.Append.marshal", err)
		}
		lines = append(lines, line)
	}
	if err := atomicfile.AppendUnlocked(in.TranscriptPath, lines); err != nil {
		return nil, err
	}

	var mirrorFailures []error
	for i, d := range in.Drafts {
		if len(d.MirrorPaths) == 0 {
			continue
		}
		line, err := json.Marshal(newEnvs[i])
		if err != nil {
			mirrorFailures = append(mirrorFailures, err)
			continue
		}
		for _, mp := range d.MirrorPaths {
			if err := atomicfile.AppendUnlocked(mp, [][]byte{line}); err != nil {
				mirrorFailures = append(mirrorFailures, fmt.Errorf("mirror %s: %w", mp, err))
			}
		}
	}

	return &AppendResult{Envelopes: newEnvs, MirrorFailures: mirrorFailures}, nil
}

// AppendOneLocked is AppendManyLocked for a single draft.
func AppendOneLocked(in AppendInput, draft Draft) (*AppendResult, error) {
	in.Drafts = []Draft{draft}
	return AppendManyLocked(in)
}

// AppendMany acquires in.LockPath itself, for standalone callers not
// already inside a per-bubble-locked ProtocolCommand.
func AppendMany(in AppendInput) (*AppendResult, error) {
	var result *AppendResult
	in.LockOpts.EnsureParentDir = true
	err := lock.WithLock(in.LockPath, in.LockOpts, func() error {
		var werr error
		result, werr = AppendManyLocked(in)
		return werr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendOne is AppendMany for a single draft.
func AppendOne(in AppendInput, draft Draft) (*AppendResult, error) {
	in.Drafts = []Draft{draft}
	return AppendMany(in)
}

// paddingWidth implements "max(3, digits(max seq))" from §4.4.
func paddingWidth(maxSeq int) int {
	w := 3
	for n := maxSeq; n >= 1000; n /= 10 {
		w++
	}
	return w
}
