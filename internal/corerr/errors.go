// Package corerr defines the core's error kinds (spec §7) as typed
// sentinels checkable with errors.Is, following the teacher store
// package's habit of wrapping every failure with errors.Wrap so the
// original cause survives alongside a human-readable operation label.
package corerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error kinds from spec §7.
type Kind string

const (
	SchemaValidation          Kind = "SchemaValidation"
	StateTransitionDenied     Kind = "StateTransitionDenied"
	StateConflict             Kind = "StateConflict"
	LockTimeout               Kind = "LockTimeout"
	BubbleNotFound            Kind = "BubbleNotFound"
	WorkspaceResolution       Kind = "WorkspaceResolution"
	ConvergenceDenied         Kind = "ConvergenceDenied"
	ExternalFailure           Kind = "ExternalFailure"
	TranscriptContinuityViolation Kind = "TranscriptContinuityViolation"
	PostAppendStateDivergence Kind = "PostAppendStateDivergence"
)

// CoreError is the structured error value every core operation returns on
// failure. It composes with pkg/errors-wrapped causes via Unwrap, so
// callers can use errors.Is(err, corerr.ErrLockTimeout) or
// errors.As(err, &coreErr) interchangeably.
type CoreError struct {
	Kind Kind
	Op   string // operation name, e.g. "StateStore.write"
	Err  error  // underlying cause, may be nil
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &CoreError{Kind: X}) to match by Kind alone.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return true
}

// New builds a CoreError, wrapping cause with pkg/errors when non-nil so
// stack context is preserved for diagnostics.
func New(kind Kind, op string, cause error) *CoreError {
	if cause != nil {
		cause = errors.Wrap(cause, op)
	}
	return &CoreError{Kind: kind, Op: op, Err: cause}
}

// Sentinels for the common no-cause cases, used with errors.Is.
var (
	ErrLockTimeout           = &CoreError{Kind: LockTimeout}
	ErrStateConflict         = &CoreError{Kind: StateConflict}
	ErrSchemaValidation      = &CoreError{Kind: SchemaValidation}
	ErrStateTransitionDenied = &CoreError{Kind: StateTransitionDenied}
	ErrConvergenceDenied     = &CoreError{Kind: ConvergenceDenied}
	ErrBubbleNotFound        = &CoreError{Kind: BubbleNotFound}
	ErrWorkspaceResolution   = &CoreError{Kind: WorkspaceResolution}
	ErrExternalFailure       = &CoreError{Kind: ExternalFailure}
	ErrTranscriptContinuity  = &CoreError{Kind: TranscriptContinuityViolation}
	ErrPostAppendDivergence  = &CoreError{Kind: PostAppendStateDivergence}
)

// WithRecoveryNote wraps err with the core's durability-contract message:
// the transcript is canonical and the state must be re-derived from its
// tail. Used exactly where spec §4.8/§4.9 call for it.
func WithRecoveryNote(op string, err error) *CoreError {
	return New(PostAppendStateDivergence, op, errors.Wrap(err,
		"transcript is canonical, recover state from transcript tail"))
}
