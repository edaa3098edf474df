// Package statestore implements StateStore (§4.3): reading/writing
// state.json with fingerprint-based optimistic concurrency, grounded on
// the teacher's store.go pattern of wrapping every storage op with
// errors.Wrap and returning (value, error) pairs rather than panicking.
package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/pairflow/pairflow/internal/atomicfile"
	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/lock"
)

// Loaded pairs a snapshot with the fingerprint it was read/written with.
type Loaded struct {
	Snapshot    *bubble.Snapshot
	Fingerprint string
}

// Fingerprint returns the hex SHA-256 of the canonical JSON encoding of
// snapshot. Canonical order is simply Go struct field declaration order,
// which encoding/json already preserves (§4.3, §3.3's implementation note).
func Fingerprint(snapshot *bubble.Snapshot) (string, error) {
	canonical, err := json.Marshal(snapshot)
	if err != nil {
		return "", corerr.New(corerr.SchemaValidation, "statestore.Fingerprint", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func renderPretty(snapshot *bubble.Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, corerr.New(corerr.SchemaValidation, "statestore.render", err)
	}
	return append(data, '\n'), nil
}

// Create writes the initial state.json, failing if one already exists.
func Create(path string, snapshot *bubble.Snapshot, cfg *bubble.Config) (string, error) {
	if err := snapshot.Validate(cfg); err != nil {
		return "", corerr.New(corerr.SchemaValidation, "statestore.Create", err)
	}
	existing, err := atomicfile.Read(path)
	if err != nil {
		return "", err
	}
	if !existing.Missing {
		return "", corerr.New(corerr.StateConflict, "statestore.Create", errMustNotExist(path))
	}
	rendered, err := renderPretty(snapshot)
	if err != nil {
		return "", err
	}
	if err := atomicfile.Replace(path, rendered, 0o644); err != nil {
		return "", err
	}
	return Fingerprint(snapshot)
}

type notExistErr struct{ path string }

func (e *notExistErr) Error() string { return "state.json already exists at " + e.path }
func errMustNotExist(path string) error { return &notExistErr{path} }

// Read loads and validates state.json, returning its current fingerprint.
func Read(path string, cfg *bubble.Config) (*Loaded, error) {
	r, err := atomicfile.Read(path)
	if err != nil {
		return nil, err
	}
	if r.Missing {
		return nil, corerr.New(corerr.BubbleNotFound, "statestore.Read", fmt.Errorf("state.json not found at %s", path))
	}
	var snap bubble.Snapshot
	if err := json.Unmarshal(r.Data, &snap); err != nil {
		return nil, corerr.New(corerr.SchemaValidation, "statestore.Read.unmarshal", err)
	}
	if err := snap.Validate(cfg); err != nil {
		return nil, corerr.New(corerr.SchemaValidation, "statestore.Read.validate", err)
	}
	fp, err := Fingerprint(&snap)
	if err != nil {
		return nil, err
	}
	return &Loaded{Snapshot: &snap, Fingerprint: fp}, nil
}

// WriteOptions controls the CAS check performed by Write/WriteLocked.
type WriteOptions struct {
	ExpectedFingerprint string
	ExpectedState       *bubble.State
	LockOpts            lock.Options
}

// WriteLocked performs the CAS update described in §4.3 WITHOUT taking
// any lock of its own. Callers that already hold the per-bubble lock
// (every ProtocolCommand, per §4.8/§5) must use this to avoid trying to
// re-acquire a non-reentrant file lock they already own.
func WriteLocked(path string, next *bubble.Snapshot, cfg *bubble.Config, opts WriteOptions) (string, error) {
	current, err := Read(path, cfg)
	if err != nil {
		return "", err
	}
	if opts.ExpectedFingerprint != "" && current.Fingerprint != opts.ExpectedFingerprint {
		return "", corerr.New(corerr.StateConflict, "statestore.Write",
			errFingerprintMismatch(opts.ExpectedFingerprint, current.Fingerprint))
	}
	if opts.ExpectedState != nil && current.Snapshot.State != *opts.ExpectedState {
		return "", corerr.New(corerr.StateConflict, "statestore.Write",
			errStateMismatch(*opts.ExpectedState, current.Snapshot.State))
	}
	if err := next.Validate(cfg); err != nil {
		return "", corerr.New(corerr.SchemaValidation, "statestore.Write.validate", err)
	}
	rendered, err := renderPretty(next)
	if err != nil {
		return "", err
	}
	if err := atomicfile.Replace(path, rendered, 0o644); err != nil {
		return "", err
	}
	return Fingerprint(next)
}

// Write performs a CAS update of state.json under its own "state.json.lock"
// (§4.3), for standalone callers that are not already inside a
// per-bubble-locked ProtocolCommand.
func Write(path, lockPath string, next *bubble.Snapshot, cfg *bubble.Config, opts WriteOptions) (string, error) {
	var newFP string
	opts.LockOpts.EnsureParentDir = true
	err := lock.WithLock(lockPath, opts.LockOpts, func() error {
		var werr error
		newFP, werr = WriteLocked(path, next, cfg, opts)
		return werr
	})
	if err != nil {
		return "", err
	}
	return newFP, nil
}

type fpMismatchErr struct{ expected, actual string }

func (e *fpMismatchErr) Error() string {
	return "fingerprint mismatch: expected " + e.expected + ", got " + e.actual
}
func errFingerprintMismatch(expected, actual string) error { return &fpMismatchErr{expected, actual} }

type stateMismatchErr struct {
	expected, actual bubble.State
}

func (e *stateMismatchErr) Error() string {
	return "state mismatch: expected " + string(e.expected) + ", got " + string(e.actual)
}
func errStateMismatch(expected, actual bubble.State) error {
	return &stateMismatchErr{expected, actual}
}

// StateJSONPath is a small helper matching the bubble directory layout of §3.1.
func StateJSONPath(bubbleDir string) string { return filepath.Join(bubbleDir, "state.json") }

// LockPath is the per-bubble lock used for every state/transcript write (§5).
func LockPath(repoRootLocksDir, bubbleID string) string {
	return filepath.Join(repoRootLocksDir, bubbleID+".lock")
}
