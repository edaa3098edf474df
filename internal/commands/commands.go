// Package commands implements ProtocolCommands (§4.8): the closed set of
// atomic, single-per-bubble-lock operations that drive a bubble through
// its lifecycle. Each command follows the same skeleton the teacher's
// reviewloop.go handlers do -- resolve input, validate preconditions,
// perform the side-effecting work, then persist -- generalized here to
// the envelope-append-then-state-write sequencing §4.8/§5 require.
package commands

import (
	"path/filepath"
	"time"

	"github.com/pairflow/pairflow/internal/atomicfile"
	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/corelog"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/external"
	"github.com/pairflow/pairflow/internal/idgen"
	"github.com/pairflow/pairflow/internal/lock"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/pairflow/pairflow/internal/transcript"
)

// Deps bundles every external collaborator a ProtocolCommand may need.
// Each is a narrow interface from internal/external, so tests wire
// mocks/fakes instead of real tmux/git processes, mirroring the
// teacher's mockGitHubClient-backed Plugin tests.
type Deps struct {
	Now          func() time.Time
	Workspace    external.WorkspaceManager
	VCS          external.VCSRunner
	Tmux         external.TmuxManager
	Sessions     external.RuntimeSessionRegistry
	Notify       external.NotificationSink
	Archiver     external.ArchiveSnapshotter
	Metrics      metrics.Emitter
	EventsRoot   string
	Logger       corelog.Logger
	LockOpts     lock.Options
}

func (d *Deps) withDefaults() Deps {
	out := *d
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Logger == nil {
		out.Logger = corelog.Nop{}
	}
	return out
}

// Commands is the receiver every ProtocolCommand method hangs off.
type Commands struct {
	d Deps
}

// New builds a Commands with defaults filled in for unset Deps fields.
func New(d Deps) *Commands {
	filled := d.withDefaults()
	return &Commands{d: filled}
}

// Result is the common shape every command returns: the resulting
// snapshot and fingerprint, plus whether a destructive action needs
// caller confirmation (only meaningful for delete, §4.8.11).
type Result struct {
	Snapshot             *bubble.Snapshot
	Fingerprint          string
	RequiresConfirmation bool
	ConfirmationDetail   string
}

func lockPathFor(res *bubblectx.Resolved) string {
	return statestore.LockPath(res.LocksDir, res.Config.ID)
}

// withBubbleLock runs fn with the bubble's per-bubble lock held for its
// entire body, satisfying §5's "exactly one per-bubble lock" rule.
func (c *Commands) withBubbleLock(res *bubblectx.Resolved, fn func() (*Result, error)) (*Result, error) {
	var result *Result
	opts := c.d.LockOpts
	opts.EnsureParentDir = true
	err := lock.WithLock(lockPathFor(res), opts, func() error {
		var ferr error
		result, ferr = fn()
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ensureInstanceID implements the §4.8 skeleton's "ensure bubbleInstanceId"
// step: lazily backfilling bubble.toml the first time a mutating command
// observes it missing, best-effort emitting "bubble_instance_backfilled".
// Must be called with the bubble lock already held.
func (c *Commands) ensureInstanceID(res *bubblectx.Resolved) error {
	if res.Config.BubbleInstanceID != "" {
		return nil
	}
	id, err := idgen.BubbleInstanceID(c.d.Now())
	if err != nil {
		return corerr.New(corerr.ExternalFailure, "commands.ensureInstanceID", err)
	}
	res.Config.BubbleInstanceID = id
	data, err := bubble.EncodeTOML(res.Config)
	if err != nil {
		return corerr.New(corerr.SchemaValidation, "commands.ensureInstanceID.encode", err)
	}
	tomlPath := filepath.Join(res.BubbleDir, "bubble.toml")
	if err := atomicfile.Replace(tomlPath, data, 0o644); err != nil {
		return err
	}
	c.emit(res, "bubble_instance_backfilled", nil, metrics.ActorOrchestrator, nil)
	return nil
}

// emit is a thin best-effort wrapper around Deps.Metrics.Emit, filling in
// the caller-invariant fields so every call site only names what varies.
func (c *Commands) emit(res *bubblectx.Resolved, eventType string, round *int, actor metrics.ActorRole, meta map[string]any) {
	c.d.Metrics.Emit(metrics.EmitInput{
		EventsRoot:       c.d.EventsRoot,
		RepoPath:         res.Config.RepoPath,
		BubbleID:         res.Config.ID,
		BubbleInstanceID: res.Config.BubbleInstanceID,
		EventType:        eventType,
		Round:            round,
		ActorRole:        actor,
		Metadata:         meta,
		Now:              c.d.Now(),
	})
}

func (c *Commands) readState(res *bubblectx.Resolved) (*statestore.Loaded, error) {
	return statestore.Read(res.StatePath, res.Config)
}

func (c *Commands) readTranscript(res *bubblectx.Resolved) ([]bubble.Envelope, error) {
	return transcript.Read(res.TranscriptPath, transcript.ReadOptions{AllowMissing: true})
}

// writeStateLocked writes state.json with no special error annotation --
// used when no envelope has been appended yet in this command (so there
// is nothing in the transcript tail to recover from).
func (c *Commands) writeStateLocked(res *bubblectx.Resolved, next *bubble.Snapshot, opts statestore.WriteOptions) (string, error) {
	return statestore.WriteLocked(res.StatePath, next, res.Config, opts)
}

// writeStateAfterAppendLocked writes state.json following an envelope
// append earlier in the same command; a failure here is the exact case
// §4.8's durability contract names: the transcript already reflects the
// transition, so the error must say so explicitly.
func (c *Commands) writeStateAfterAppendLocked(res *bubblectx.Resolved, next *bubble.Snapshot, opts statestore.WriteOptions) (string, error) {
	fp, err := statestore.WriteLocked(res.StatePath, next, res.Config, opts)
	if err != nil {
		return "", corerr.WithRecoveryNote("commands.writeStateAfterAppend", err)
	}
	return fp, nil
}

func (c *Commands) appendLocked(res *bubblectx.Resolved, drafts ...transcript.Draft) (*transcript.AppendResult, error) {
	result, err := transcript.AppendManyLocked(transcript.AppendInput{
		TranscriptPath: res.TranscriptPath,
		LockPath:       lockPathFor(res),
		Drafts:         drafts,
		Now:            c.d.Now(),
	})
	if err != nil {
		return nil, err
	}
	for _, mf := range result.MirrorFailures {
		c.d.Logger.Warn("transcript mirror append failed", "bubble_id", res.Config.ID, "error", mf)
	}
	return result, nil
}

func inboxMirror(res *bubblectx.Resolved) []string {
	return []string{res.InboxPath}
}

// actorForRole maps a bubble.Role to the metrics actor_role it corresponds
// to, since the two enums are named identically but live in different
// packages to avoid an import cycle (bubble must not depend on metrics).
func actorForRole(role bubble.Role) metrics.ActorRole {
	if role == bubble.RoleReviewer {
		return metrics.ActorReviewer
	}
	return metrics.ActorImplementer
}
