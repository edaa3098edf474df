// Package external declares the core's consumed-contract interfaces
// (§6.2-6.3): workspace bootstrap, VCS, tmux, runtime-session registry,
// notifications, and archive snapshotting. internal/commands depends
// only on these narrow interfaces, never on a concrete implementation,
// following the teacher's ghclient.Client boundary between the plugin's
// business logic and the GitHub wire client.
package external

import "context"

// BootstrapInput is the workspace manager's bootstrap() argument (§6.2).
type BootstrapInput struct {
	RepoPath     string
	BaseBranch   string
	BubbleBranch string
	WorktreePath string
	LocalOverlay *LocalOverlaySpec
}

// LocalOverlaySpec mirrors bubble.LocalOverlay without importing the
// bubble package, keeping this contract package dependency-free.
type LocalOverlaySpec struct {
	Mode    string
	Entries []string
}

// BootstrapResult is the workspace manager's success result.
type BootstrapResult struct {
	BaseRef      string
	BubbleBranch string
	WorktreePath string
}

// CleanupInput is the workspace manager's cleanup() argument.
type CleanupInput struct {
	RepoPath     string
	BubbleBranch string
	WorktreePath string
}

// CleanupResult reports what cleanup actually removed.
type CleanupResult struct {
	RemovedWorktree bool
	RemovedBranch   bool
}

// WorkspaceManager bootstraps and tears down a bubble's isolated
// workspace (worktree or clone), per §6.2.
type WorkspaceManager interface {
	Bootstrap(ctx context.Context, in BootstrapInput) (BootstrapResult, error)
	Cleanup(ctx context.Context, in CleanupInput) (CleanupResult, error)
}

// RunResult is the VCS runner's output (§6.2).
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunOptions configures one VCSRunner.Run call.
type RunOptions struct {
	Cwd           string
	AllowFailure  bool
}

// VCSRunner executes a version-control command. A non-zero exit is an
// error unless AllowFailure is set.
type VCSRunner interface {
	Run(ctx context.Context, args []string, opts RunOptions) (RunResult, error)
}

// TmuxManager is the opaque terminal-session handle of §6.2; only
// failure semantics matter to the core.
type TmuxManager interface {
	Launch(ctx context.Context, sessionName, workDir, command string) error
	Terminate(ctx context.Context, sessionName string) error
	RespawnPane(ctx context.Context, sessionName, command string) error
	SendInput(ctx context.Context, sessionName, input string) error
	SessionAlive(ctx context.Context, sessionName string) (bool, error)
}

// RuntimeSession is one entry of the runtime-session registry (§6.2).
type RuntimeSession struct {
	RepoPath        string
	WorktreePath    string
	TmuxSessionName string
	UpdatedAt       string
}

// RuntimeSessionRegistry is the `bubbleId -> RuntimeSession` JSON map the
// core reads/upserts/removes.
type RuntimeSessionRegistry interface {
	Read(ctx context.Context, bubbleID string) (RuntimeSession, bool, error)
	Upsert(ctx context.Context, bubbleID string, session RuntimeSession) error
	Remove(ctx context.Context, bubbleID string) error
}

// NotificationKind is the closed set of NotificationSink.emit() kinds.
type NotificationKind string

const (
	NotificationWaitingHuman NotificationKind = "waiting-human"
	NotificationConverged    NotificationKind = "converged"
)

// NotificationResult reports delivery outcome; a failed notification is
// never fatal to the calling command.
type NotificationResult struct {
	Attempted bool
	Delivered bool
	Reason    string
}

// NotificationSink delivers best-effort operator notifications.
type NotificationSink interface {
	Emit(ctx context.Context, bubbleID string, kind NotificationKind) NotificationResult
}

// ArchiveSnapshotInput is the archive boundary's request shape (§6.3).
type ArchiveSnapshotInput struct {
	RepoPath         string
	BubbleID         string
	BubbleInstanceID string
	BubbleDir        string
	LocksDir         string
	ArchiveRootPath  string
}

// ArchiveManifest is the persisted archive record (§6.3).
type ArchiveManifest struct {
	SchemaVersion    int
	ArchivedAt       string
	RepoPath         string
	RepoKey          string
	BubbleInstanceID string
	BubbleID         string
	SourceBubbleDir  string
	ArchivedFiles    []string
}

// ArchiveSnapshotter performs idempotent archival of a deleted bubble's
// directory: retrying with identical identity reuses the existing
// archive directory; mismatched identity is an error (§6.3).
type ArchiveSnapshotter interface {
	Snapshot(ctx context.Context, in ArchiveSnapshotInput) (ArchiveManifest, error)
}
