// Package externalimpl provides the real, process-talking implementations
// of the narrow external.* interfaces that cmd/pairflow wires into
// internal/commands. None of this is core: it exists only so the CLI
// shell (§4.13) has something to call besides the testify mocks in
// internal/external/fakes.go, exactly as §1 scopes workspace bootstrap,
// the VCS runner, tmux session management, and notification sound
// playback out of the core and into narrow consumed contracts.
package externalimpl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pairflow/pairflow/internal/atomicfile"
	"github.com/pairflow/pairflow/internal/external"
	"github.com/pkg/errors"
)

func jsonUnmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func jsonMarshalIndent(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }

// repoKey implements §6.3's repo_key: sha256 of the normalized repo path,
// truncated to 16 hex characters.
func repoKey(repoPath string) string {
	clean := filepath.Clean(repoPath)
	sum := sha256.Sum256([]byte(clean))
	return hex.EncodeToString(sum[:])[:16]
}

// GitWorkspaceManager bootstraps/tears down bubble worktrees by shelling
// out to the `git` binary, following the teacher's exec.Command-free
// style for everything in-process but accepting that a real VCS
// collaborator has no in-process Go equivalent here.
type GitWorkspaceManager struct{}

var _ external.WorkspaceManager = GitWorkspaceManager{}

func (GitWorkspaceManager) Bootstrap(ctx context.Context, in external.BootstrapInput) (external.BootstrapResult, error) {
	runner := GitRunner{}
	if _, err := runner.Run(ctx, []string{"worktree", "add", "-b", in.BubbleBranch, in.WorktreePath, in.BaseBranch}, external.RunOptions{Cwd: in.RepoPath}); err != nil {
		return external.BootstrapResult{}, errors.Wrap(err, "externalimpl.Bootstrap: git worktree add")
	}
	if in.LocalOverlay != nil {
		if err := materializeOverlay(in.RepoPath, in.WorktreePath, *in.LocalOverlay); err != nil {
			return external.BootstrapResult{}, errors.Wrap(err, "externalimpl.Bootstrap: overlay")
		}
	}
	return external.BootstrapResult{
		BaseRef:      in.BaseBranch,
		BubbleBranch: in.BubbleBranch,
		WorktreePath: in.WorktreePath,
	}, nil
}

func materializeOverlay(repoPath, worktreePath string, spec external.LocalOverlaySpec) error {
	for _, rel := range spec.Entries {
		src := filepath.Join(repoPath, rel)
		dst := filepath.Join(worktreePath, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		switch spec.Mode {
		case "symlink":
			_ = os.Remove(dst)
			if err := os.Symlink(src, dst); err != nil {
				return err
			}
		default: // copy
			data, err := os.ReadFile(src)
			if err != nil {
				return err
			}
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

func (GitWorkspaceManager) Cleanup(ctx context.Context, in external.CleanupInput) (external.CleanupResult, error) {
	runner := GitRunner{}
	result := external.CleanupResult{}
	if r, err := runner.Run(ctx, []string{"worktree", "remove", "--force", in.WorktreePath}, external.RunOptions{Cwd: in.RepoPath, AllowFailure: true}); err == nil && r.ExitCode == 0 {
		result.RemovedWorktree = true
	}
	if r, err := runner.Run(ctx, []string{"branch", "-D", in.BubbleBranch}, external.RunOptions{Cwd: in.RepoPath, AllowFailure: true}); err == nil && r.ExitCode == 0 {
		result.RemovedBranch = true
	}
	return result, nil
}

// GitRunner implements external.VCSRunner by invoking the `git` binary.
type GitRunner struct{}

var _ external.VCSRunner = GitRunner{}

func (GitRunner) Run(ctx context.Context, args []string, opts external.RunOptions) (external.RunResult, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = opts.Cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return external.RunResult{}, errors.Wrapf(err, "externalimpl.GitRunner.Run: git %s", strings.Join(args, " "))
	}
	result := external.RunResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}
	if exitCode != 0 && !opts.AllowFailure {
		return result, errors.Errorf("git %s: exit %d: %s", strings.Join(args, " "), exitCode, stderr.String())
	}
	return result, nil
}

// TmuxRunner implements external.TmuxManager by invoking the `tmux`
// binary. Only failure semantics matter to the core per §6.2.
type TmuxRunner struct{}

var _ external.TmuxManager = TmuxRunner{}

func (TmuxRunner) Launch(ctx context.Context, sessionName, workDir, command string) error {
	_, err := run(ctx, workDir, "tmux", "new-session", "-d", "-s", sessionName, "-c", workDir, command)
	return err
}

func (TmuxRunner) Terminate(ctx context.Context, sessionName string) error {
	_, err := run(ctx, "", "tmux", "kill-session", "-t", sessionName)
	return err
}

func (TmuxRunner) RespawnPane(ctx context.Context, sessionName, command string) error {
	_, err := run(ctx, "", "tmux", "respawn-pane", "-k", "-t", sessionName, command)
	return err
}

func (TmuxRunner) SendInput(ctx context.Context, sessionName, input string) error {
	_, err := run(ctx, "", "tmux", "send-keys", "-t", sessionName, input, "Enter")
	return err
}

func (TmuxRunner) SessionAlive(ctx context.Context, sessionName string) (bool, error) {
	_, err := run(ctx, "", "tmux", "has-session", "-t", sessionName)
	if err != nil {
		if exitErr, ok := errors.Cause(err).(*exec.ExitError); ok && exitErr.ExitCode() != 0 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "externalimpl.run: %s %s", name, strings.Join(args, " "))
	}
	return string(out), nil
}

// JSONSessionRegistry persists the runtime-session registry (§6.2) as a
// single JSON file, written atomically via AtomicFileStore the same way
// state.json is, to avoid inventing a second on-disk write discipline.
type JSONSessionRegistry struct {
	Path string
}

var _ external.RuntimeSessionRegistry = JSONSessionRegistry{}

type sessionDoc struct {
	Sessions map[string]external.RuntimeSession `json:"sessions"`
}

func (r JSONSessionRegistry) load() (sessionDoc, error) {
	result, err := atomicfile.Read(r.Path)
	if err != nil {
		return sessionDoc{}, err
	}
	if result.Missing || len(result.Data) == 0 {
		return sessionDoc{Sessions: map[string]external.RuntimeSession{}}, nil
	}
	var doc sessionDoc
	if err := jsonUnmarshal(result.Data, &doc); err != nil {
		return sessionDoc{}, err
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]external.RuntimeSession{}
	}
	return doc, nil
}

func (r JSONSessionRegistry) save(doc sessionDoc) error {
	data, err := jsonMarshalIndent(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return err
	}
	return atomicfile.Replace(r.Path, data, 0o644)
}

func (r JSONSessionRegistry) Read(ctx context.Context, bubbleID string) (external.RuntimeSession, bool, error) {
	doc, err := r.load()
	if err != nil {
		return external.RuntimeSession{}, false, err
	}
	session, ok := doc.Sessions[bubbleID]
	return session, ok, nil
}

func (r JSONSessionRegistry) Upsert(ctx context.Context, bubbleID string, session external.RuntimeSession) error {
	doc, err := r.load()
	if err != nil {
		return err
	}
	session.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	doc.Sessions[bubbleID] = session
	return r.save(doc)
}

func (r JSONSessionRegistry) Remove(ctx context.Context, bubbleID string) error {
	doc, err := r.load()
	if err != nil {
		return err
	}
	delete(doc.Sessions, bubbleID)
	return r.save(doc)
}

// SoundNotificationSink shells out to a platform audio player to emit
// the configured notification sound; failures are never fatal per §6.2.
type SoundNotificationSink struct {
	Player        string
	WaitingSound  string
	ConvergedSound string
}

var _ external.NotificationSink = SoundNotificationSink{}

func (s SoundNotificationSink) Emit(ctx context.Context, bubbleID string, kind external.NotificationKind) external.NotificationResult {
	sound := s.WaitingSound
	if kind == external.NotificationConverged {
		sound = s.ConvergedSound
	}
	if sound == "" || s.Player == "" {
		return external.NotificationResult{Attempted: false, Delivered: false, Reason: "no sound configured"}
	}
	if err := exec.CommandContext(ctx, s.Player, sound).Run(); err != nil {
		return external.NotificationResult{Attempted: true, Delivered: false, Reason: err.Error()}
	}
	return external.NotificationResult{Attempted: true, Delivered: true}
}

// DirArchiveSnapshotter copies a bubble directory into the archive root
// by bubble_instance_id, matching §6.3's idempotent-retry contract.
type DirArchiveSnapshotter struct{}

var _ external.ArchiveSnapshotter = DirArchiveSnapshotter{}

func (DirArchiveSnapshotter) Snapshot(ctx context.Context, in external.ArchiveSnapshotInput) (external.ArchiveManifest, error) {
	root := in.ArchiveRootPath
	if root == "" {
		home, _ := os.UserHomeDir()
		root = filepath.Join(home, ".pairflow", "archive")
	}
	dest := filepath.Join(root, in.BubbleInstanceID)
	manifestPath := filepath.Join(dest, "manifest.json")

	if existing, rerr := atomicfile.Read(manifestPath); rerr == nil && !existing.Missing && len(existing.Data) > 0 {
		var prior external.ArchiveManifest
		if err := jsonUnmarshal(existing.Data, &prior); err == nil {
			if prior.BubbleID == in.BubbleID && prior.RepoPath == in.RepoPath {
				return prior, nil // idempotent retry, same identity
			}
			return external.ArchiveManifest{}, errors.Errorf(
				"externalimpl.DirArchiveSnapshotter: archive at %s already holds a different bubble identity", dest)
		}
	}

	var files []string
	err := filepath.Walk(in.BubbleDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, rerr := filepath.Rel(in.BubbleDir, path)
		if rerr != nil {
			return rerr
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		target := filepath.Join(dest, rel)
		if merr := os.MkdirAll(filepath.Dir(target), 0o755); merr != nil {
			return merr
		}
		if werr := os.WriteFile(target, data, 0o644); werr != nil {
			return werr
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return external.ArchiveManifest{}, errors.Wrap(err, "externalimpl.DirArchiveSnapshotter.Snapshot")
	}

	manifest := external.ArchiveManifest{
		SchemaVersion:    1,
		ArchivedAt:       time.Now().UTC().Format(time.RFC3339),
		RepoPath:         in.RepoPath,
		RepoKey:          repoKey(in.RepoPath),
		BubbleInstanceID: in.BubbleInstanceID,
		BubbleID:         in.BubbleID,
		SourceBubbleDir:  in.BubbleDir,
		ArchivedFiles:    files,
	}
	data, err := jsonMarshalIndent(manifest)
	if err != nil {
		return external.ArchiveManifest{}, err
	}
	if err := atomicfile.Replace(manifestPath, data, 0o644); err != nil {
		return external.ArchiveManifest{}, err
	}
	return manifest, nil
}
