// Package bubblectx implements context resolution (§6.4): turning a
// bare bubble id, or nothing but a working directory, into a resolved
// bubble directory backed by a validated bubble.toml.
package bubblectx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/external"
)

// Resolved names the on-disk layout of one resolved bubble (§3.1).
type Resolved struct {
	BubbleDir      string
	LocksDir       string
	StatePath      string
	TranscriptPath string
	InboxPath      string
	ArtifactsDir   string
	Config         *bubble.Config
}

func layout(bubbleDir string, cfg *bubble.Config) Resolved {
	return Resolved{
		BubbleDir:      bubbleDir,
		LocksDir:       filepath.Join(bubbleDir, "locks"),
		StatePath:      filepath.Join(bubbleDir, "state.json"),
		TranscriptPath: filepath.Join(bubbleDir, "transcript.ndjson"),
		InboxPath:      filepath.Join(bubbleDir, "inbox.ndjson"),
		ArtifactsDir:   filepath.Join(bubbleDir, "artifacts"),
		Config:         cfg,
	}
}

// ResolveByIDInput carries the caller-supplied facts for resolveById.
type ResolveByIDInput struct {
	BubbleID string
	RepoPath string // optional; if empty, cwd is walked
	Cwd      string
}

// ResolveByID implements §6.4's resolveById: use RepoPath directly if
// given, else walk ancestors of Cwd for .pairflow/bubbles/<id>/bubble.toml.
func ResolveByID(in ResolveByIDInput) (*Resolved, error) {
	if in.BubbleID == "" {
		return nil, corerr.New(corerr.BubbleNotFound, "bubblectx.ResolveByID", fmt.Errorf("bubble id is required"))
	}

	var bubbleDir string
	if in.RepoPath != "" {
		bubbleDir = filepath.Join(in.RepoPath, ".pairflow", "bubbles", in.BubbleID)
	} else {
		found, err := walkForBubble(in.Cwd, in.BubbleID)
		if err != nil {
			return nil, err
		}
		bubbleDir = found
	}

	cfg, err := readAndValidateConfig(bubbleDir, in.BubbleID)
	if err != nil {
		return nil, err
	}
	res := layout(bubbleDir, cfg)
	return &res, nil
}

// walkForBubble walks filepath.Dir ancestors of cwd (bounded by the
// filesystem root) looking for .pairflow/bubbles/<id>/bubble.toml.
func walkForBubble(cwd, bubbleID string) (string, error) {
	dir := cwd
	for {
		candidate := filepath.Join(dir, ".pairflow", "bubbles", bubbleID)
		if _, err := os.Stat(filepath.Join(candidate, "bubble.toml")); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", corerr.New(corerr.BubbleNotFound, "bubblectx.walkForBubble",
				fmt.Errorf("no bubble.toml found for id %q under %q or its ancestors", bubbleID, cwd))
		}
		dir = parent
	}
}

func readAndValidateConfig(bubbleDir, expectID string) (*bubble.Config, error) {
	data, err := os.ReadFile(filepath.Join(bubbleDir, "bubble.toml"))
	if err != nil {
		return nil, corerr.New(corerr.BubbleNotFound, "bubblectx.readConfig", err)
	}
	cfg, err := bubble.DecodeTOML(data)
	if err != nil {
		return nil, corerr.New(corerr.SchemaValidation, "bubblectx.readConfig", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, corerr.New(corerr.SchemaValidation, "bubblectx.readConfig.validate", err)
	}
	if cfg.ID != expectID {
		return nil, corerr.New(corerr.SchemaValidation, "bubblectx.readConfig",
			fmt.Errorf("bubble.toml id %q does not match directory id %q", cfg.ID, expectID))
	}
	return cfg, nil
}

// ResolveFromWorkspaceCwd implements §6.4's resolveFromWorkspaceCwd: ask
// the VCS for the repo root, derive a candidate bubble id from the
// current branch name, falling back to a directory scan matching
// workspace paths. Multiple matches are an error.
func ResolveFromWorkspaceCwd(ctx context.Context, vcs external.VCSRunner, cwd string) (*Resolved, error) {
	repoRoot, err := vcsCommonDir(ctx, vcs, cwd)
	if err != nil {
		return nil, err
	}
	branch, err := currentBranch(ctx, vcs, cwd)
	if err != nil {
		return nil, err
	}

	if id, ok := bubbleIDFromBranch(branch); ok {
		res, err := ResolveByID(ResolveByIDInput{BubbleID: id, RepoPath: repoRoot})
		if err == nil {
			return res, nil
		}
		// fall through to a directory scan in case the branch name lied
	}

	return scanForWorkspaceMatch(repoRoot, cwd)
}

func vcsCommonDir(ctx context.Context, vcs external.VCSRunner, cwd string) (string, error) {
	res, err := vcs.Run(ctx, []string{"rev-parse", "--show-toplevel"}, external.RunOptions{Cwd: cwd})
	if err != nil {
		return "", corerr.New(corerr.WorkspaceResolution, "bubblectx.vcsCommonDir", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func currentBranch(ctx context.Context, vcs external.VCSRunner, cwd string) (string, error) {
	res, err := vcs.Run(ctx, []string{"rev-parse", "--abbrev-ref", "HEAD"}, external.RunOptions{Cwd: cwd})
	if err != nil {
		return "", corerr.New(corerr.WorkspaceResolution, "bubblectx.currentBranch", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// bubbleIDFromBranch extracts an id from a "bubble/<id>" or "pf/<id>"
// branch name.
func bubbleIDFromBranch(branch string) (string, bool) {
	for _, prefix := range []string{"bubble/", "pf/"} {
		if strings.HasPrefix(branch, prefix) {
			id := strings.TrimPrefix(branch, prefix)
			if id != "" {
				return id, true
			}
		}
	}
	return "", false
}

// scanForWorkspaceMatch walks repoRoot/.pairflow/bubbles/* looking for a
// bubble.toml whose config resolves to a worktree containing cwd.
func scanForWorkspaceMatch(repoRoot, cwd string) (*Resolved, error) {
	root := filepath.Join(repoRoot, ".pairflow", "bubbles")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corerr.New(corerr.BubbleNotFound, "bubblectx.scan", fmt.Errorf("no bubbles under %s", root))
		}
		return nil, corerr.New(corerr.ExternalFailure, "bubblectx.scan", err)
	}

	var matches []*Resolved
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bubbleDir := filepath.Join(root, entry.Name())
		cfg, err := readAndValidateConfig(bubbleDir, entry.Name())
		if err != nil {
			continue // skip unreadable/invalid bubble dirs during a scan
		}
		if withinWorktree(cwd, cfg) {
			res := layout(bubbleDir, cfg)
			matches = append(matches, &res)
		}
	}

	switch len(matches) {
	case 0:
		return nil, corerr.New(corerr.BubbleNotFound, "bubblectx.scan", fmt.Errorf("no bubble workspace matches %s", cwd))
	case 1:
		return matches[0], nil
	default:
		return nil, corerr.New(corerr.WorkspaceResolution, "bubblectx.scan", fmt.Errorf("multiple bubbles match workspace %s", cwd))
	}
}

// withinWorktree is a best-effort membership check: since this contract
// package doesn't track the worktree path directly (that lives in the
// runtime-session registry, an external collaborator), it approximates by
// checking whether cwd descends from the bubble's repo_path.
func withinWorktree(cwd string, cfg *bubble.Config) bool {
	rel, err := filepath.Rel(cfg.RepoPath, cwd)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
