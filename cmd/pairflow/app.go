package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/commands"
	"github.com/pairflow/pairflow/internal/corelog"
	"github.com/pairflow/pairflow/internal/externalimpl"
	"github.com/pairflow/pairflow/internal/lock"
	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/spf13/cobra"
)

func cmdContext() context.Context { return context.Background() }

// globalFlags are the flags shared by every subcommand that touches a
// bubble, mirroring §6.5's "each takes at minimum --id (and --repo where
// context cannot be inferred)".
type globalFlags struct {
	id      string
	repo    string
	verbose bool
}

func addBubbleFlags(cmd *cobra.Command, f *globalFlags) {
	cmd.Flags().StringVar(&f.id, "id", "", "bubble id")
	cmd.Flags().StringVar(&f.repo, "repo", "", "repository path (optional; inferred from cwd if omitted)")
	cmd.PersistentFlags().BoolVar(&f.verbose, "verbose", false, "enable debug logging")
}

// defaultEventsRoot resolves PAIRFLOW_METRICS_EVENTS_ROOT per §6.6.
func defaultEventsRoot() string {
	if v := os.Getenv("PAIRFLOW_METRICS_EVENTS_ROOT"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".pairflow", "metrics", "events")
}

// buildCommands wires every external collaborator's real implementation
// (internal/externalimpl) into a *commands.Commands, the same shape
// internal/commands' tests wire with mocks (internal/external/fakes.go).
func buildCommands(f *globalFlags) *commands.Commands {
	home, _ := os.UserHomeDir()
	sessionsPath := filepath.Join(home, ".pairflow", "sessions.json")
	logger := corelog.Default(f.verbose)
	return commands.New(commands.Deps{
		Now:        time.Now,
		Workspace:  externalimpl.GitWorkspaceManager{},
		VCS:        externalimpl.GitRunner{},
		Tmux:       externalimpl.TmuxRunner{},
		Sessions:   externalimpl.JSONSessionRegistry{Path: sessionsPath},
		Notify:     externalimpl.SoundNotificationSink{},
		Archiver:   externalimpl.DirArchiveSnapshotter{},
		Metrics:    metrics.Emitter{Logger: logger},
		EventsRoot: defaultEventsRoot(),
		Logger:     logger,
		LockOpts:   lock.Options{},
	})
}

func resolveBubble(f *globalFlags) (*bubblectx.Resolved, error) {
	if f.id != "" {
		cwd, _ := os.Getwd()
		return bubblectx.ResolveByID(bubblectx.ResolveByIDInput{
			BubbleID: f.id,
			RepoPath: f.repo,
			Cwd:      cwd,
		})
	}
	cwd, _ := os.Getwd()
	return bubblectx.ResolveFromWorkspaceCwd(cmdContext(), externalimpl.GitRunner{}, cwd)
}
