package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/commands"
	"github.com/pairflow/pairflow/internal/projector"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/pairflow/pairflow/internal/transcript"
	"github.com/spf13/cobra"
)

func newBubbleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bubble",
		Short: "Bubble lifecycle management",
	}
	cmd.AddCommand(
		newBubbleCreateCmd(),
		newBubbleStartCmd(),
		newBubbleStopCmd(),
		newBubbleDeleteCmd(),
		newBubbleStatusCmd(),
		newBubbleListCmd(),
		newBubbleInboxCmd(),
		newBubbleWatchdogCmd(),
		newBubbleReconcileCmd(),
		newBubbleCommitCmd(),
		newBubbleApproveCmd(),
		newBubbleRequestReworkCmd(),
		newBubbleReplyCmd(),
		newBubbleOpenCmd(),
		newBubbleAttachCmd(),
		newBubbleResumeCmd(),
		newBubbleMergeCmd(),
	)
	return cmd
}

func newBubbleCreateCmd() *cobra.Command {
	f := &globalFlags{}
	var (
		baseBranch   string
		bubbleBranch string
		task         string
		taskFile     string
		implementer  string
		reviewer     string
		testCmd      string
		typecheckCmd string
		watchdogMin  int
		maxRounds    int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new bubble",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.repo == "" {
				return fmt.Errorf("--repo is required for bubble create")
			}
			taskText := task
			if taskFile != "" {
				data, err := os.ReadFile(taskFile)
				if err != nil {
					return err
				}
				taskText = string(data)
			}
			repoAbs, err := filepath.Abs(f.repo)
			if err != nil {
				return err
			}
			in := commands.CreateInput{
				ID:           f.id,
				RepoPath:     repoAbs,
				BaseBranch:   baseBranch,
				BubbleBranch: bubbleBranch,
				Task:         taskText,
				Agents: bubble.Agents{
					Implementer: bubble.AgentName(implementer),
					Reviewer:    bubble.AgentName(reviewer),
				},
				Commands: bubble.Commands{
					Test:      testCmd,
					Typecheck: typecheckCmd,
				},
				WatchdogTimeoutMinutes: watchdogMin,
				MaxRounds:              maxRounds,
			}
			_, result, err := buildCommands(f).Create(in)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().StringVar(&baseBranch, "base-branch", "main", "base branch to branch from")
	cmd.Flags().StringVar(&bubbleBranch, "bubble-branch", "", "bubble branch name (defaults to bubble/<id>)")
	cmd.Flags().StringVar(&task, "task", "", "task description")
	cmd.Flags().StringVar(&taskFile, "task-file", "", "read task description from this file")
	cmd.Flags().StringVar(&implementer, "implementer", "claude", "implementer agent name")
	cmd.Flags().StringVar(&reviewer, "reviewer", "codex", "reviewer agent name")
	cmd.Flags().StringVar(&testCmd, "test-command", "", "quality-gate test command")
	cmd.Flags().StringVar(&typecheckCmd, "typecheck-command", "", "quality-gate typecheck command")
	cmd.Flags().IntVar(&watchdogMin, "watchdog-timeout-minutes", 30, "watchdog timeout in minutes")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 20, "maximum protocol rounds")
	_ = cmd.MarkFlagRequired("id")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if bubbleBranch == "" {
			bubbleBranch = "bubble/" + f.id
		}
		return nil
	}
	return cmd
}

func newBubbleStartCmd() *cobra.Command {
	f := &globalFlags{}
	var worktreePath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Bootstrap the bubble workspace and begin round 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			if worktreePath == "" {
				worktreePath = filepath.Join(res.Config.RepoPath, ".pairflow", "worktrees", res.Config.ID)
			}
			result, err := buildCommands(f).Start(cmdContext(), res, worktreePath)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().StringVar(&worktreePath, "worktree-path", "", "path for the bootstrapped worktree")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleStopCmd() *cobra.Command {
	f := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Terminate runtime session ownership and cancel the bubble",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			result, err := buildCommands(f).Stop(cmdContext(), res)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleDeleteCmd() *cobra.Command {
	f := &globalFlags{}
	var (
		force        bool
		worktreePath string
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Tear down and archive a bubble",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			result, err := buildCommands(f).Delete(cmdContext(), res, commands.DeleteInput{
				WorktreePath: worktreePath,
				Force:        force,
			})
			if err != nil {
				return err
			}
			if result.RequiresConfirmation {
				return &requiresConfirmationError{Detail: result.ConfirmationDetail}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().BoolVar(&force, "force", false, "skip the live-artifact confirmation gate")
	cmd.Flags().StringVar(&worktreePath, "worktree-path", "", "worktree path to check/remove")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleStatusCmd() *cobra.Command {
	f := &globalFlags{}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the bubble's current state snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			loaded, err := statestore.Read(res.StatePath, res.Config)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, loaded.Snapshot)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bubble=%s state=%s round=%d fingerprint=%s\n",
				res.Config.ID, loaded.Snapshot.State, loaded.Snapshot.Round, loaded.Fingerprint)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleListCmd() *cobra.Command {
	f := &globalFlags{}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bubbles registered under --repo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.repo == "" {
				return fmt.Errorf("--repo is required for bubble list")
			}
			root := filepath.Join(f.repo, ".pairflow", "bubbles")
			entries, err := os.ReadDir(root)
			if err != nil {
				if os.IsNotExist(err) {
					entries = nil
				} else {
					return err
				}
			}
			type row struct {
				ID    string `json:"id"`
				State string `json:"state"`
				Round int    `json:"round"`
			}
			var rows []row
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				res, err := bubblectx.ResolveByID(bubblectx.ResolveByIDInput{BubbleID: e.Name(), RepoPath: f.repo})
				if err != nil {
					continue
				}
				loaded, err := statestore.Read(res.StatePath, res.Config)
				if err != nil {
					continue
				}
				rows = append(rows, row{ID: e.Name(), State: string(loaded.Snapshot.State), Round: loaded.Snapshot.Round})
			}
			if asJSON {
				return printJSON(cmd, rows)
			}
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tround=%d\n", r.ID, r.State, r.Round)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.repo, "repo", "", "repository path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newBubbleInboxCmd() *cobra.Command {
	f := &globalFlags{}
	var markRead bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show unread inbox items (§6.8)",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			unread, err := commands.InboxUnread(res.BubbleDir)
			if err != nil {
				return err
			}
			for _, env := range unread {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s [%s]\n", env.ID, env.Sender, env.Recipient, env.Type)
			}
			if markRead {
				return commands.MarkInboxRead(res.BubbleDir, unread)
			}
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "advance the inbox read cursor")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleWatchdogCmd() *cobra.Command {
	f := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Run one watchdog sweep (§4.8.10)",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			out, err := buildCommands(f).WatchdogSweep(cmdContext(), res)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reason=%s\n", out.Reason)
			if out.Result != nil {
				printResult(cmd, out.Result)
			}
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleReconcileCmd() *cobra.Command {
	f := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute state.json from the transcript tail (§6.7) if divergent",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			txn, err := transcript.Read(res.TranscriptPath, transcript.ReadOptions{AllowMissing: true})
			if err != nil {
				return err
			}
			projected, err := projector.Project(txn, res.Config)
			if err != nil {
				return err
			}
			loaded, err := statestore.Read(res.StatePath, res.Config)
			if err != nil {
				return err
			}
			if projected.State == loaded.Snapshot.State && projected.Round == loaded.Snapshot.Round {
				fmt.Fprintln(cmd.OutOrStdout(), "state.json already matches the transcript tail")
				return nil
			}
			fp, err := statestore.WriteLocked(res.StatePath, projected, res.Config, statestore.WriteOptions{ExpectedFingerprint: loaded.Fingerprint})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled: state=%s round=%d fingerprint=%s\n", projected.State, projected.Round, fp)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleCommitCmd() *cobra.Command {
	f := &globalFlags{}
	var (
		worktreePath  string
		stagedFiles   []string
		commitMessage string
		refs          []string
	)
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit the approved change and transition to DONE (§4.8.9)",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			result, err := buildCommands(f).Commit(cmdContext(), res, commands.CommitInput{
				WorktreePath:  worktreePath,
				StagedFiles:   stagedFiles,
				CommitMessage: commitMessage,
				Refs:          refs,
			})
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().StringVar(&worktreePath, "worktree-path", "", "bubble workspace path")
	cmd.Flags().StringArrayVar(&stagedFiles, "staged-file", nil, "staged file relative path, repeatable")
	cmd.Flags().StringVar(&commitMessage, "message", "", "commit message")
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "reference path/URI, repeatable")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newBubbleApproveCmd() *cobra.Command {
	f := &globalFlags{}
	var message string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve the converged round for commit (§4.8.7)",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			result, err := buildCommands(f).ApproveOrRequestRework(res, bubble.DecisionApprove, message)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().StringVar(&message, "message", "", "optional approval note")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleRequestReworkCmd() *cobra.Command {
	f := &globalFlags{}
	var (
		message string
		refs    []string
	)
	cmd := &cobra.Command{
		Use:   "request-rework",
		Short: "Send the bubble back for another round (§4.8.7/§4.8.8)",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			loaded, err := statestore.Read(res.StatePath, res.Config)
			if err != nil {
				return err
			}
			cmds := buildCommands(f)
			var result *commands.Result
			switch loaded.Snapshot.State {
			case bubble.StateWaitingHuman:
				result, err = cmds.RequestReworkWhileWaiting(res, message, refs)
			default:
				result, err = cmds.ApproveOrRequestRework(res, bubble.DecisionRevise, message)
			}
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().StringVar(&message, "message", "", "rework request message")
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "reference path/URI, repeatable")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func replyCmd(use, short string) *cobra.Command {
	f := &globalFlags{}
	var message string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			result, err := buildCommands(f).HumanReply(res, message)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().StringVar(&message, "message", "", "reply text (required)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newBubbleReplyCmd() *cobra.Command {
	return replyCmd("reply", "Reply to a waiting HUMAN_QUESTION and resume (§4.8.5)")
}

// newBubbleOpenCmd renders BubbleConfig.OpenCommand's {{worktree_path}}
// template; launching the resulting command is left to the caller's
// shell, matching §1's "terminal-multiplexer session management" being
// an external collaborator the core never owns.
func newBubbleOpenCmd() *cobra.Command {
	f := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Print the configured open_command for this bubble's worktree",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			if res.Config.OpenCommand == "" {
				return fmt.Errorf("bubble %q has no open_command configured", res.Config.ID)
			}
			session, ok, err := externalSessions(f).Read(cmdContext(), res.Config.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no runtime session recorded for bubble %q; run `bubble start` first", res.Config.ID)
			}
			rendered := renderOpenCommand(res.Config.OpenCommand, session.WorktreePath)
			fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleAttachCmd() *cobra.Command {
	f := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Print the tmux session name to attach to",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			session, ok, err := externalSessions(f).Read(cmdContext(), res.Config.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no runtime session recorded for bubble %q", res.Config.ID)
			}
			fmt.Fprintln(cmd.OutOrStdout(), session.TmuxSessionName)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBubbleResumeCmd() *cobra.Command {
	cmd := replyCmd("resume", "Alias for reply, resuming a WAITING_HUMAN bubble")
	return cmd
}

// newBubbleMergeCmd is deliberately thin: merging the bubble branch back
// is a VCS operation the core never performs on the bubble's behalf
// (§1's "workspace bootstrap via the external version-control tool" is
// out of scope); this subcommand only shells the merge through the same
// VCSRunner the core's own Commit step uses.
func newBubbleMergeCmd() *cobra.Command {
	f := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge the bubble branch into its base branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			if res.Config.RepoPath == "" {
				return fmt.Errorf("bubble has no repo_path")
			}
			runner := externalVCS()
			if _, err := runner.Run(cmdContext(), []string{"merge", "--no-ff", res.Config.BubbleBranch},
				runOptionsIn(res.Config.RepoPath)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "merged", res.Config.BubbleBranch, "into", res.Config.BaseBranch)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
