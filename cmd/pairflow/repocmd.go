package main

import (
	"fmt"

	"github.com/pairflow/pairflow/internal/reporegistry"
	"github.com/spf13/cobra"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "repo", Short: "Maintain the repository registry (§6.5/§6.6)"}
	cmd.AddCommand(newRepoAddCmd(), newRepoListCmd(), newRepoRemoveCmd())
	return cmd
}

func newRepoAddCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a repository path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return reporegistry.Add(reporegistry.ResolvePath(), args[0], label)
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "operator-facing label for this repository")
	return cmd
}

func newRepoListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := reporegistry.List(reporegistry.ResolvePath())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, entries)
			}
			for _, e := range entries {
				if e.Label != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.Path, e.Label)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), e.Path)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newRepoRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <path>",
		Short: "Deregister a repository path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return reporegistry.Remove(reporegistry.ResolvePath(), args[0])
		},
	}
	return cmd
}
