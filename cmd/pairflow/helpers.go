package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pairflow/pairflow/internal/external"
	"github.com/pairflow/pairflow/internal/externalimpl"
	"github.com/spf13/cobra"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func externalSessions(f *globalFlags) external.RuntimeSessionRegistry {
	home, _ := os.UserHomeDir()
	return externalimpl.JSONSessionRegistry{Path: filepath.Join(home, ".pairflow", "sessions.json")}
}

func externalVCS() external.VCSRunner { return externalimpl.GitRunner{} }

func runOptionsIn(cwd string) external.RunOptions { return external.RunOptions{Cwd: cwd} }

func renderOpenCommand(template, worktreePath string) string {
	return strings.ReplaceAll(template, "{{worktree_path}}", worktreePath)
}
