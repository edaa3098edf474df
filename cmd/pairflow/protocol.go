package main

import (
	"fmt"

	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/commands"
	"github.com/spf13/cobra"
)

func newPassCmd() *cobra.Command {
	f := &globalFlags{}
	var (
		summary    string
		refs       []string
		intent     string
		findings   []string
		noFindings bool
	)
	cmd := &cobra.Command{
		Use:   "pass",
		Short: "Append a PASS envelope and hand control to the other role",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			var parsed []bubble.Finding
			for _, raw := range findings {
				finding, ferr := parseFinding(raw)
				if ferr != nil {
					return ferr
				}
				parsed = append(parsed, finding)
			}
			in := commands.PassInput{
				Summary:    summary,
				Intent:     bubble.PassIntent(intent),
				Findings:   parsed,
				NoFindings: noFindings,
				Refs:       refs,
			}
			result, err := buildCommands(f).Pass(res, in)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().StringVar(&summary, "summary", "", "pass summary (required)")
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "reference path/URI, repeatable")
	cmd.Flags().StringVar(&intent, "intent", "", "task|review|fix_request (defaults per active role)")
	cmd.Flags().StringArrayVar(&findings, "finding", nil, "P0|P1|P2|P3:Title[|ref1,ref2], repeatable")
	cmd.Flags().BoolVar(&noFindings, "no-findings", false, "set findings to an explicit empty array")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func newAskHumanCmd() *cobra.Command {
	f := &globalFlags{}
	var (
		question string
		refs     []string
	)
	cmd := &cobra.Command{
		Use:   "ask-human",
		Short: "Append a HUMAN_QUESTION and wait for a reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			result, err := buildCommands(f).AskHuman(res, question, refs...)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().StringVar(&question, "question", "", "question text (required)")
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "reference path/URI, repeatable")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func newConvergedCmd() *cobra.Command {
	f := &globalFlags{}
	var (
		summary string
		refs    []string
	)
	cmd := &cobra.Command{
		Use:   "converged",
		Short: "Declare convergence and request human approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveBubble(f)
			if err != nil {
				return err
			}
			result, err := buildCommands(f).Converged(res, summary, refs...)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	addBubbleFlags(cmd, f)
	cmd.Flags().StringVar(&summary, "summary", "", "convergence summary (required)")
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "reference path/URI, repeatable")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func printResult(cmd *cobra.Command, result *commands.Result) {
	if result == nil || result.Snapshot == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "state=%s round=%d fingerprint=%s\n",
		result.Snapshot.State, result.Snapshot.Round, result.Fingerprint)
}
