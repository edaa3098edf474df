package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pairflow",
		Short: "Drive paired implementer/reviewer agents through the bubble protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newPassCmd(),
		newAskHumanCmd(),
		newConvergedCmd(),
		newBubbleCmd(),
		newMetricsCmd(),
		newUICmd(),
		newRepoCmd(),
	)
	return root
}
