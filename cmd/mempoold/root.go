package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mempoold",
	Short: "Batch dissemination mempool node",
	Long: "Command line interface for running a mempool authority: it batches client " +
		"transactions, disseminates the batches to the committee and serves them to consensus.",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
