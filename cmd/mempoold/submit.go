package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmwaters/mempool/front"
)

var submitFlags struct {
	to      string
	timeout time.Duration
}

var submitCmd = &cobra.Command{
	Use:   "submit [tx...]",
	Short: "Submit transactions to an authority",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := front.Dial(submitFlags.to, submitFlags.timeout)
		if err != nil {
			return err
		}
		defer client.Close()
		for _, tx := range args {
			if err := client.Submit([]byte(tx)); err != nil {
				return fmt.Errorf("submitting transaction: %w", err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "submitted %d transactions to %s\n", len(args), submitFlags.to)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitFlags.to, "to", "127.0.0.1:8000", "Front address of the authority")
	submitCmd.Flags().DurationVar(&submitFlags.timeout, "timeout", 5*time.Second, "Dial timeout")
}
