package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/harborline/merchcore/internal/model"
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Queue and execute decision packages",
}

var decideReason string

var decideQueueCmd = &cobra.Command{
	Use:   "queue <action> <target-id> <quantity>",
	Short: "Queue one decision package",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		qty, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("quantity must be numeric: %w", err)
		}

		pkg := model.NewDecisionPackage(args[0], args[1], qty, decideReason)
		if env.Agent.QueueDecision(pkg) {
			fmt.Printf("queued %s (%s %g -> %s)\n", pkg.ID, pkg.Action, pkg.Quantity, pkg.TargetID)
		} else {
			fmt.Printf("skipped %s: already executed\n", pkg.ID)
		}

		// The CLI process is short-lived, so a queued package is executed in
		// the same invocation. Long-lived queueing happens through the server.
		results := env.Agent.ExecuteBatch(ctx)
		for _, r := range results {
			fmt.Printf("%s: %s\n", r.ID, r.Status)
		}
		return nil
	},
}

func init() {
	decideQueueCmd.Flags().StringVar(&decideReason, "reason", "", "rationale recorded in the ledger")
	decideCmd.AddCommand(decideQueueCmd)
	rootCmd.AddCommand(decideCmd)
}
