package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the execution ledger",
}

var ledgerLimit int

var ledgerRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recent audit rows, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Ledger.GetRecentLogs(ctx, ledgerLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  L%d  %-14s %-12s %10g  %s\n",
				e.TxID, e.Timestamp, e.SystemLevel, e.Decision, e.NodeID, e.Quantity, e.Status)
		}
		return nil
	},
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store counts and the autonomy mix",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		counts, err := env.Ledger.GetStats(ctx)
		if err != nil {
			return err
		}
		summary, err := env.Ledger.GetDailySummary(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("objects: %d\nevents: %d\ndecisions: %d\n", counts.Objects, counts.Events, counts.Decisions)
		fmt.Printf("autonomy mix: %d autonomous / %d human / %d escalated (total %d)\n",
			summary.Autonomous, summary.Human, summary.Escalated, summary.Total)
		return nil
	},
}

func init() {
	ledgerRecentCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "rows to show")
	ledgerCmd.AddCommand(ledgerRecentCmd, ledgerStatsCmd)
	rootCmd.AddCommand(ledgerCmd)
}
