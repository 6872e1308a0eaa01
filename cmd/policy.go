package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage decision guardrails",
}

var policyEntityID string

var policySetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a guardrail value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("value must be numeric: %w", err)
		}
		if err := env.Policy.SetPolicy(ctx, args[0], policyEntityID, value); err != nil {
			return err
		}
		fmt.Printf("set %s=%g for %s\n", args[0], value, orGlobal(policyEntityID))
		return nil
	},
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List guardrails with provenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		policies, err := env.Policy.GetAllPolicies(ctx)
		if err != nil {
			return err
		}
		for _, p := range policies {
			fmt.Printf("%-12s %-22s %10g  %s\n", p.EntityID, p.Key, p.Value, p.Source)
		}
		return nil
	},
}

var (
	validateUnitCost     float64
	validateCurrentPrice float64
)

var policyValidateCmd = &cobra.Command{
	Use:   "validate <action-type> <value>",
	Short: "Validate a proposed action against the guardrails",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("value must be numeric: %w", err)
		}
		actx := map[string]float64{}
		if validateUnitCost > 0 {
			actx["unit_cost"] = validateUnitCost
		}
		if validateCurrentPrice > 0 {
			actx["current_price"] = validateCurrentPrice
		}

		verdict, err := env.Policy.ValidateAction(ctx, args[0], value, policyEntityID, actx)
		if err != nil {
			return err
		}
		status := "REJECTED"
		if verdict.Approved {
			status = "APPROVED"
		}
		fmt.Printf("%s: %s\n", status, verdict.Reason)
		return nil
	},
}

var profitDays int

var policyProfitCmd = &cobra.Command{
	Use:   "profit <revenue-impact> <cost-impact>",
	Short: "Screen an action's economics against WACC and the hurdle rate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		revenue, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("revenue-impact must be numeric: %w", err)
		}
		cost, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("cost-impact must be numeric: %w", err)
		}

		verdict := env.Profit.Validate(revenue, cost, profitDays)
		status := "REJECTED"
		if verdict.Approved {
			status = "APPROVED"
		}
		fmt.Printf("%s: %s\n", status, verdict.Reason)
		return nil
	},
}

func orGlobal(entityID string) string {
	if entityID == "" {
		return "GLOBAL"
	}
	return entityID
}

func init() {
	policyCmd.PersistentFlags().StringVar(&policyEntityID, "entity", "", "entity id (default GLOBAL)")
	policyValidateCmd.Flags().Float64Var(&validateUnitCost, "unit-cost", 0, "unit cost for ORDER validation")
	policyValidateCmd.Flags().Float64Var(&validateCurrentPrice, "current-price", 0, "current price for HIKE validation")
	policyProfitCmd.Flags().IntVar(&profitDays, "days", 30, "days the invested cost is tied up")

	policyCmd.AddCommand(policySetCmd, policyListCmd, policyValidateCmd, policyProfitCmd)
	rootCmd.AddCommand(policyCmd)
}
