package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/harborline/merchcore/internal/model"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the schema registry",
}

var schemaRegisterCmd = &cobra.Command{
	Use:   "register <entity-type> <fields.json>",
	Short: "Register a schema from a JSON field list",
	Long:  "Validates the field list against the mandatory anchors for the entity type and atomically replaces its registered schema. A rejected registration writes nothing.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		raw, err := os.ReadFile(args[1])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[1])
		}
		var fields []model.SchemaField
		if err := json.Unmarshal(raw, &fields); err != nil {
			return eris.Wrap(err, "parse field list")
		}

		if err := env.Graph.RegisterSchema(ctx, args[0], fields); err != nil {
			return err
		}
		fmt.Printf("registered %s with %d fields\n", args[0], len(fields))
		return nil
	},
}

var schemaDeleteCmd = &cobra.Command{
	Use:   "delete <entity-type>",
	Short: "Delete a registered schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Graph.DeleteSchema(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted schema %s\n", args[0])
		return nil
	},
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		registry, err := env.Graph.GetFullRegistry(ctx)
		if err != nil {
			return err
		}
		if len(registry) == 0 {
			fmt.Println("no schemas registered")
			return nil
		}
		for entityType, fields := range registry {
			fmt.Printf("%s (%d fields)\n", entityType, len(fields))
			for _, f := range fields {
				line := "  " + f.SourceColumn
				if f.Anchor != "" {
					line += " -> " + f.Anchor
				}
				if f.IsHierarchy {
					line += fmt.Sprintf(" [level %d]", f.HierarchyLevel)
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var schemaLockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Engage the one-way structural lock",
	Long:  "After locking, schema registration and deletion are refused for every entity type. There is no unlock.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Graph.LockSystem(ctx); err != nil {
			return err
		}
		fmt.Println("system locked")
		return nil
	},
}

var schemaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lock state and store counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		locked, err := env.Graph.IsSystemLocked(ctx)
		if err != nil {
			return err
		}
		counts, err := env.Graph.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("locked: %v\nobjects: %d\nevents: %d\ndecisions: %d\n",
			locked, counts.Objects, counts.Events, counts.Decisions)
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaRegisterCmd, schemaDeleteCmd, schemaListCmd, schemaLockCmd, schemaStatusCmd)
	rootCmd.AddCommand(schemaCmd)
}
