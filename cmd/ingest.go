package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harborline/merchcore/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load delimited files into the graph",
}

var (
	ingestType      string
	ingestIDCol     string
	ingestNameCol   string
	ingestTargetCol string
	ingestDateCol   string
	ingestValueCol  string
	ingestLocCol    string
	ingestWorkers   int
)

var ingestObjectsCmd = &cobra.Command{
	Use:   "objects [files...]",
	Short: "Ingest object rows (products, locations, customers)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestType == "" || ingestIDCol == "" {
			return eris.New("--type and --id-column are required")
		}
		ctx := cmd.Context()
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mapping := ingest.ObjectMapping{
			Type:       ingestType,
			IDColumn:   ingestIDCol,
			NameColumn: ingestNameCol,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(ingestWorkers)
		for _, path := range args {
			g.Go(func() error {
				f, err := os.Open(path)
				if err != nil {
					return eris.Wrapf(err, "open %s", path)
				}
				defer f.Close()

				res, err := env.Ingest.IngestObjects(ctx, f, mapping)
				if err != nil {
					return eris.Wrapf(err, "ingest %s", path)
				}
				fmt.Printf("%s: %s, %d rows", path, res.Status, res.Count)
				if len(res.Errors) > 0 {
					fmt.Printf(", %d row errors (first: %s)", len(res.Errors), res.Errors[0])
				}
				fmt.Println()
				return nil
			})
		}
		return g.Wait()
	},
}

var ingestEventsCmd = &cobra.Command{
	Use:   "events [files...]",
	Short: "Ingest event rows (sales, prices, inventory snapshots)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestType == "" || ingestTargetCol == "" || ingestDateCol == "" {
			return eris.New("--type, --target-column and --date-column are required")
		}
		ctx := cmd.Context()
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mapping := ingest.EventMapping{
			Type:           ingestType,
			TargetColumn:   ingestTargetCol,
			DateColumn:     ingestDateCol,
			ValueColumn:    ingestValueCol,
			LocationColumn: ingestLocCol,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(ingestWorkers)
		for _, path := range args {
			g.Go(func() error {
				f, err := os.Open(path)
				if err != nil {
					return eris.Wrapf(err, "open %s", path)
				}
				defer f.Close()

				res, err := env.Ingest.IngestEvents(ctx, f, mapping)
				if err != nil {
					return eris.Wrapf(err, "ingest %s", path)
				}
				zap.L().Info("file ingested", zap.String("file", path), zap.Int("rows", res.Count))
				fmt.Printf("%s: %s, %d rows", path, res.Status, res.Count)
				if len(res.Errors) > 0 {
					fmt.Printf(", %d row errors (first: %s)", len(res.Errors), res.Errors[0])
				}
				fmt.Println()
				return nil
			})
		}
		return g.Wait()
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestObjectsCmd, ingestEventsCmd} {
		c.Flags().StringVar(&ingestType, "type", "", "object or event type (e.g. PRODUCT, SALES_QTY)")
	}
	ingestObjectsCmd.Flags().StringVar(&ingestIDCol, "id-column", "", "source column holding the object id")
	ingestObjectsCmd.Flags().StringVar(&ingestNameCol, "name-column", "", "source column holding the display name")
	ingestEventsCmd.Flags().StringVar(&ingestTargetCol, "target-column", "", "source column holding the target object id")
	ingestEventsCmd.Flags().StringVar(&ingestDateCol, "date-column", "", "source column holding the event date")
	ingestEventsCmd.Flags().StringVar(&ingestValueCol, "value-column", "", "source column holding the numeric value")
	ingestEventsCmd.Flags().StringVar(&ingestLocCol, "location-column", "", "source column holding the location id")
	ingestCmd.PersistentFlags().IntVar(&ingestWorkers, "workers", 4, "concurrent files")

	ingestCmd.AddCommand(ingestObjectsCmd, ingestEventsCmd)
	rootCmd.AddCommand(ingestCmd)
}
