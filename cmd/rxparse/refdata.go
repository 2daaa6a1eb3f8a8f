package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxparse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxparse/internal/refdata"
)

func refdataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refdata",
		Short: "Validate and import reference tables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a reference tables file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rd, err := refdata.LoadFile(args[0])
			if err != nil {
				return err
			}
			printStats(cmd, rd.Stats())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Validate a reference tables file and replace the tables in Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := refdata.LoadTablesFile(args[0])
			if err != nil {
				return err
			}
			rd, err := refdata.Build(t)
			if err != nil {
				return err
			}

			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := postgres.SaveReferenceTables(ctx, pool, t); err != nil {
					return fmt.Errorf("import failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Imported reference tables.")
				printStats(cmd, rd.Stats())
				return nil
			})
		},
	})

	return cmd
}

func printStats(cmd *cobra.Command, s refdata.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "version:           %s\n", s.Version)
	fmt.Fprintf(out, "brands:            %d\n", s.Brands)
	fmt.Fprintf(out, "abbreviations:     %d\n", s.Abbreviations)
	fmt.Fprintf(out, "icd10 codes:       %d\n", s.ICD10Codes)
	fmt.Fprintf(out, "interactions:      %d\n", s.Interactions)
	fmt.Fprintf(out, "contraindications: %d\n", s.Contraindications)
}
