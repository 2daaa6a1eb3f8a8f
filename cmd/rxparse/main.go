// Package main provides the rxparse command line tool: parse prescriptions
// offline and manage reference tables, topics and migrations.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxparse/internal/fhir/mapper"
	"github.com/drfirst/go-rxparse/internal/refdata"
	"github.com/drfirst/go-rxparse/internal/rxparse"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "rxparse",
		Short:        "Prescription text parser",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(refdataCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse [file|-]",
		Short: "Parse prescription text and print the result",
		Long:  "Parse prescription text from a file, or from stdin when the file is \"-\" or omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locale, _ := cmd.Flags().GetString("locale")
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			tables, _ := cmd.Flags().GetString("refdata")
			format, _ := cmd.Flags().GetString("format")

			if format != "json" && format != "fhir" {
				return fmt.Errorf("format must be json or fhir, got %q", format)
			}
			if threshold <= 0 || threshold > 1 {
				return fmt.Errorf("threshold must be within (0,1], got %v", threshold)
			}
			if !rxparse.Locale(locale).Valid() {
				return fmt.Errorf("unsupported locale %q, use en or af", locale)
			}

			text, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("no prescription text given")
			}

			rd, err := loadReference(tables)
			if err != nil {
				return err
			}
			parser, err := rxparse.New(rd)
			if err != nil {
				return err
			}

			res := parser.Parse(text, rxparse.Locale(locale), rxparse.WithConfidenceThreshold(threshold))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if format == "fhir" {
				bundle, err := mapper.ToBundle(res)
				if err != nil {
					return err
				}
				return enc.Encode(bundle)
			}
			return enc.Encode(res)
		},
	}
	cmd.Flags().String("locale", "en", "Prescription language (en or af)")
	cmd.Flags().Float64("threshold", rxparse.DefaultConfidenceThreshold, "Confidence at or above which a parse is accepted")
	cmd.Flags().String("refdata", "", "Reference tables YAML file (default: embedded tables)")
	cmd.Flags().String("format", "json", "Output format (json or fhir)")
	return cmd
}

func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(b), nil
}

func loadReference(path string) (*refdata.ReferenceData, error) {
	if path == "" {
		return refdata.Default()
	}
	return refdata.LoadFile(path)
}
