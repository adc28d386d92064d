package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/usestring/webreplay/internal/decode"
	"github.com/usestring/webreplay/internal/query"
	"github.com/usestring/webreplay/internal/reconstruct"
	"github.com/usestring/webreplay/pkg/flowrec"
)

var printer = message.NewPrinter(language.English)

func newReconstructCmd() *cobra.Command {
	var (
		outputDir    string
		domains      []string
		analysisOnly bool
		where        string
		maxBytes     int64
	)

	cmd := &cobra.Command{
		Use:   "reconstruct <capture.json>",
		Short: "Rebuild the pages of a capture window as static files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			w, err := loadWindow(args[0], where, out)
			if err != nil {
				return err
			}

			stats := reconstruct.Analyse(w)
			fmt.Fprintln(out, "Capture analysis:")
			fmt.Fprint(out, stats.Summary())
			if analysisOnly {
				return nil
			}

			p := reconstruct.New(reconstruct.Options{
				Domains: domains,
				Decoder: decode.New(maxBytes),
			})
			report, err := p.Run(cmd.Context(), w, outputDir, nil)
			if err != nil {
				return err
			}

			printer.Fprintf(out, "\nReconstructed %d pages and %d resources into %s\n",
				report.Pages, report.Resources, outputDir)
			if n := len(report.Cached); n > 0 {
				printer.Fprintf(out, "%d pages were served from cache (304) and have no body\n", n)
			}
			if report.Failures > 0 {
				printer.Fprintf(out, "%d records failed, see the log\n", report.Failures)
			}

			if report.Pages > 0 || len(report.Cached) > 0 {
				if _, err := reconstruct.WriteIndex(outputDir, report.Cached); err != nil {
					return err
				}
				fmt.Fprintf(out, "Index page: %s/%s\n", outputDir, reconstruct.IndexFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "reconstructed_sites", "Output directory")
	cmd.Flags().StringSliceVarP(&domains, "domains", "d", nil, "Only reconstruct these hosts (can be repeated)")
	cmd.Flags().BoolVarP(&analysisOnly, "analysis-only", "a", false, "Only analyse the capture, write nothing")
	cmd.Flags().StringVar(&where, "where", "", "jq predicate selecting the records to use")
	cmd.Flags().Int64Var(&maxBytes, "max-decoded-bytes", decode.DefaultMaxBytes, "Upper bound on a decompressed body")
	return cmd
}

func newAnalyseCmd() *cobra.Command {
	var (
		where  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:     "analyse <capture.json>",
		Aliases: []string{"analyze"},
		Short:   "Print statistics for a capture window",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			w, err := loadWindow(args[0], where, out)
			if err != nil {
				return err
			}

			stats := reconstruct.Analyse(w)
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Fprint(out, stats.Summary())
			return nil
		},
	}

	cmd.Flags().StringVar(&where, "where", "", "jq predicate selecting the records to use")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statistics as JSON")
	return cmd
}

// loadWindow loads a capture file and applies the optional jq predicate.
func loadWindow(path, where string, out io.Writer) (flowrec.Window, error) {
	if where != "" {
		if err := query.ValidateExpression(where); err != nil {
			return nil, fmt.Errorf("--where: %w", err)
		}
	}

	w, err := flowrec.LoadWindow(path)
	if err != nil {
		return nil, err
	}
	printer.Fprintf(out, "Loaded %d records from %s\n", len(w), path)

	if where == "" {
		return w, nil
	}
	filter, err := query.Compile(where)
	if err != nil {
		return nil, err
	}
	selected, errs := filter.Apply(w)
	for _, e := range errs {
		fmt.Fprintf(out, "filter: %s\n", e)
	}
	printer.Fprintf(out, "Selected %d of %d records\n", len(selected), len(w))
	return selected, nil
}
