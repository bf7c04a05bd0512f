package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/harvest"
)

func newScrapeCmd() *cobra.Command {
	var all, deliver bool
	cmd := &cobra.Command{
		Use:   "scrape [slug...]",
		Short: "Harvest one or more organizations and print JSON to stdout",
		Long: `With a single slug, scrape prints that organization's record array.
With several slugs or --all it prints one object per organization.
--deliver also writes the results through the configured sink.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !all && len(args) == 0 {
				return errors.New("specify at least one organization slug or --all")
			}
			cfg := a.Config()
			out := cmd.OutOrStdout()

			orgs := cfg.Organizations
			if !all {
				orgs = make([]harvest.Organization, 0, len(args))
				for _, slug := range args {
					org, err := cfg.Organization(slug)
					if err != nil {
						if encErr := writeJSON(out, map[string]string{"error": err.Error()}); encErr != nil {
							return encErr
						}
						return err
					}
					orgs = append(orgs, org)
				}
			}

			if len(args) == 1 && !all && !deliver {
				return writeJSON(out, a.Run(cmd.Context(), orgs[0]))
			}

			harvests := a.RunAll(cmd.Context(), orgs)
			if deliver {
				receipt, err := a.Deliver(cmd.Context(), harvests)
				if err != nil {
					zap.L().Error("delivery failed", zap.Error(err))
				} else {
					zap.L().Info("delivered", zap.String("run_id", receipt.RunID), zap.Int("records", receipt.Records))
				}
			}
			if len(args) == 1 && !all {
				return writeJSON(out, harvests[0].Records)
			}
			return writeJSON(out, harvests)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "harvest every configured organization")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "also write results through the configured sink")
	return cmd
}

func newOrgsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orgs",
		Short: "List configured organization slugs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, slug := range a.Config().Slugs() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), slug); err != nil {
					return fmt.Errorf("write slug: %w", err)
				}
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
