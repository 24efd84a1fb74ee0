package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/replay"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/script"
)

// exitMismatch is returned when a step misses its expected outcome.
const exitMismatch = 3

// #region main

func main() {
	var (
		scriptsDir string
		weight     float64
		smb        bool
		logLevel   string
	)
	var mismatches int

	cmd := &cobra.Command{
		Use:           "replay FIXTURE...",
		Short:         "Replay fixture files through determine-basal",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(logLevel, true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			env := replay.Env{
				Runner:            script.NewEngine(logger, logging.NewNormalizer(logger, logging.DefaultRules)),
				Scripts:           script.NewLibrary(scriptsDir, nil, logger),
				Logger:            logger,
				TDDWeight:         weight,
				MicroBolusAllowed: smb,
			}

			for _, path := range args {
				f, err := replay.LoadFixture(path)
				if err != nil {
					return err
				}
				report, err := replay.Replay(cmd.Context(), f, env)
				if err != nil {
					return fmt.Errorf("replay %s: %w", path, err)
				}
				mismatches += printReport(cmd, path, f, report)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scriptsDir, "scripts", "javascript", "directory holding the stage scripts")
	cmd.Flags().Float64Var(&weight, "tdd-weight", 0.65, "weight of the 2h TDD average")
	cmd.Flags().BoolVar(&smb, "smb", false, "allow microboluses")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if mismatches > 0 {
		os.Exit(exitMismatch)
	}
}

// #endregion main

// #region report

func printReport(cmd *cobra.Command, path string, f *replay.Fixture, report *replay.Report) int {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s\n", path, f.Description)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tRATE\tDURATION\tRESULT\tREASON")
	for _, r := range report.Results {
		rate, duration, reason := "-", "-", ""
		if d := r.Determination; d != nil {
			if d.Rate != nil {
				rate = fmt.Sprintf("%.2f", *d.Rate)
			}
			if d.Duration != nil {
				duration = fmt.Sprint(*d.Duration)
			}
			reason = d.Reason
		}
		verdict := "ok"
		if r.Mismatch != "" {
			verdict = "MISMATCH " + r.Mismatch
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.StepID, rate, duration, verdict, reason)
	}
	tw.Flush()

	s := replay.Summarize(report.Results)
	fmt.Fprintf(out, "steps=%d results=%d no_result=%d mismatches=%d stored=%d\n\n",
		s.Steps, s.Results, s.NoResults, s.Mismatches, report.Stored)
	return s.Mismatches
}

// #endregion report
