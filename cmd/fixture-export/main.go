package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/filestore"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/replay"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/resources"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

// exported lists the settings documents a determine-basal replay reads.
var exported = []string{
	orchestrator.ProfileFile,
	orchestrator.BasalProfileFile,
	orchestrator.AutosensFile,
	orchestrator.ReservoirFile,
	orchestrator.PreferencesFile,
}

// #region main

func main() {
	var (
		dbPath      string
		settingsDir string
		outPath     string
		hours       int
		until       string
	)

	cmd := &cobra.Command{
		Use:           "fixture-export",
		Short:         "Export a history window and its settings as a replay fixture",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("--until: %w", err)
				}
				end = t
			}

			store, err := state.NewStore(dbPath)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer store.Close()
			settings := filestore.New(settingsDir, resources.Defaults)

			f, err := replay.Export(store, settings, exported, end.Add(-time.Duration(hours)*time.Hour), end)
			if err != nil {
				return err
			}
			if err := replay.SaveFixture(outPath, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d glucose, %d pump events, %d carbs\n",
				outPath, len(f.Glucose), len(f.PumpEvents), len(f.Carbs))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dbPath, "db", "oref_loop.db", "path to the loop database")
	f.StringVar(&settingsDir, "settings", "settings", "settings directory")
	f.StringVar(&outPath, "out", "", "output fixture path (.json, .yaml or .yml)")
	f.IntVar(&hours, "hours", 24, "hours of history to export")
	f.StringVar(&until, "until", "", "end of the window, RFC3339 (default now)")
	_ = cmd.MarkFlagRequired("out")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main
