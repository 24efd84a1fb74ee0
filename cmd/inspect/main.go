package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/rpc"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

var (
	dbPath  string
	jsonOut bool
)

// #region main

func main() {
	root := &cobra.Command{
		Use:           "inspect",
		Short:         "Inspect determinations, the run log and adjustments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "oref_loop.db", "path to the loop database")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of a table")
	root.AddCommand(determinationsCmd(), currentCmd(), runsCmd(), overrideCmd(), tempTargetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*state.Store, error) {
	store, err := state.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return store, nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// #endregion main

// #region determinations

func determinationsCmd() *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "determinations",
		Short: "List the most recent determinations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListDeterminations(last)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no determinations found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DELIVER AT\tRATE\tDURATION\tUNITS\tEVENTUAL\tREASON")
			for _, d := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					timeText(d.DeliverAt), floatText(d.Rate), intText(d.Duration),
					floatText(d.Units), floatText(d.EventualBG), truncate(d.Reason, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&last, "last", 20, "show N most recent determinations")
	return cmd
}

func currentCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the current determination, from the database or a running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			var d *state.Determination
			if addr != "" {
				c, err := rpc.Dial(addr)
				if err != nil {
					return err
				}
				defer c.Close()
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				if d, err = c.CurrentDetermination(ctx); err != nil {
					return err
				}
			} else {
				store, err := openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				cur, err := store.CurrentDetermination()
				if err != nil && !errors.Is(err, state.ErrNotFound) {
					return err
				}
				if err == nil {
					d = &cur
				}
			}
			if d == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "no current determination")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "query a running controller at this gRPC address")
	return cmd
}

// #endregion determinations

// #region runs

func runsCmd() *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the pipeline run log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := logging.ListRuns(store.DB(), last)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tOPERATION\tOUTCOME\tRESULT\tREASON")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Format(time.RFC3339), r.Operation, r.Outcome, r.ResultID, truncate(r.Reason, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&last, "last", 20, "show N most recent runs")
	return cmd
}

// #endregion runs

// #region adjustments

func overrideCmd() *cobra.Command {
	var o state.Override
	var addr string
	var cancelIt bool
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Enact or cancel an override on a running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rpc.Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if cancelIt {
				ok, err := c.CancelOverride(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled: %t\n", ok)
				return nil
			}
			out, err := c.EnactOverride(ctx, o)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "localhost:50052", "controller gRPC address")
	f.BoolVar(&cancelIt, "cancel", false, "cancel the enabled override")
	f.StringVar(&o.Name, "name", "", "override name")
	f.Float64Var(&o.Percentage, "percentage", 100, "insulin percentage")
	f.Float64Var(&o.Duration, "duration", 60, "duration in minutes")
	f.BoolVar(&o.Indefinite, "indefinite", false, "never expire")
	f.Float64Var(&o.Target, "target", 0, "target override, 0 keeps the profile target")
	f.BoolVar(&o.SMBIsOff, "smb-off", false, "disable microboluses while active")
	return cmd
}

func tempTargetCmd() *cobra.Command {
	var t state.TempTarget
	var addr string
	var cancelIt bool
	cmd := &cobra.Command{
		Use:   "temp-target",
		Short: "Enact or cancel a temp target on a running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rpc.Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if cancelIt {
				ok, err := c.CancelTempTarget(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled: %t\n", ok)
				return nil
			}
			if t.TargetTop == 0 {
				t.TargetTop = t.TargetBottom
			}
			out, err := c.EnactTempTarget(ctx, t)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "localhost:50052", "controller gRPC address")
	f.BoolVar(&cancelIt, "cancel", false, "cancel the enabled temp target")
	f.StringVar(&t.Name, "name", "", "temp target name")
	f.Float64Var(&t.TargetBottom, "target", 100, "target glucose")
	f.Float64Var(&t.TargetTop, "top", 0, "upper target, defaults to --target")
	f.Float64Var(&t.Duration, "duration", 60, "duration in minutes")
	f.StringVar(&t.Reason, "reason", "", "free-text reason")
	return cmd
}

// #endregion adjustments

// #region format

func timeText(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func floatText(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *f)
}

func intText(i *int) string {
	if i == nil {
		return "-"
	}
	return fmt.Sprint(*i)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// #endregion format
