package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/config"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/filestore"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/oref2"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/resources"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/rpc"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/script"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

// autosensEvery is how many loop ticks pass between autosens refreshes.
const autosensEvery = 6

var configPath string

// #region main
func main() {
	root := &cobra.Command{
		Use:           "controller",
		Short:         "Closed-loop determination controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "loop.yaml", "path to the YAML config")
	root.AddCommand(serveCmd(), onceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
// #endregion main

// #region wiring
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *state.Store
	settings *filestore.Store
	library  *script.Library
	orch     *orchestrator.Orchestrator
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	settings := filestore.New(cfg.SettingsDir, resources.Defaults)
	library := script.NewLibrary(cfg.ScriptsDir, settings, logger)
	engine := script.NewEngine(logger, logging.NewNormalizer(logger, logging.DefaultRules))

	orch := orchestrator.New(orchestrator.Config{
		Runner:            engine,
		Scripts:           library,
		History:           store,
		Settings:          settings,
		Resolver:          oref2.NewResolver(store, settings, cfg.TDDWeight, logger),
		RunLog:            store.DB(),
		Logger:            logger,
		MicroBolusAllowed: cfg.MicroBolusAllowed,
		GlucoseLimit:      cfg.GlucoseLimit,
	})

	return &app{cfg: cfg, logger: logger, store: store, settings: settings, library: library, orch: orch}, nil
}

func (a *app) close() {
	a.orch.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
// #endregion wiring

// #region serve
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the loop on its cadence and serve the gRPC API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	interval, err := a.cfg.LoopInterval()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}

	srv := grpc.NewServer()
	rpc.Register(srv, rpc.NewServer(a.orch, a.store, a.logger))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("serving", zap.String("addr", lis.Addr().String()))
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.GracefulStop()
		return nil
	})
	g.Go(func() error {
		if err := a.library.Watch(ctx); err != nil {
			a.logger.Warn("script cache will not refresh", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		a.loop(ctx, interval)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// loop runs one iteration immediately and then one per interval.
func (a *app) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for tick := 0; ; tick++ {
		if tick%autosensEvery == 0 {
			a.orch.Autosens(ctx)
		}
		a.iterate(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) iterate(ctx context.Context) {
	d := a.orch.DetermineBasal(ctx, a.orch.CurrentTempBasal(), time.Now())
	if d == nil {
		a.logger.Warn("loop produced no determination")
		return
	}
	a.logger.Info("loop", zap.String("id", d.ID), zap.String("reason", d.Reason))
}
// #endregion serve

// #region once
func onceCmd() *cobra.Command {
	var profiles bool
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single loop iteration and print the determination",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if profiles && a.orch.MakeProfiles(ctx, true) == nil {
				return errors.New("make profiles produced no result")
			}
			d := a.orch.DetermineBasal(ctx, a.orch.CurrentTempBasal(), time.Now())
			a.orch.Sync()
			if d == nil {
				return errors.New("no determination")
			}
			out, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&profiles, "profiles", false, "rebuild profiles before determining")
	return cmd
}
// #endregion once
