package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runfleet/runfleet"
	"github.com/runfleet/runfleet/internal/api"
	"github.com/runfleet/runfleet/internal/config"
	"github.com/runfleet/runfleet/internal/fleet"
	"github.com/runfleet/runfleet/internal/runner"
)

// setup loads the config, installs the default logger and builds a manager
// wired to the control plane and the provisioning hooks.
func setup(gf *GlobalFlags) (*config.Config, *runfleet.Manager, error) {
	cfg, err := config.Load(gf.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	lg := cfg.Log.NewSlogger()
	slog.SetDefault(lg)
	_ = runfleet.RegisterMetricsDefault()

	opts := fleet.Options{
		BaseDir: cfg.BaseDir,
		Log:     cfg.Log,
		StopPolicy: runner.StopPolicy{
			GracefulTimeout:  cfg.Stop.GracefulTimeout,
			TerminateTimeout: cfg.Stop.TerminateTimeout,
			KillTimeout:      cfg.Stop.KillTimeout,
		},
		Logger: lg,
	}
	if cfg.ControlPlaneURL != "" {
		opts.ControlPlane = api.New(api.Config{
			BaseURL: cfg.ControlPlaneURL,
			Token:   cfg.Token,
			Retry: api.RetryPolicy{
				MaxAttempts:  cfg.Retry.MaxAttempts,
				InitialDelay: cfg.Retry.InitialDelay,
				Multiplier:   cfg.Retry.Multiplier,
			},
			Logger: lg,
		})
	}
	opts.Provisioner = fleet.CommandProvisioner{
		ProvisionCommand:  cfg.ProvisionCommand,
		DeregisterCommand: cfg.DeregisterCommand,
	}
	if cfg.History.DSN != "" {
		sink, err := runfleet.NewHistorySink(cfg.History.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("history sink: %w", err)
		}
		opts.Sinks = []runfleet.HistorySink{sink}
	}
	return cfg, runfleet.New(opts), nil
}

// initGroup parses owner/repo, validates it remotely and adopts any runners
// still alive from previous invocations.
func initGroup(ctx context.Context, mgr *runfleet.Manager, cfg *config.Config, arg string) (runfleet.Group, error) {
	g, err := runfleet.ParseGroup(arg)
	if err != nil {
		return g, err
	}
	for _, gc := range cfg.Groups {
		if gc.Owner == g.Owner && gc.Repo == g.Repo {
			g.Labels = gc.Labels
		}
	}
	if err := mgr.InitializeGroup(ctx, g); err != nil {
		return g, err
	}
	return g, nil
}

func newScaleCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scale <owner/repo> <count>",
		Short: "Reconcile a group to the target runner count",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[1])
			if err != nil || count < 0 {
				return fmt.Errorf("invalid count %q", args[1])
			}
			cfg, mgr, err := setup(gf)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			g, err := initGroup(ctx, mgr, cfg, args[0])
			if err != nil {
				return err
			}
			if err := mgr.Scale(ctx, g.Key(), count); err != nil {
				return err
			}
			fmt.Printf("group %s scaled to %d\n", g.Slug(), count)
			return nil
		},
	}
}

func newApplyCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Reconcile every configured group to its declared count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, mgr, err := setup(gf)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			for _, gc := range cfg.Groups {
				g := runfleet.Group{Owner: gc.Owner, Repo: gc.Repo, Labels: gc.Labels}
				if err := mgr.InitializeGroup(ctx, g); err != nil {
					return err
				}
				if err := mgr.Scale(ctx, g.Key(), gc.Count); err != nil {
					return err
				}
				fmt.Printf("group %s scaled to %d\n", g.Slug(), gc.Count)
			}
			return nil
		},
	}
}

func newStatusCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [owner/repo]",
		Short: "Report runner states for one group or all configured groups",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, mgr, err := setup(gf)
			if err != nil {
				return err
			}
			var keys []string
			if len(args) == 1 {
				g, err := runfleet.ParseGroup(args[0])
				if err != nil {
					return err
				}
				keys = []string{g.Key()}
			} else {
				for _, gc := range cfg.Groups {
					keys = append(keys, runfleet.Group{Owner: gc.Owner, Repo: gc.Repo}.Key())
				}
			}
			sort.Strings(keys)
			for _, key := range keys {
				entries, err := mgr.Report(key)
				if err != nil {
					return err
				}
				fmt.Printf("%s:\n", key)
				if len(entries) == 0 {
					fmt.Println("  (no runners)")
					continue
				}
				for _, e := range entries {
					switch {
					case e.PID > 0 && !e.StartedAt.IsZero():
						fmt.Printf("  %-24s %-8s pid=%d up=%s\n",
							e.ID, e.State, e.PID, time.Since(e.StartedAt).Round(time.Second))
					case e.PID > 0:
						fmt.Printf("  %-24s %-8s pid=%d\n", e.ID, e.State, e.PID)
					default:
						fmt.Printf("  %-24s %-8s\n", e.ID, e.State)
					}
				}
			}
			return nil
		},
	}
}

func newStopCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <owner/repo>",
		Short: "Stop all running runners of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, mgr, err := setup(gf)
			if err != nil {
				return err
			}
			g, err := initGroup(cmd.Context(), mgr, cfg, args[0])
			if err != nil {
				return err
			}
			if err := mgr.StopGroup(g.Key()); err != nil {
				return err
			}
			fmt.Printf("group %s stopped\n", g.Slug())
			return nil
		},
	}
}

func newRemoveCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <owner/repo>",
		Short: "Stop, de-register and delete all runners of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, mgr, err := setup(gf)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			g, err := initGroup(ctx, mgr, cfg, args[0])
			if err != nil {
				return err
			}
			if err := mgr.RemoveGroup(ctx, g.Key()); err != nil {
				return err
			}
			fmt.Printf("group %s removed\n", g.Slug())
			return nil
		},
	}
}

func newGhostsCmd(gf *GlobalFlags) *cobra.Command {
	flags := &GhostFlags{}
	cmd := &cobra.Command{
		Use:   "ghosts <owner/repo>",
		Short: "List (and optionally purge) stale pidfiles of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mgr, err := setup(gf)
			if err != nil {
				return err
			}
			g, err := runfleet.ParseGroup(args[0])
			if err != nil {
				return err
			}
			entries, err := mgr.Report(g.Key())
			if err != nil {
				return err
			}
			ghosts := 0
			for _, e := range entries {
				if e.State == fleet.StateGhost {
					ghosts++
					fmt.Printf("%s pid=%d\n", e.ID, e.PID)
				}
			}
			if ghosts == 0 {
				fmt.Println("no ghosts")
				return nil
			}
			if flags.Purge {
				n, err := mgr.PurgeGhosts(g.Key())
				if err != nil {
					return err
				}
				fmt.Printf("purged %d ghost pidfile(s)\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Purge, "purge", false, "remove the stale pidfiles")
	return cmd
}

func newServeCmd(gf *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, keeping configured groups initialized",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, mgr, err := setup(gf)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			for _, gc := range cfg.Groups {
				g := runfleet.Group{Owner: gc.Owner, Repo: gc.Repo, Labels: gc.Labels}
				if err := mgr.InitializeGroup(ctx, g); err != nil {
					return err
				}
			}
			srv := runfleet.NewHTTPServer(flags.Listen, flags.BasePath, mgr)
			slog.Info("serving fleet API", "addr", flags.Listen, "base", flags.BasePath)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			slog.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", ":8080", "listen address")
	cmd.Flags().StringVar(&flags.BasePath, "base", "/api", "API base path")
	return cmd
}
