package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/indexmirror/internal/config"
	"github.com/alexjbarnes/indexmirror/internal/logging"
	"github.com/alexjbarnes/indexmirror/internal/store"
	"github.com/spf13/cobra"
)

var Version = "dev"

// Global flags
var outputFormat string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "indexmirror",
	Short: "Mirror an HTTP directory listing into an object store",
	Long: `indexmirror reconciles an object store against a remote HTTP directory
index: new files are uploaded, changed files are replaced, and files no
longer listed are deleted. Every pass is idempotent.

Configuration is read from the environment and an optional .env file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		switch outputFormat {
		case formatText, formatJSON, formatYAML:
			return nil
		}

		return fmt.Errorf("unknown --format %q (want %s, %s or %s)", outputFormat, formatText, formatJSON, formatYAML)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass",
	Long: `Sync lists the remote directory, reads the store inventory, and
creates, updates or deletes keys until the store matches the listing.

A pass that cannot read the listing or the inventory changes nothing and
exits non-zero. Per-key failures are reported and also exit non-zero.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Fetch the configured JSON API and store a timestamped copy",
	Args:  cobra.NoArgs,
	RunE:  runHarvest,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run sync and harvest on a fixed interval",
	Long: `Serve runs a sync pass followed by a harvest immediately and then every
SCHEDULE_INTERVAL until interrupted. A failed run is logged and the next
one proceeds as scheduled.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Print every stored key under KEY_PREFIX with its tag",
	Args:  cobra.NoArgs,
	RunE:  runInventory,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatText, "report format (text, json, yaml)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(harvestCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inventoryCmd)
}

// setup loads configuration and a logger writing to the command's stderr.
// Stdout carries only reports.
func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cmd.ErrOrStderr(), cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)

	return ctx, stop, cfg, logger, nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop, cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.driver.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if err := writeReport(cmd.OutOrStdout(), outputFormat, res); err != nil {
		return err
	}

	if res.Failed > 0 {
		return fmt.Errorf("sync: %d of %d actions failed", res.Failed, res.Total())
	}

	return nil
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	ctx, stop, cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.harvester == nil {
		return errors.New("harvest: HARVEST_URL is not set")
	}

	key, err := a.harvester.Run(ctx)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}

	return writeReport(cmd.OutOrStdout(), outputFormat, harvestReport{Key: key})
}

func runInventory(cmd *cobra.Command, _ []string) error {
	ctx, stop, cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	inv, err := store.ReadInventory(ctx, a.store, cfg.KeyPrefix)
	if err != nil {
		return fmt.Errorf("inventory: %w", err)
	}

	return writeReport(cmd.OutOrStdout(), outputFormat, newInventoryReport(inv))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop, cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()

	logger.Info("indexmirror starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreBackend),
		slog.Duration("interval", cfg.ScheduleInterval),
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.serve(ctx, cfg.ScheduleInterval)
}

// serve runs scheduled passes until ctx ends. Runs never overlap: a pass
// that outlasts the interval delays the next tick.
func (a *app) serve(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.runScheduled(ctx)

		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func (a *app) runScheduled(ctx context.Context) {
	if _, err := a.driver.RunOnce(ctx); err != nil {
		a.logger.Error("scheduled sync failed", slog.String("error", err.Error()))
	}

	if a.harvester == nil || ctx.Err() != nil {
		return
	}

	if _, err := a.harvester.Run(ctx); err != nil {
		a.logger.Error("scheduled harvest failed", slog.String("error", err.Error()))
	}
}
