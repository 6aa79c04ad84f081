package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/indexmirror/internal/config"
	"github.com/alexjbarnes/indexmirror/internal/harvest"
	"github.com/alexjbarnes/indexmirror/internal/notify"
	"github.com/alexjbarnes/indexmirror/internal/reconcile"
	"github.com/alexjbarnes/indexmirror/internal/remote"
	"github.com/alexjbarnes/indexmirror/internal/retry"
	"github.com/alexjbarnes/indexmirror/internal/store"
	"github.com/alexjbarnes/indexmirror/internal/store/boltstore"
	"github.com/alexjbarnes/indexmirror/internal/store/s3store"
)

// app holds the components built from one configuration.
type app struct {
	store     store.Store
	driver    *reconcile.Driver
	harvester *harvest.Harvester
	logger    *slog.Logger
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	st, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.store = st

	client, err := remote.NewClient(remote.Options{
		BaseURL:   cfg.RemoteBaseURL,
		RootURL:   cfg.RemoteRootURL,
		UserAgent: cfg.RemoteUserAgent,
		Timeout:   cfg.RemoteTimeout,
		List:      retry.Exponential(cfg.ListMaxAttempts, cfg.ListBackoffBase),
	}, logger.With(slog.String("component", "remote")))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating remote client: %w", err)
	}

	logger.Debug("remote client ready", slog.String("base_url", client.BaseURL()))

	notifier := newNotifier(cfg, logger)
	actionRetry := retry.Linear(cfg.ActionMaxAttempts, cfg.ActionBackoffBase)

	exec := reconcile.NewExecutor(reconcile.ExecutorConfig{
		Fetcher:   client,
		Store:     st,
		Notifier:  notifier,
		Retry:     actionRetry,
		KeyPrefix: cfg.KeyPrefix,
	}, logger.With(slog.String("component", "executor")))

	a.driver = reconcile.NewDriver(reconcile.DriverConfig{
		Lister:      client,
		Store:       st,
		Executor:    exec,
		KeyPrefix:   cfg.KeyPrefix,
		Workers:     cfg.Workers,
		PassTimeout: cfg.PassTimeout,
	}, logger.With(slog.String("component", "driver")))

	if cfg.HarvestURL != "" {
		a.harvester = harvest.New(harvest.Config{
			URL:       cfg.HarvestURL,
			KeyPrefix: cfg.HarvestKeyPrefix,
			UserAgent: cfg.RemoteUserAgent,
			Store:     st,
			Notifier:  notifier,
			Retry:     actionRetry,
		}, logger.With(slog.String("component", "harvest")))
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendS3:
		st, err := s3store.New(ctx, s3store.Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("opening s3 store: %w", err)
		}

		a.logger.Debug("using s3 store", slog.String("bucket", cfg.S3Bucket))

		return st, nil

	case config.BackendBolt:
		st, err := boltstore.Open(cfg.BoltPath, boltstore.DefaultPageSize)
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}

		a.closers = append(a.closers, st.Close)
		a.logger.Debug("using bolt store", slog.String("path", cfg.BoltPath))

		return st, nil
	}

	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// newNotifier announces written keys ending in NOTIFY_SUFFIX to the log
// and, when configured, the webhook.
func newNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	targets := notify.Multi{notify.Logger{Log: logger.With(slog.String("component", "notify"))}}

	if cfg.NotifyWebhookURL != "" {
		targets = append(targets, notify.NewWebhook(cfg.NotifyWebhookURL))
	}

	return notify.SuffixFilter{Suffix: cfg.NotifySuffix, Next: targets}
}

// Close releases the store.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("closing store", slog.String("error", err.Error()))
		}
	}

	a.closers = nil
}
