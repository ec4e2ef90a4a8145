package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kv-sharding/kvcoord/pkg/config"
	"github.com/kv-sharding/kvcoord/pkg/coord"
	"github.com/kv-sharding/kvcoord/pkg/coordinator"
	"github.com/kv-sharding/kvcoord/pkg/kvlog"
	"github.com/kv-sharding/kvcoord/pkg/proxyclient"
	"github.com/kv-sharding/kvcoord/pkg/stopgroup"
	"github.com/kv-sharding/kvcoord/qdb"
)

// App owns the coordination loops. Each loop runs one pass per tick; pass
// failures are logged and retried on the next tick, never escalated.
type App struct {
	db      qdb.QDB
	proxies proxyclient.Client

	stop *stopgroup.StopHandle
}

func NewApp(db qdb.QDB, proxies proxyclient.Client) *App {
	return &App{
		db:      db,
		proxies: proxies,
	}
}

// Run blocks until Stop is called or ctx is canceled. Both are clean
// shutdowns.
func (app *App) Run(ctx context.Context) error {
	kvlog.Zero.Info().Msg("running coordinator app")

	loops, stop := stopgroup.WithStop(func(ctx context.Context) (struct{}, error) {
		return struct{}{}, app.runLoops(ctx)
	})
	app.stop = stop
	defer stop.Close()

	_, ok, err := loops.Run(ctx)
	if !ok || errors.Is(err, context.Canceled) {
		kvlog.Zero.Debug().Msg("exit coordinator app")
		return nil
	}
	return err
}

// Stop signals every loop to wind down at its next suspension point.
func (app *App) Stop() {
	if app.stop != nil {
		app.stop.Stop()
	}
}

func (app *App) runLoops(ctx context.Context) error {
	cfg := config.CoordinatorConfig()

	adapter := coord.NewAdapter(app.db, app.proxies, cfg.ReporterID)
	pingChecker := coord.NewPingChecker(app.proxies)
	migrationChecker := coord.NewMigrationChecker(app.proxies)

	detector := coordinator.NewFailureDetector(
		adapter, pingChecker, adapter,
		cfg.DetectBatchSize, cfg.BatchTimeout)
	handler := coordinator.NewFailureHandler(
		adapter, adapter,
		cfg.SyncBatchSize, cfg.BatchTimeout)
	hostMetaSync := coordinator.NewHostMetaSynchronizer(
		adapter, adapter, adapter,
		cfg.SyncBatchSize, cfg.BatchTimeout)
	migrationSync := coordinator.NewMigrationStateSynchronizer(
		adapter, migrationChecker, adapter, adapter, adapter,
		cfg.SyncBatchSize, cfg.BatchTimeout)

	group, ctx := errgroup.WithContext(ctx)

	// Detection and handling are paired: if either loop winds down, the
	// other stops at its next suspension point instead of reporting or
	// recovering against a half-shut coordinator.
	detectLoop, handleLoop := stopgroup.Pair(
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, app.tickPass(ctx, cfg.FailureDetectInterval, "failure detection", detector.Run)
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, app.tickStream(ctx, cfg.FailureHandleInterval, "failure handling", handler.Run)
		},
	)

	group.Go(func() error {
		_, _, err := detectLoop.Run(ctx)
		return err
	})
	group.Go(func() error {
		_, _, err := handleLoop.Run(ctx)
		return err
	})
	group.Go(func() error {
		return app.tickStream(ctx, cfg.HostMetaSyncInterval, "host meta sync", hostMetaSync.Run)
	})
	group.Go(func() error {
		return app.tickStream(ctx, cfg.MigrationSyncInterval, "migration sync", migrationSync.Run)
	})

	return group.Wait()
}

func (app *App) tickPass(ctx context.Context, interval time.Duration, name string, run func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := run(ctx); err != nil {
				kvlog.Zero.Error().
					Err(err).
					Str("loop", name).
					Msg("coordination pass failed")
			}
		}
	}
}

func (app *App) tickStream(ctx context.Context, interval time.Duration, name string, run func(context.Context) <-chan error) error {
	return app.tickPass(ctx, interval, name, func(ctx context.Context) error {
		var res error
		for err := range run(ctx) {
			if err != nil && res == nil {
				res = err
			}
		}
		return res
	})
}
