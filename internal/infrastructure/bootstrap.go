package infrastructure

import (
	"context"
	"log/slog"

	"renderq/internal/config"
	"renderq/internal/engine"
	"renderq/internal/provider"
	"renderq/internal/repository"
	"renderq/internal/service"
	"renderq/internal/storage"
	transportHTTP "renderq/internal/transport/http"
	transportNATS "renderq/internal/transport/nats"
	"renderq/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)

	// ── Engine wiring ──────────────────────────────────────────────────────
	bus := transportNATS.NewBus(nc)
	ledgerRepo := repository.NewLedgerRepo(db, rdb)
	queueRepo := repository.NewQueueRepo(db, rdb)
	limiterRepo := repository.NewLimiterRepo(db)
	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	archiver := storage.NewMediaStoreClient(cfg.MediaStoreBaseURL)

	callbackURL := cfg.CallbackBaseURL + "/webhooks/provider"
	eng := engine.New(queueRepo, ledgerRepo, limiterRepo, providerClient, archiver, bus, callbackURL, slog.Default())
	var svc service.GenerationService = eng

	servers := []Server{
		transportHTTP.NewServer(cfg.ApiAddr(), svc),
		transportNATS.NewDispatchHandler(svc, nc, cfg.DispatchGroup),
		worker.NewSweeperWorker(svc, cfg.SweepInterval, cfg.StaleThreshold),
	}

	if addr, metricsErr := cfg.MetricsAddr(); metricsErr == nil {
		servers = append(servers, newMetricsServer(addr))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
