package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oolio-offers/internal/cache"
	"github.com/xenking/oolio-offers/internal/catalogapi"
	"github.com/xenking/oolio-offers/internal/domain/money"
	"github.com/xenking/oolio-offers/internal/domain/offer"
	"github.com/xenking/oolio-offers/internal/domain/productrange"
	"github.com/xenking/oolio-offers/internal/enterprise"
	"github.com/xenking/oolio-offers/internal/handler"
	"github.com/xenking/oolio-offers/internal/storage/postgres"
	"github.com/xenking/oolio-offers/pkg/health"
	"github.com/xenking/oolio-offers/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("cache", cfg.Cache.Backend),
		zap.Bool("enterprise", cfg.Enterprise.Enabled),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Range membership cache.
	var membershipCache productrange.Cache
	switch cfg.Cache.Backend {
	case CacheRedis:
		rc, err := cache.DialRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rc.Close() }()
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck(rc))
		membershipCache = rc
	default:
		mc := cache.NewMemory()
		go mc.RunSweeper(ctx, cfg.Cache.SweepInterval)
		membershipCache = mc
	}

	// Remote services.
	catalog, err := catalogapi.NewClient(cfg.Catalog,
		catalogapi.WithTracerProvider(m.TracerProvider()),
		catalogapi.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create catalog client")
	}
	linker, err := enterprise.NewClient(cfg.Enterprise, m.TracerProvider(), nil)
	if err != nil {
		return errors.Wrap(err, "create enterprise client")
	}

	// Repositories.
	rangeRepo := postgres.NewRangeRepository(pool)
	offerRepo := postgres.NewOfferRepository(pool)
	stockRepo := postgres.NewStockRecordRepository(pool)
	rangeProducts := postgres.NewRangeProducts(pool)

	// Domain services.
	resolver, err := productrange.NewResolver(catalog, membershipCache, stockRepo, rangeProducts, productrange.ResolverConfig{
		CacheTTL:       cfg.Cache.TTL,
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create range resolver")
	}
	evaluator := offer.NewEvaluator(resolver, linker, offer.EvaluatorConfig{
		LookupConcurrency: cfg.Evaluation.LookupConcurrency,
		RoundingMode:      money.RoundingMode(cfg.Evaluation.RoundingMode),
	})

	h := handler.New(handler.Config{
		DefaultSite: productrange.Site{Domain: cfg.Site.Domain, PartnerCode: cfg.Site.PartnerCode},
	}, rangeRepo, offerRepo, resolver, evaluator)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		// Labeler and LogRequests read the matched route from the request
		// the mux received, so they wrap it directly.
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.RequestID(),
			httpmiddleware.Instrument("offers-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.Labeler(),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
