// Command catalog-ingest loads stock record exports into the offers database.
package main

import (
	"context"
	"path/filepath"
	"slices"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/oolio-offers/internal/storage/postgres"
)

type config struct {
	DatabaseURL string `env:"DATABASE_URL" usage:"PostgreSQL connection URL" flag:"database-url"`
	DataDir     string `default:"data" usage:"Directory containing *.csv.gz stock record exports" flag:"data-dir"`
	Expected    uint   `default:"10000000" usage:"Expected records per file, sizes the bloom filters"`
	BatchSize   int    `default:"1000" usage:"Records per database batch" flag:"batch-size"`
}

func loadConfig() (*config, error) {
	var cfg config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFiles: true,
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set --database-url or DATABASE_URL")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	return &cfg, nil
}

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(ctx, lg, cfg)
	})
}

func run(ctx context.Context, lg *zap.Logger, cfg *config) error {
	files, err := filepath.Glob(filepath.Join(cfg.DataDir, "*.csv.gz"))
	if err != nil {
		return errors.Wrap(err, "list exports")
	}
	if len(files) == 0 {
		lg.Info("No exports found", zap.String("dir", cfg.DataDir))
		return nil
	}
	slices.Sort(files)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	lg.Info("Ingesting stock records", zap.Strings("files", files))
	in := newIngester(postgres.NewStockRecordRepository(pool), cfg.Expected, cfg.BatchSize)
	s, err := in.Run(ctx, files)
	if err != nil {
		return errors.Wrap(err, "ingest")
	}

	lg.Info("Catalog ingest completed",
		zap.Int("written", s.Written),
		zap.Int("duplicates", s.Skipped),
		zap.Int("invalid", s.Invalid),
	)
	return nil
}
