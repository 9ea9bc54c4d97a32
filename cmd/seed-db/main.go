// Command seed-db loads demo products, ranges and offers.
package main

import (
	"context"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/oolio-offers/internal/domain/offer"
	"github.com/xenking/oolio-offers/internal/domain/productrange"
	"github.com/xenking/oolio-offers/internal/storage/postgres"
)

type config struct {
	DatabaseURL        string `env:"DATABASE_URL" usage:"PostgreSQL connection URL" flag:"database-url"`
	EnterpriseCustomer string `usage:"Enterprise customer UUID for the enterprise demo offer" flag:"enterprise-customer"`
}

var demoStock = []postgres.StockRecord{
	{CatalogID: 1, Product: productrange.Product{ID: 1, CourseID: "course-v1:edX+DemoX+Demo_Course", CertificateType: "verified"}},
	{CatalogID: 1, Product: productrange.Product{ID: 2, CourseID: "course-v1:edX+DemoX+Demo_Course", CertificateType: "audit"}},
	{CatalogID: 2, Product: productrange.Product{ID: 3, CourseID: "course-v1:MITx+6.00.1x+2T2026", CertificateType: "verified"}},
	{CatalogID: 2, Product: productrange.Product{ID: 4, CourseID: "course-v1:HarvardX+CS50+X", CertificateType: "professional"}},
}

type demoRange struct {
	name string
	cfg  productrange.Config
}

type demoOffer struct {
	rangeName string
	offer     offer.ConditionalOffer
}

func ptr[T any](v T) *T { return &v }

func demoRanges() []demoRange {
	return []demoRange{
		{name: "demo-static-catalog", cfg: productrange.Config{CatalogID: ptr(int64(1))}},
		{name: "demo-edx-query", cfg: productrange.Config{
			CatalogQuery:    ptr("org:edX"),
			CourseSeatTypes: ptr("verified,professional"),
		}},
		{name: "demo-course-catalog", cfg: productrange.Config{
			CourseCatalog:   ptr(int64(42)),
			CourseSeatTypes: ptr("verified"),
		}},
		{name: "demo-everything", cfg: productrange.Config{IncludesAllProducts: true}},
	}
}

func demoOffers(enterpriseCustomer uuid.NullUUID) []demoOffer {
	offers := []demoOffer{
		{rangeName: "demo-static-catalog", offer: offer.ConditionalOffer{
			Name:    "Static catalog 20% off",
			Benefit: offer.Benefit{Type: offer.BenefitPercentage, Value: decimal.NewFromInt(20)},
		}},
		{rangeName: "demo-edx-query", offer: offer.ConditionalOffer{
			Name:         "edX staff 50% off two seats",
			EmailDomains: ptr("edx.org,example.com"),
			Benefit: offer.Benefit{
				Type:             offer.BenefitPercentage,
				Value:            decimal.NewFromInt(50),
				MaxAffectedItems: 2,
			},
		}},
		{rangeName: "demo-everything", offer: offer.ConditionalOffer{
			Name:                  "First 100 orders $10 off",
			MaxGlobalApplications: ptr(100),
			MaxDiscount:           decimal.NewNullDecimal(decimal.NewFromInt(500)),
			Benefit:               offer.Benefit{Type: offer.BenefitFixed, Value: decimal.NewFromInt(10)},
		}},
	}
	if enterpriseCustomer.Valid {
		offers = append(offers, demoOffer{rangeName: "demo-course-catalog", offer: offer.ConditionalOffer{
			Name: "Enterprise learners 100% off",
			Benefit: offer.Benefit{
				Type:               offer.BenefitPercentage,
				Value:              decimal.NewFromInt(100),
				EnterpriseCustomer: enterpriseCustomer,
			},
		}})
	}
	for i := range offers {
		offers[i].offer.Condition.Value = 1
	}
	return offers
}

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		var cfg config
		if err := aconfig.LoaderFor(&cfg, aconfig.Config{SkipFiles: true}).Load(); err != nil {
			return errors.Wrap(err, "load config")
		}
		if cfg.DatabaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		var enterpriseCustomer uuid.NullUUID
		if cfg.EnterpriseCustomer != "" {
			id, err := uuid.Parse(cfg.EnterpriseCustomer)
			if err != nil {
				return errors.Wrap(err, "parse enterprise customer")
			}
			enterpriseCustomer = uuid.NullUUID{UUID: id, Valid: true}
		}
		return run(ctx, lg, cfg.DatabaseURL, enterpriseCustomer)
	})
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string, enterpriseCustomer uuid.NullUUID) error {
	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := postgres.NewStockRecordRepository(pool).Write(ctx, demoStock); err != nil {
		return errors.Wrap(err, "seed stock records")
	}
	lg.Info("Seeded stock records", zap.Int("count", len(demoStock)))

	ranges := postgres.NewRangeRepository(pool)
	byName, err := seedRanges(ctx, lg, ranges)
	if err != nil {
		return errors.Wrap(err, "seed ranges")
	}

	offers := postgres.NewOfferRepository(pool)
	for _, d := range demoOffers(enterpriseCustomer) {
		o := d.offer
		o.Condition.Range = byName[d.rangeName]
		if err := offers.Create(ctx, &o); err != nil {
			return errors.Wrapf(err, "seed offer %q", o.Name)
		}
		lg.Info("Seeded offer", zap.Int64("id", o.ID), zap.String("name", o.Name))
	}
	return nil
}

// seedRanges creates the demo ranges that do not exist yet.
func seedRanges(ctx context.Context, lg *zap.Logger, repo *postgres.RangeRepository) (map[string]*productrange.Range, error) {
	existing, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*productrange.Range, len(existing))
	for _, r := range existing {
		byName[r.Name] = r
	}

	for _, d := range demoRanges() {
		if _, ok := byName[d.name]; ok {
			continue
		}
		r, err := repo.Create(ctx, d.name, d.cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "create range %q", d.name)
		}
		lg.Info("Seeded range", zap.Int64("id", r.ID), zap.String("name", r.Name), zap.String("mode", productrange.ModeName(r.Mode)))
		byName[d.name] = r
	}

	// The everything range excludes the audit seat.
	if err := repo.SetProduct(ctx, byName["demo-everything"].ID, 2, true); err != nil {
		return nil, err
	}
	return byName, nil
}
