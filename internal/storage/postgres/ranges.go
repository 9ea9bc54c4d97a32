package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oolio-offers/internal/domain/productrange"
)

const (
	rangeColumns = `id, name, catalog_id, catalog_query, course_catalog, course_seat_types,
		includes_all_products, enterprise_customer`

	getRangeSQL = `SELECT ` + rangeColumns + ` FROM ranges WHERE id = $1`

	listRangesSQL = `SELECT ` + rangeColumns + ` FROM ranges ORDER BY id`

	insertRangeSQL = `INSERT INTO ranges (name, catalog_id, catalog_query, course_catalog, course_seat_types,
		includes_all_products, enterprise_customer)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	updateRangeSQL = `UPDATE ranges SET name = $2, catalog_id = $3, catalog_query = $4, course_catalog = $5,
		course_seat_types = $6, includes_all_products = $7, enterprise_customer = $8
		WHERE id = $1`

	upsertRangeProductSQL = `INSERT INTO range_products (range_id, product_id, excluded)
		VALUES ($1, $2, $3)
		ON CONFLICT (range_id, product_id) DO UPDATE SET excluded = EXCLUDED.excluded`
)

// RangeRepository persists ranges. Every write goes through
// productrange.New, so invalid configurations are never stored.
type RangeRepository struct {
	pool *pgxpool.Pool
}

// NewRangeRepository returns a RangeRepository that uses the given pool.
func NewRangeRepository(pool *pgxpool.Pool) *RangeRepository {
	return &RangeRepository{pool: pool}
}

// Create validates cfg and inserts a new range.
func (r *RangeRepository) Create(ctx context.Context, name string, cfg productrange.Config) (*productrange.Range, error) {
	if _, err := productrange.New(0, name, cfg); err != nil {
		return nil, err
	}

	var id int64
	if err := r.pool.QueryRow(ctx, insertRangeSQL,
		name, cfg.CatalogID, cfg.CatalogQuery, cfg.CourseCatalog, cfg.CourseSeatTypes,
		cfg.IncludesAllProducts, cfg.EnterpriseCustomer,
	).Scan(&id); err != nil {
		return nil, errors.Wrapf(err, "insert range %q", name)
	}
	return productrange.New(id, name, cfg)
}

// Update validates cfg and replaces the stored configuration of range id.
func (r *RangeRepository) Update(ctx context.Context, id int64, name string, cfg productrange.Config) (*productrange.Range, error) {
	rng, err := productrange.New(id, name, cfg)
	if err != nil {
		return nil, err
	}

	tag, err := r.pool.Exec(ctx, updateRangeSQL,
		id, name, cfg.CatalogID, cfg.CatalogQuery, cfg.CourseCatalog, cfg.CourseSeatTypes,
		cfg.IncludesAllProducts, cfg.EnterpriseCustomer,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "update range %d", id)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return rng, nil
}

// Get returns range id.
func (r *RangeRepository) Get(ctx context.Context, id int64) (*productrange.Range, error) {
	rows, err := r.pool.Query(ctx, getRangeSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get range %d", id)
	}

	rng, err := pgx.CollectExactlyOneRow(rows, scanRange)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get range %d", id)
	}
	return rng, nil
}

// List returns all ranges ordered by id.
func (r *RangeRepository) List(ctx context.Context) ([]*productrange.Range, error) {
	rows, err := r.pool.Query(ctx, listRangesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list ranges")
	}
	return pgx.CollectRows(rows, scanRange)
}

// SetProduct includes productID in range rangeID, or excludes it when
// excluded is true.
func (r *RangeRepository) SetProduct(ctx context.Context, rangeID, productID int64, excluded bool) error {
	if _, err := r.pool.Exec(ctx, upsertRangeProductSQL, rangeID, productID, excluded); err != nil {
		return errors.Wrapf(err, "set product %d on range %d", productID, rangeID)
	}
	return nil
}

// scanRange rebuilds a range from its stored configuration.
func scanRange(row pgx.CollectableRow) (*productrange.Range, error) {
	var (
		id   int64
		name string
		cfg  productrange.Config
	)
	if err := row.Scan(
		&id, &name, &cfg.CatalogID, &cfg.CatalogQuery, &cfg.CourseCatalog, &cfg.CourseSeatTypes,
		&cfg.IncludesAllProducts, &cfg.EnterpriseCustomer,
	); err != nil {
		return nil, err
	}
	rng, err := productrange.New(id, name, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "stored range %d", id)
	}
	return rng, nil
}
