package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oolio-offers/internal/domain/productrange"
)

const (
	stockContainsSQL = `SELECT EXISTS (
		SELECT 1 FROM catalog_stock_records WHERE catalog_id = $1 AND product_id = $2)`

	stockProductsSQL = `SELECT p.id, p.course_id, p.certificate_type
		FROM catalog_stock_records s JOIN products p ON p.id = s.product_id
		WHERE s.catalog_id = $1
		ORDER BY p.id`

	upsertProductSQL = `INSERT INTO products (id, course_id, certificate_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET course_id = EXCLUDED.course_id, certificate_type = EXCLUDED.certificate_type`

	insertStockRecordSQL = `INSERT INTO catalog_stock_records (catalog_id, product_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
)

var _ productrange.StockRecords = (*StockRecordRepository)(nil)

// StockRecord places a product in a static catalog.
type StockRecord struct {
	CatalogID int64
	Product   productrange.Product
}

// StockRecordRepository reads and writes the products stocked by static
// catalogs.
type StockRecordRepository struct {
	pool *pgxpool.Pool
}

// NewStockRecordRepository returns a StockRecordRepository that uses the
// given pool.
func NewStockRecordRepository(pool *pgxpool.Pool) *StockRecordRepository {
	return &StockRecordRepository{pool: pool}
}

// ContainsProduct reports whether catalogID stocks productID.
func (r *StockRecordRepository) ContainsProduct(ctx context.Context, catalogID, productID int64) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, stockContainsSQL, catalogID, productID).Scan(&ok); err != nil {
		return false, errors.Wrapf(err, "check stock record of catalog %d", catalogID)
	}
	return ok, nil
}

// Products lists the products stocked by catalogID.
func (r *StockRecordRepository) Products(ctx context.Context, catalogID int64) ([]productrange.Product, error) {
	rows, err := r.pool.Query(ctx, stockProductsSQL, catalogID)
	if err != nil {
		return nil, errors.Wrapf(err, "list stock records of catalog %d", catalogID)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Write upserts the products of records and stocks them in their catalogs
// in a single batch.
func (r *StockRecordRepository) Write(ctx context.Context, records []StockRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(upsertProductSQL, rec.Product.ID, rec.Product.CourseID, rec.Product.CertificateType)
		batch.Queue(insertStockRecordSQL, rec.CatalogID, rec.Product.ID)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrapf(err, "write %d stock records", len(records))
	}
	return nil
}
