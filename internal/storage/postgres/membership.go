package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oolio-offers/internal/domain/productrange"
)

const (
	rangeProductStateSQL = `SELECT excluded FROM range_products WHERE range_id = $1 AND product_id = $2`

	includedProductsSQL = `SELECT p.id, p.course_id, p.certificate_type
		FROM range_products rp JOIN products p ON p.id = rp.product_id
		WHERE rp.range_id = $1 AND NOT rp.excluded
		ORDER BY p.id`

	allButExcludedProductsSQL = `SELECT p.id, p.course_id, p.certificate_type
		FROM products p
		WHERE NOT EXISTS (
			SELECT 1 FROM range_products rp
			WHERE rp.range_id = $1 AND rp.product_id = p.id AND rp.excluded
		)
		ORDER BY p.id`
)

var _ productrange.DefaultMembership = (*RangeProducts)(nil)

// RangeProducts implements the default membership rules from the
// range_products table: an excluded product is never a member, otherwise a
// product is a member when the range includes all products or lists it.
type RangeProducts struct {
	pool *pgxpool.Pool
}

// NewRangeProducts returns a RangeProducts that uses the given pool.
func NewRangeProducts(pool *pgxpool.Pool) *RangeProducts {
	return &RangeProducts{pool: pool}
}

// Contains reports whether p is a default member of r.
func (m *RangeProducts) Contains(ctx context.Context, r *productrange.Range, p productrange.Product) (bool, error) {
	var excluded bool
	err := m.pool.QueryRow(ctx, rangeProductStateSQL, r.ID, p.ID).Scan(&excluded)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return r.IncludesAllProducts, nil
	case err != nil:
		return false, errors.Wrapf(err, "get product %d state in range %d", p.ID, r.ID)
	}
	return !excluded, nil
}

// Products lists the default members of r.
func (m *RangeProducts) Products(ctx context.Context, r *productrange.Range) ([]productrange.Product, error) {
	query := includedProductsSQL
	if r.IncludesAllProducts {
		query = allButExcludedProductsSQL
	}
	rows, err := m.pool.Query(ctx, query, r.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "list products of range %d", r.ID)
	}
	return pgx.CollectRows(rows, scanProduct)
}

func scanProduct(row pgx.CollectableRow) (productrange.Product, error) {
	var p productrange.Product
	err := row.Scan(&p.ID, &p.CourseID, &p.CertificateType)
	return p, err
}
