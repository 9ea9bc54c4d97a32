package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-offers/internal/domain/offer"
)

const (
	getOfferSQL = `SELECT o.id, o.name, o.email_domains, o.max_global_applications, o.num_applications,
			o.max_discount, o.total_discount,
			b.id, b.type, b.value, b.max_affected_items, b.enterprise_customer,
			c.id, c.value, c.range_id
		FROM offers o
		JOIN benefits b ON b.id = o.benefit_id
		JOIN conditions c ON c.id = o.condition_id
		WHERE o.id = $1`

	insertBenefitSQL = `INSERT INTO benefits (type, value, max_affected_items, enterprise_customer)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	insertConditionSQL = `INSERT INTO conditions (range_id, value) VALUES ($1, $2) RETURNING id`

	insertOfferSQL = `INSERT INTO offers (name, email_domains, max_global_applications, max_discount, benefit_id, condition_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	recordApplicationSQL = `UPDATE offers
		SET num_applications = num_applications + 1, total_discount = total_discount + $2
		WHERE id = $1
			AND (max_global_applications IS NULL OR num_applications < max_global_applications)
			AND (max_discount IS NULL OR total_discount < max_discount)`

	offerExistsSQL = `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`
)

// OfferRepository persists conditional offers together with their benefit
// and condition. Offers are validated before they are written.
type OfferRepository struct {
	pool   *pgxpool.Pool
	ranges *RangeRepository
}

// NewOfferRepository returns an OfferRepository that uses the given pool.
func NewOfferRepository(pool *pgxpool.Pool) *OfferRepository {
	return &OfferRepository{pool: pool, ranges: NewRangeRepository(pool)}
}

// Create validates o and inserts it with its benefit and condition in one
// transaction. The ids of o, its benefit and its condition are set on
// success.
func (r *OfferRepository) Create(ctx context.Context, o *offer.ConditionalOffer) error {
	if err := o.Validate(); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		b := &o.Benefit
		if err := tx.QueryRow(ctx, insertBenefitSQL,
			string(b.Type), b.Value, b.MaxAffectedItems, b.EnterpriseCustomer,
		).Scan(&b.ID); err != nil {
			return errors.Wrap(err, "insert benefit")
		}

		c := &o.Condition
		if err := tx.QueryRow(ctx, insertConditionSQL, c.Range.ID, c.Value).Scan(&c.ID); err != nil {
			return errors.Wrap(err, "insert condition")
		}

		if err := tx.QueryRow(ctx, insertOfferSQL,
			o.Name, o.EmailDomains, o.MaxGlobalApplications, o.MaxDiscount, b.ID, c.ID,
		).Scan(&o.ID); err != nil {
			return errors.Wrapf(err, "insert offer %q", o.Name)
		}
		return nil
	})
}

// Get loads offer id with its benefit, condition and condition range.
func (r *OfferRepository) Get(ctx context.Context, id int64) (*offer.ConditionalOffer, error) {
	var (
		o           offer.ConditionalOffer
		benefitType string
		rangeID     int64
	)
	err := r.pool.QueryRow(ctx, getOfferSQL, id).Scan(
		&o.ID, &o.Name, &o.EmailDomains, &o.MaxGlobalApplications, &o.NumApplications,
		&o.MaxDiscount, &o.TotalDiscount,
		&o.Benefit.ID, &benefitType, &o.Benefit.Value, &o.Benefit.MaxAffectedItems, &o.Benefit.EnterpriseCustomer,
		&o.Condition.ID, &o.Condition.Value, &rangeID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get offer %d", id)
	}
	o.Benefit.Type = offer.BenefitType(benefitType)

	rng, err := r.ranges.Get(ctx, rangeID)
	if err != nil {
		return nil, errors.Wrapf(err, "get condition range of offer %d", id)
	}
	o.Condition.Range = rng
	return &o, nil
}

// RecordApplication counts one application of offer id that granted
// discount. It returns offer.ErrNotApplicable when the offer has reached its
// global limit or spent its discount budget.
func (r *OfferRepository) RecordApplication(ctx context.Context, id int64, discount decimal.Decimal) error {
	tag, err := r.pool.Exec(ctx, recordApplicationSQL, id, discount)
	if err != nil {
		return errors.Wrapf(err, "record application of offer %d", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, offerExistsSQL, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check offer %d", id)
	}
	if !exists {
		return ErrNotFound
	}
	return offer.ErrNotApplicable
}
