package offer

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/oolio-offers/internal/domain/money"
	"github.com/xenking/oolio-offers/internal/domain/productrange"
)

// Owner identifies the basket owner.
type Owner struct {
	Username string
	Email    string
}

// Basket is the set of lines an offer is evaluated against.
type Basket struct {
	Owner    Owner
	Currency string
	Lines    []*Line
}

// Membership decides whether a product belongs to a range.
type Membership interface {
	Contains(ctx context.Context, site productrange.Site, r *productrange.Range, p productrange.Product) (bool, error)
}

// EnterpriseLinker reports whether a user is linked to an enterprise customer.
type EnterpriseLinker interface {
	IsUserLinked(ctx context.Context, enterpriseCustomer uuid.UUID, owner Owner) (bool, error)
}

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	// LookupConcurrency bounds concurrent membership lookups per evaluation.
	LookupConcurrency int
	RoundingMode      money.RoundingMode
}

// Evaluator applies conditional offers to baskets.
type Evaluator struct {
	membership  Membership
	linker      EnterpriseLinker
	concurrency int
	rounding    money.RoundingMode
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(membership Membership, linker EnterpriseLinker, cfg EvaluatorConfig) *Evaluator {
	if cfg.LookupConcurrency <= 0 {
		cfg.LookupConcurrency = 8
	}
	return &Evaluator{
		membership:  membership,
		linker:      linker,
		concurrency: cfg.LookupConcurrency,
		rounding:    cfg.RoundingMode,
	}
}

// Evaluate applies o to b and returns the resulting allocation. It returns
// ErrNotApplicable when the offer's conditions are not met, and an
// *productrange.ExternalServiceError when membership could not be resolved.
//
// Lines of b are mutated by the allocation. The condition consumes the
// affected items once per successful call, so callers retrying an
// evaluation must do so on a fresh basket.
func (e *Evaluator) Evaluate(ctx context.Context, site productrange.Site, o *ConditionalOffer, b *Basket) (*Allocation, error) {
	lg := zctx.From(ctx).With(zap.Int64("offer_id", o.ID))

	if !o.Available() {
		lg.Debug("Offer has no applications left")
		return nil, ErrNotApplicable
	}
	if o.EmailDomains != nil && !MatchEmailDomain(b.Owner.Email, *o.EmailDomains) {
		lg.Debug("Basket owner email domain not allowed")
		return nil, ErrNotApplicable
	}

	applicable, err := e.applicableLines(ctx, site, o.Condition.Range, b)
	if err != nil {
		return nil, errors.Wrap(err, "resolve range membership")
	}
	if inRange := quantityOf(applicable); inRange == 0 || inRange < o.Condition.Value {
		lg.Debug("Offer condition not satisfied", zap.Int("in_range", inRange), zap.Int("required", o.Condition.Value))
		return nil, ErrNotApplicable
	}

	benefit := o.Benefit
	if benefit.IsEnterprise() {
		linked, err := e.linker.IsUserLinked(ctx, benefit.EnterpriseCustomer.UUID, b.Owner)
		if err != nil {
			return nil, errors.Wrap(err, "check enterprise customer link")
		}
		if !linked {
			lg.Debug("Basket owner not linked to enterprise customer")
			return &Allocation{TotalDiscount: zero}, nil
		}
	}

	rounder, err := money.NewRounder(b.Currency, e.rounding)
	if err != nil {
		return nil, errors.Wrap(err, "rounder")
	}

	slices.SortStableFunc(applicable, func(a, b PricedLine) int {
		return a.Price.Cmp(b.Price)
	})
	consumer := &conditionConsumer{value: o.Condition.Value, lines: applicable}

	budget := o.RemainingDiscount()
	var alloc Allocation
	switch benefit.Type {
	case BenefitPercentage:
		alloc = AllocatePercentage(PercentageParams{
			Percent:          benefit.Value,
			MaxAffectedItems: benefit.MaxAffectedItems,
			MaxTotalDiscount: budget,
			Rounder:          rounder,
		}, applicable, consumer)
	case BenefitFixed:
		amount := benefit.Value
		if budget.Valid {
			amount = decimal.Min(amount, budget.Decimal)
		}
		alloc = AllocateFixed(FixedParams{
			Amount:           amount,
			MaxAffectedItems: benefit.MaxAffectedItems,
			Rounder:          rounder,
		}, applicable, consumer)
	default:
		return nil, errors.Errorf("unsupported benefit type: %q", benefit.Type)
	}

	lg.Debug("Offer applied",
		zap.String("discount", alloc.TotalDiscount.String()),
		zap.Int("affected_lines", len(alloc.AffectedLines)),
	)
	return &alloc, nil
}

// applicableLines returns the priced lines whose product is in r and which
// still have undiscounted units. Lookups run concurrently; lines keep basket
// order.
func (e *Evaluator) applicableLines(ctx context.Context, site productrange.Site, r *productrange.Range, b *Basket) ([]PricedLine, error) {
	if r == nil {
		return nil, errors.New("offer condition has no range")
	}

	member := make([]bool, len(b.Lines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, line := range b.Lines {
		if line.QuantityWithoutDiscount <= 0 || !line.Price.IsPositive() {
			continue
		}
		g.Go(func() error {
			ok, err := e.membership.Contains(gctx, site, r, line.Product)
			if err != nil {
				return err
			}
			member[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var lines []PricedLine
	for i, line := range b.Lines {
		if member[i] {
			lines = append(lines, PricedLine{Price: line.Price, Line: line})
		}
	}
	return lines, nil
}

func quantityOf(lines []PricedLine) int {
	n := 0
	for _, pl := range lines {
		n += pl.Line.QuantityWithoutDiscount
	}
	return n
}

// conditionConsumer marks the units that satisfied a count condition as
// consumed: the discounted units first, then other in-range units until the
// condition value is reached.
type conditionConsumer struct {
	value int
	lines []PricedLine
}

func (c *conditionConsumer) ConsumeItems(affected []AffectedLine) {
	consumed := 0
	for _, a := range affected {
		a.Line.Consumed += a.Quantity
		consumed += a.Quantity
	}
	for _, pl := range c.lines {
		if consumed >= c.value {
			return
		}
		free := pl.Line.Quantity - pl.Line.Consumed
		if free <= 0 {
			continue
		}
		n := min(free, c.value-consumed)
		pl.Line.Consumed += n
		consumed += n
	}
}
