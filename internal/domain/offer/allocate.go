package offer

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-offers/internal/domain/money"
	"github.com/xenking/oolio-offers/internal/domain/productrange"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Line is a basket line. Allocation mutates it through Discount.
type Line struct {
	Product                 productrange.Product
	Price                   decimal.Decimal
	Quantity                int
	QuantityWithoutDiscount int
	DiscountAmount          decimal.Decimal
	Consumed                int
}

// NewLine returns a line with no discounted units.
func NewLine(p productrange.Product, price decimal.Decimal, quantity int) *Line {
	return &Line{
		Product:                 p,
		Price:                   price,
		Quantity:                quantity,
		QuantityWithoutDiscount: quantity,
		DiscountAmount:          zero,
	}
}

// Discount records amount against qty units of the line.
func (l *Line) Discount(amount decimal.Decimal, qty int) {
	l.QuantityWithoutDiscount -= qty
	l.DiscountAmount = l.DiscountAmount.Add(amount)
}

// PricedLine pairs a line with the unit price the allocation uses for it.
type PricedLine struct {
	Price decimal.Decimal
	Line  *Line
}

// AffectedLine is one line's share of an allocation.
type AffectedLine struct {
	Line     *Line
	Discount decimal.Decimal
	Quantity int
}

// Allocation is the outcome of distributing a discount over basket lines.
type Allocation struct {
	TotalDiscount decimal.Decimal
	AffectedLines []AffectedLine
}

// ItemConsumer is told once which units an allocation used.
type ItemConsumer interface {
	ConsumeItems(affected []AffectedLine)
}

// PercentageParams configures AllocatePercentage.
type PercentageParams struct {
	Percent decimal.Decimal
	// MaxAffectedItems caps discounted units; zero means unbounded.
	MaxAffectedItems int
	// MaxTotalDiscount caps the total discount when valid.
	MaxTotalDiscount decimal.NullDecimal
	Rounder          money.Rounder
}

// AllocatePercentage distributes a percentage discount greedily over lines in
// the order given. Callers pass lines sorted by ascending price.
//
// Each line discount is rounded before it is added to the total, so the
// total always equals the sum of the line discounts. consumer, when not nil,
// is notified once after allocation if any discount was granted.
func AllocatePercentage(p PercentageParams, lines []PricedLine, consumer ItemConsumer) Allocation {
	percent := decimal.Min(p.Percent, hundred)
	if !percent.IsPositive() || len(lines) == 0 {
		return Allocation{TotalDiscount: zero}
	}

	budget := p.MaxTotalDiscount
	discount := zero
	affectedItems := 0
	var affected []AffectedLine

	for _, pl := range lines {
		if p.MaxAffectedItems > 0 && affectedItems >= p.MaxAffectedItems {
			break
		}
		if budget.Valid && budget.Decimal.IsZero() {
			break
		}

		qty := pl.Line.QuantityWithoutDiscount
		if p.MaxAffectedItems > 0 {
			qty = min(qty, p.MaxAffectedItems-affectedItems)
		}
		lineDiscount := p.Rounder.Round(
			percent.Div(hundred).Mul(pl.Price).Mul(decimal.NewFromInt(int64(qty))),
		)

		if budget.Valid {
			lineDiscount = decimal.Min(lineDiscount, budget.Decimal)
			budget.Decimal = budget.Decimal.Sub(lineDiscount)
		}

		pl.Line.Discount(lineDiscount, qty)

		affected = append(affected, AffectedLine{Line: pl.Line, Discount: lineDiscount, Quantity: qty})
		affectedItems += qty
		discount = discount.Add(lineDiscount)
	}

	if discount.IsPositive() && consumer != nil {
		consumer.ConsumeItems(affected)
	}
	return Allocation{TotalDiscount: discount, AffectedLines: affected}
}

// FixedParams configures AllocateFixed.
type FixedParams struct {
	Amount           decimal.Decimal
	MaxAffectedItems int
	Rounder          money.Rounder
}

// AllocateFixed spreads a fixed amount over the affected units in
// proportion to line value. The amount is capped at the value of the
// affected units. The last affected line absorbs the rounding remainder so
// that line discounts add up to the total exactly.
func AllocateFixed(p FixedParams, lines []PricedLine, consumer ItemConsumer) Allocation {
	if !p.Amount.IsPositive() || len(lines) == 0 {
		return Allocation{TotalDiscount: zero}
	}

	type share struct {
		pl    PricedLine
		qty   int
		value decimal.Decimal
	}

	var (
		shares        []share
		affectedItems int
		total         = zero
	)
	for _, pl := range lines {
		if p.MaxAffectedItems > 0 && affectedItems >= p.MaxAffectedItems {
			break
		}
		qty := pl.Line.QuantityWithoutDiscount
		if p.MaxAffectedItems > 0 {
			qty = min(qty, p.MaxAffectedItems-affectedItems)
		}
		if qty <= 0 {
			continue
		}
		value := pl.Price.Mul(decimal.NewFromInt(int64(qty)))
		shares = append(shares, share{pl: pl, qty: qty, value: value})
		affectedItems += qty
		total = total.Add(value)
	}
	if !total.IsPositive() {
		return Allocation{TotalDiscount: zero}
	}

	amount := p.Rounder.Round(decimal.Min(p.Amount, total))
	remaining := amount
	affected := make([]AffectedLine, 0, len(shares))
	for i, s := range shares {
		lineDiscount := remaining
		if i < len(shares)-1 {
			lineDiscount = decimal.Min(p.Rounder.Round(amount.Mul(s.value).Div(total)), remaining)
		}
		remaining = remaining.Sub(lineDiscount)

		s.pl.Line.Discount(lineDiscount, s.qty)
		affected = append(affected, AffectedLine{Line: s.pl.Line, Discount: lineDiscount, Quantity: s.qty})
	}

	if amount.IsPositive() && consumer != nil {
		consumer.ConsumeItems(affected)
	}
	return Allocation{TotalDiscount: amount, AffectedLines: affected}
}
