package offer

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oolio-offers/internal/domain/money"
	"github.com/xenking/oolio-offers/internal/domain/productrange"
)

// mockMembership implements Membership for testing.
type mockMembership struct {
	mu       sync.Mutex
	inRange  map[int64]bool
	err      error
	lookedUp []int64
}

func (m *mockMembership) Contains(_ context.Context, _ productrange.Site, _ *productrange.Range, p productrange.Product) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookedUp = append(m.lookedUp, p.ID)
	if m.err != nil {
		return false, m.err
	}
	return m.inRange[p.ID], nil
}

// mockLinker implements EnterpriseLinker for testing.
type mockLinker struct {
	linked bool
	err    error
	calls  int
}

func (m *mockLinker) IsUserLinked(context.Context, uuid.UUID, Owner) (bool, error) {
	m.calls++
	return m.linked, m.err
}

var testSite = productrange.Site{Domain: "shop.example.com", PartnerCode: "edx"}

func percentOffer(percent string, conditionValue int) *ConditionalOffer {
	return &ConditionalOffer{
		ID:        1,
		Benefit:   Benefit{Type: BenefitPercentage, Value: d(percent)},
		Condition: Condition{Range: &productrange.Range{ID: 1, Mode: productrange.Default{}}, Value: conditionValue},
	}
}

func basket(email string, lines ...*Line) *Basket {
	return &Basket{Owner: Owner{Username: "learner", Email: email}, Currency: "USD", Lines: lines}
}

func line(id int64, price string, qty int) *Line {
	return NewLine(productrange.Product{ID: id, CourseID: "course-v1:edX+DemoX+Demo"}, d(price), qty)
}

func TestEvaluator_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("percentage discount on cheapest in range lines", func(t *testing.T) {
		membership := &mockMembership{inRange: map[int64]bool{1: true, 2: true}}
		e := NewEvaluator(membership, &mockLinker{}, EvaluatorConfig{})

		o := percentOffer("50", 1)
		o.Benefit.MaxAffectedItems = 2
		expensive, cheap, outside := line(1, "20", 1), line(2, "10", 3), line(3, "1", 5)

		alloc, err := e.Evaluate(ctx, testSite, o, basket("a@example.com", expensive, cheap, outside))
		require.NoError(t, err)

		assert.True(t, d("10").Equal(alloc.TotalDiscount), "expected 10, got %s", alloc.TotalDiscount)
		require.Len(t, alloc.AffectedLines, 1)
		assert.Same(t, cheap, alloc.AffectedLines[0].Line)
		assert.Equal(t, 1, cheap.QuantityWithoutDiscount)
		assert.Equal(t, 2, cheap.Consumed)
		assert.Equal(t, 1, expensive.QuantityWithoutDiscount)
		assert.Equal(t, 5, outside.QuantityWithoutDiscount)
	})

	t.Run("fixed discount", func(t *testing.T) {
		membership := &mockMembership{inRange: map[int64]bool{1: true, 2: true}}
		e := NewEvaluator(membership, &mockLinker{}, EvaluatorConfig{})

		o := percentOffer("0", 1)
		o.Benefit = Benefit{Type: BenefitFixed, Value: d("6")}

		alloc, err := e.Evaluate(ctx, testSite, o, basket("a@example.com", line(1, "20", 1), line(2, "10", 1)))
		require.NoError(t, err)

		assert.True(t, d("6").Equal(alloc.TotalDiscount))
		require.Len(t, alloc.AffectedLines, 2)
		assert.True(t, d("2").Equal(alloc.AffectedLines[0].Discount))
		assert.True(t, d("4").Equal(alloc.AffectedLines[1].Discount))
	})

	t.Run("percentage discount limited by offer budget", func(t *testing.T) {
		membership := &mockMembership{inRange: map[int64]bool{1: true, 2: true}}
		e := NewEvaluator(membership, &mockLinker{}, EvaluatorConfig{})

		o := percentOffer("50", 1)
		o.MaxDiscount = decimal.NewNullDecimal(d("100"))
		o.TotalDiscount = d("93")
		cheap, expensive := line(1, "10", 1), line(2, "20", 1)

		alloc, err := e.Evaluate(ctx, testSite, o, basket("a@example.com", expensive, cheap))
		require.NoError(t, err)

		assert.True(t, d("7").Equal(alloc.TotalDiscount), "expected 7, got %s", alloc.TotalDiscount)
		require.Len(t, alloc.AffectedLines, 2)
		assert.True(t, d("5").Equal(alloc.AffectedLines[0].Discount))
		assert.True(t, d("2").Equal(alloc.AffectedLines[1].Discount))
	})

	t.Run("fixed discount limited by offer budget", func(t *testing.T) {
		membership := &mockMembership{inRange: map[int64]bool{1: true}}
		e := NewEvaluator(membership, &mockLinker{}, EvaluatorConfig{})

		o := percentOffer("0", 1)
		o.Benefit = Benefit{Type: BenefitFixed, Value: d("6")}
		o.MaxDiscount = decimal.NewNullDecimal(d("10"))
		o.TotalDiscount = d("8.5")

		alloc, err := e.Evaluate(ctx, testSite, o, basket("a@example.com", line(1, "20", 1)))
		require.NoError(t, err)
		assert.True(t, d("1.5").Equal(alloc.TotalDiscount), "expected 1.5, got %s", alloc.TotalDiscount)
	})

	t.Run("currency without minor units", func(t *testing.T) {
		membership := &mockMembership{inRange: map[int64]bool{1: true}}
		e := NewEvaluator(membership, &mockLinker{}, EvaluatorConfig{})

		b := basket("a@example.com", line(1, "333", 1))
		b.Currency = "JPY"

		alloc, err := e.Evaluate(ctx, testSite, percentOffer("10", 1), b)
		require.NoError(t, err)
		assert.True(t, d("33").Equal(alloc.TotalDiscount), "expected 33, got %s", alloc.TotalDiscount)
	})

	t.Run("round down mode", func(t *testing.T) {
		membership := &mockMembership{inRange: map[int64]bool{1: true}}
		e := NewEvaluator(membership, &mockLinker{}, EvaluatorConfig{RoundingMode: money.RoundDown})

		alloc, err := e.Evaluate(ctx, testSite, percentOffer("50", 1), basket("a@example.com", line(1, "0.07", 1)))
		require.NoError(t, err)
		assert.True(t, d("0.03").Equal(alloc.TotalDiscount), "expected 0.03, got %s", alloc.TotalDiscount)
	})

	t.Run("unknown currency", func(t *testing.T) {
		membership := &mockMembership{inRange: map[int64]bool{1: true}}
		e := NewEvaluator(membership, &mockLinker{}, EvaluatorConfig{})

		b := basket("a@example.com", line(1, "10", 1))
		b.Currency = "XX"

		_, err := e.Evaluate(ctx, testSite, percentOffer("10", 1), b)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotApplicable)
	})
}

func TestEvaluator_NotApplicable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		offer   func() *ConditionalOffer
		inRange map[int64]bool
		lines   func() []*Line
		email   string
	}{
		{
			name: "email domain not allowed",
			offer: func() *ConditionalOffer {
				o := percentOffer("10", 1)
				o.EmailDomains = ptr("example.com")
				return o
			},
			inRange: map[int64]bool{1: true},
			lines:   func() []*Line { return []*Line{line(1, "10", 1)} },
			email:   "a@other.org",
		},
		{
			name:    "no line in range",
			offer:   func() *ConditionalOffer { return percentOffer("10", 1) },
			inRange: map[int64]bool{},
			lines:   func() []*Line { return []*Line{line(1, "10", 1)} },
			email:   "a@example.com",
		},
		{
			name:    "too few units in range",
			offer:   func() *ConditionalOffer { return percentOffer("10", 3) },
			inRange: map[int64]bool{1: true},
			lines:   func() []*Line { return []*Line{line(1, "10", 2)} },
			email:   "a@example.com",
		},
		{
			name:    "zero value condition still needs a unit",
			offer:   func() *ConditionalOffer { return percentOffer("10", 0) },
			inRange: map[int64]bool{},
			lines:   func() []*Line { return []*Line{line(1, "10", 2)} },
			email:   "a@example.com",
		},
		{
			name:    "free lines are ignored",
			offer:   func() *ConditionalOffer { return percentOffer("10", 1) },
			inRange: map[int64]bool{1: true},
			lines:   func() []*Line { return []*Line{line(1, "0", 2)} },
			email:   "a@example.com",
		},
		{
			name: "no applications left",
			offer: func() *ConditionalOffer {
				o := percentOffer("10", 1)
				o.MaxGlobalApplications = ptr(1)
				o.NumApplications = 1
				return o
			},
			inRange: map[int64]bool{1: true},
			lines:   func() []*Line { return []*Line{line(1, "10", 1)} },
			email:   "a@example.com",
		},
		{
			name: "discount budget spent",
			offer: func() *ConditionalOffer {
				o := percentOffer("10", 1)
				o.MaxDiscount = decimal.NewNullDecimal(d("25"))
				o.TotalDiscount = d("25")
				return o
			},
			inRange: map[int64]bool{1: true},
			lines:   func() []*Line { return []*Line{line(1, "10", 1)} },
			email:   "a@example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(&mockMembership{inRange: tt.inRange}, &mockLinker{}, EvaluatorConfig{})
			lines := tt.lines()

			alloc, err := e.Evaluate(ctx, testSite, tt.offer(), basket(tt.email, lines...))
			require.ErrorIs(t, err, ErrNotApplicable)
			assert.Nil(t, alloc)
			for _, l := range lines {
				assert.Equal(t, l.Quantity, l.QuantityWithoutDiscount)
				assert.Zero(t, l.Consumed)
			}
		})
	}
}

func TestEvaluator_SkipsFullyDiscountedLines(t *testing.T) {
	membership := &mockMembership{inRange: map[int64]bool{1: true, 2: true}}
	e := NewEvaluator(membership, &mockLinker{}, EvaluatorConfig{LookupConcurrency: 1})

	done := line(1, "5", 1)
	done.Discount(d("5"), 1)

	alloc, err := e.Evaluate(context.Background(), testSite, percentOffer("10", 1), basket("a@example.com", done, line(2, "10", 1)))
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, membership.lookedUp)
	require.Len(t, alloc.AffectedLines, 1)
	assert.EqualValues(t, 2, alloc.AffectedLines[0].Line.Product.ID)
}

func TestEvaluator_ExternalFailure(t *testing.T) {
	remoteErr := &productrange.ExternalServiceError{
		Resource: productrange.ResourceCatalogContains,
		Cause:    context.DeadlineExceeded,
	}
	e := NewEvaluator(&mockMembership{err: remoteErr}, &mockLinker{}, EvaluatorConfig{})
	l := line(1, "10", 1)

	alloc, err := e.Evaluate(context.Background(), testSite, percentOffer("10", 1), basket("a@example.com", l))
	require.Error(t, err)
	assert.Nil(t, alloc)

	var extErr *productrange.ExternalServiceError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, productrange.ResourceCatalogContains, extErr.Resource)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrNotApplicable)
	assert.Equal(t, 1, l.QuantityWithoutDiscount)
}

func TestEvaluator_Enterprise(t *testing.T) {
	ctx := context.Background()
	customer := uuid.NullUUID{UUID: uuid.New(), Valid: true}

	enterpriseOffer := func() *ConditionalOffer {
		o := percentOffer("25", 1)
		o.Benefit.EnterpriseCustomer = customer
		return o
	}

	t.Run("linked learner gets discount", func(t *testing.T) {
		linker := &mockLinker{linked: true}
		e := NewEvaluator(&mockMembership{inRange: map[int64]bool{1: true}}, linker, EvaluatorConfig{})

		alloc, err := e.Evaluate(ctx, testSite, enterpriseOffer(), basket("a@example.com", line(1, "100", 1)))
		require.NoError(t, err)
		assert.True(t, d("25").Equal(alloc.TotalDiscount))
		assert.Equal(t, 1, linker.calls)
	})

	t.Run("unlinked learner gets zero", func(t *testing.T) {
		linker := &mockLinker{linked: false}
		e := NewEvaluator(&mockMembership{inRange: map[int64]bool{1: true}}, linker, EvaluatorConfig{})
		l := line(1, "100", 1)

		alloc, err := e.Evaluate(ctx, testSite, enterpriseOffer(), basket("a@example.com", l))
		require.NoError(t, err)
		assert.True(t, alloc.TotalDiscount.IsZero())
		assert.Empty(t, alloc.AffectedLines)
		assert.Equal(t, 1, l.QuantityWithoutDiscount)
	})

	t.Run("link check failure", func(t *testing.T) {
		linker := &mockLinker{err: errors.New("enterprise api down")}
		e := NewEvaluator(&mockMembership{inRange: map[int64]bool{1: true}}, linker, EvaluatorConfig{})

		_, err := e.Evaluate(ctx, testSite, enterpriseOffer(), basket("a@example.com", line(1, "100", 1)))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "enterprise api down")
	})

	t.Run("not checked when condition fails", func(t *testing.T) {
		linker := &mockLinker{linked: true}
		e := NewEvaluator(&mockMembership{inRange: map[int64]bool{}}, linker, EvaluatorConfig{})

		_, err := e.Evaluate(ctx, testSite, enterpriseOffer(), basket("a@example.com", line(1, "100", 1)))
		require.ErrorIs(t, err, ErrNotApplicable)
		assert.Zero(t, linker.calls)
	})
}

func TestConditionConsumer(t *testing.T) {
	a, b := line(1, "5", 1), line(2, "10", 3)
	lines := []PricedLine{{Price: a.Price, Line: a}, {Price: b.Price, Line: b}}

	c := &conditionConsumer{value: 3, lines: lines}
	c.ConsumeItems([]AffectedLine{{Line: a, Quantity: 1}})

	assert.Equal(t, 1, a.Consumed)
	assert.Equal(t, 2, b.Consumed)
}
