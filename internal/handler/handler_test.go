package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oolio-offers/internal/domain/offer"
	"github.com/xenking/oolio-offers/internal/domain/productrange"
	"github.com/xenking/oolio-offers/internal/storage/postgres"
)

// --- Mock implementations ---

type mockRanges struct {
	byID    map[int64]*productrange.Range
	setErr  error
	setCall []int64
}

func (m *mockRanges) Create(_ context.Context, name string, cfg productrange.Config) (*productrange.Range, error) {
	rng, err := productrange.New(int64(len(m.byID)+1), name, cfg)
	if err != nil {
		return nil, err
	}
	m.byID[rng.ID] = rng
	return rng, nil
}

func (m *mockRanges) Update(_ context.Context, id int64, name string, cfg productrange.Config) (*productrange.Range, error) {
	if _, ok := m.byID[id]; !ok {
		return nil, postgres.ErrNotFound
	}
	rng, err := productrange.New(id, name, cfg)
	if err != nil {
		return nil, err
	}
	m.byID[id] = rng
	return rng, nil
}

func (m *mockRanges) Get(_ context.Context, id int64) (*productrange.Range, error) {
	rng, ok := m.byID[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	return rng, nil
}

func (m *mockRanges) List(_ context.Context) ([]*productrange.Range, error) {
	var out []*productrange.Range
	for id := int64(1); id <= int64(len(m.byID)); id++ {
		out = append(out, m.byID[id])
	}
	return out, nil
}

func (m *mockRanges) SetProduct(_ context.Context, rangeID, productID int64, _ bool) error {
	m.setCall = []int64{rangeID, productID}
	return m.setErr
}

type mockOffers struct {
	byID      map[int64]*offer.ConditionalOffer
	recordErr error
	recorded  []decimal.Decimal
}

func (m *mockOffers) Create(_ context.Context, o *offer.ConditionalOffer) error {
	if err := o.Validate(); err != nil {
		return err
	}
	o.ID = int64(len(m.byID) + 1)
	m.byID[o.ID] = o
	return nil
}

func (m *mockOffers) Get(_ context.Context, id int64) (*offer.ConditionalOffer, error) {
	o, ok := m.byID[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	return o, nil
}

func (m *mockOffers) RecordApplication(_ context.Context, _ int64, discount decimal.Decimal) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	m.recorded = append(m.recorded, discount)
	return nil
}

type mockProducts struct {
	products []productrange.Product
}

func (m *mockProducts) AllProducts(_ context.Context, _ *productrange.Range) ([]productrange.Product, error) {
	return m.products, nil
}

type mockEvaluator struct {
	alloc  *offer.Allocation
	err    error
	site   productrange.Site
	basket *offer.Basket
}

func (m *mockEvaluator) Evaluate(_ context.Context, site productrange.Site, _ *offer.ConditionalOffer, b *offer.Basket) (*offer.Allocation, error) {
	m.site = site
	m.basket = b
	return m.alloc, m.err
}

// --- Helpers ---

type fixture struct {
	ranges    *mockRanges
	offers    *mockOffers
	products  *mockProducts
	evaluator *mockEvaluator
	mux       *http.ServeMux
}

var defaultSite = productrange.Site{Domain: "courses.example.com", PartnerCode: "edX"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ranges:    &mockRanges{byID: map[int64]*productrange.Range{}},
		offers:    &mockOffers{byID: map[int64]*offer.ConditionalOffer{}},
		products:  &mockProducts{},
		evaluator: &mockEvaluator{},
		mux:       http.NewServeMux(),
	}
	New(Config{DefaultSite: defaultSite}, f.ranges, f.offers, f.products, f.evaluator).Register(f.mux)

	query := "org:edX"
	seats := "verified"
	rng, err := f.ranges.Create(context.Background(), "edx", productrange.Config{CatalogQuery: &query, CourseSeatTypes: &seats})
	require.NoError(t, err)
	f.offers.byID[1] = &offer.ConditionalOffer{
		ID:        1,
		Name:      "ten off",
		Benefit:   offer.Benefit{Type: offer.BenefitPercentage, Value: decimal.NewFromInt(10)},
		Condition: offer.Condition{ID: 1, Range: rng, Value: 1},
	}
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

// --- Tests ---

func TestCreateRange(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantBody string
	}{
		{
			name:     "external catalog",
			body:     `{"name":"catalog","course_catalog":42,"course_seat_types":"verified,professional"}`,
			wantCode: http.StatusCreated,
			wantBody: `{"id":2,"name":"catalog","mode":"external_catalog","course_catalog":42,
				"course_seat_types":"verified,professional","includes_all_products":false,"enterprise_customer":null}`,
		},
		{
			name:     "static catalog with enterprise customer",
			body:     `{"name":"static","catalog_id":7,"enterprise_customer":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`,
			wantCode: http.StatusCreated,
			wantBody: `{"id":2,"name":"static","mode":"static_catalog","catalog_id":7,
				"includes_all_products":false,"enterprise_customer":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`,
		},
		{
			name:     "conflicting modes",
			body:     `{"name":"bad","catalog_id":7,"catalog_query":"org:edX"}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "missing name",
			body:     `{"includes_all_products":true}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed body",
			body:     `{"name":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "bad uuid",
			body:     `{"name":"x","enterprise_customer":"nope"}`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodPost, "/api/v1/ranges", tt.body)

			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestRangeEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/ranges/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":1,"name":"edx","mode":"dynamic_query","catalog_query":"org:edX",
		"course_seat_types":"verified","includes_all_products":false,"enterprise_customer":null}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/ranges", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"edx"`)

	w = f.do(http.MethodGet, "/api/v1/ranges/99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"code":404,"message":"not found"}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/ranges/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/v1/ranges/1", `{"name":"everything","includes_all_products":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"default"`)

	w = f.do(http.MethodPut, "/api/v1/ranges/1", `{"name":"seats only","course_seat_types":"verified"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	f.products.products = []productrange.Product{{ID: 3, CourseID: "course-v1:edX+DemoX", CertificateType: "verified"}}
	w = f.do(http.MethodGet, "/api/v1/ranges/1/products", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1,"products":[{"id":3,"course_id":"course-v1:edX+DemoX","certificate_type":"verified"}]}`,
		w.Body.String())

	w = f.do(http.MethodPut, "/api/v1/ranges/1/products/3", `{"excluded":true}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []int64{1, 3}, f.ranges.setCall)

	w = f.do(http.MethodPut, "/api/v1/ranges/99/products/3", `{"excluded":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateOffer(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name: "valid",
			body: `{"name":"enterprise","email_domains":"example.com","max_global_applications":10,
				"benefit":{"type":"percentage","value":"12.5","max_affected_items":2},
				"condition":{"range_id":1,"value":2}}`,
			wantCode: http.StatusCreated,
		},
		{
			name: "discount budget",
			body: `{"name":"budget","max_discount":"250.00",
				"benefit":{"type":"fixed","value":5},"condition":{"range_id":1,"value":1}}`,
			wantCode: http.StatusCreated,
		},
		{
			name:     "non positive discount budget",
			body:     `{"name":"x","max_discount":0,"benefit":{"type":"fixed","value":5},"condition":{"range_id":1,"value":1}}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "unknown range",
			body:     `{"name":"x","benefit":{"type":"fixed","value":5},"condition":{"range_id":9,"value":1}}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "invalid email domains",
			body:     `{"name":"x","email_domains":"-bad.com","benefit":{"type":"fixed","value":5},"condition":{"range_id":1,"value":1}}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "negative benefit value",
			body:     `{"name":"x","benefit":{"type":"fixed","value":"-1"},"condition":{"range_id":1,"value":1}}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "value is not a decimal",
			body:     `{"name":"x","benefit":{"type":"fixed","value":true},"condition":{"range_id":1,"value":1}}`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodPost, "/api/v1/offers", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestGetOffer(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/offers/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":1,"name":"ten off","email_domains":null,"max_global_applications":null,
		"num_applications":0,"max_discount":null,"total_discount":"0","available":true,
		"benefit":{"type":"percentage","value":"10","max_affected_items":0,"enterprise_customer":null},
		"condition":{"range_id":1,"value":1}}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/offers/2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecordApplication(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/offers/1/applications", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodPost, "/api/v1/offers/1/applications", `{"discount":"12.50"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, f.offers.recorded, 2)
	assert.True(t, decimal.Zero.Equal(f.offers.recorded[0]))
	assert.True(t, decimal.RequireFromString("12.50").Equal(f.offers.recorded[1]))

	w = f.do(http.MethodPost, "/api/v1/offers/1/applications", `{"discount":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/offers/1/applications", `{"discount":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, f.offers.recorded, 2)

	f.offers.recordErr = offer.ErrNotApplicable
	w = f.do(http.MethodPost, "/api/v1/offers/1/applications", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

const basketBody = `{
	"owner":{"username":"learner","email":"learner@example.com"},
	"currency":"USD",
	"lines":[
		{"product_id":10,"course_id":"course-v1:edX+DemoX","certificate_type":"verified","price":"20.00","quantity":2},
		{"product_id":11,"course_id":"course-v1:MITx+6.00x","certificate_type":"verified","price":15,"quantity":1}
	]
}`

func TestEvaluate(t *testing.T) {
	f := newFixture(t)
	f.evaluator.alloc = &offer.Allocation{
		TotalDiscount: decimal.RequireFromString("4.00"),
		AffectedLines: []offer.AffectedLine{{
			Line:     offer.NewLine(productrange.Product{ID: 10}, decimal.NewFromInt(20), 2),
			Discount: decimal.RequireFromString("4.00"),
			Quantity: 2,
		}},
	}

	w := f.do(http.MethodPost, "/api/v1/offers/1/evaluate", basketBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"applicable":true,"total_discount":"4","lines":[{"product_id":10,"quantity":2,"discount":"4"}]}`,
		w.Body.String())

	assert.Equal(t, defaultSite, f.evaluator.site)
	b := f.evaluator.basket
	require.NotNil(t, b)
	assert.Equal(t, offer.Owner{Username: "learner", Email: "learner@example.com"}, b.Owner)
	require.Len(t, b.Lines, 2)
	assert.Equal(t, "course-v1:MITx+6.00x", b.Lines[1].Product.CourseID)
	assert.True(t, decimal.NewFromInt(15).Equal(b.Lines[1].Price))
	assert.Equal(t, 2, b.Lines[0].QuantityWithoutDiscount)
}

func TestEvaluate_Site(t *testing.T) {
	f := newFixture(t)
	f.evaluator.alloc = &offer.Allocation{TotalDiscount: decimal.Zero}

	w := f.do(http.MethodPost, "/api/v1/offers/1/evaluate",
		`{"site":{"domain":"mit.example.com","partner_code":"MITx"},"lines":[]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, productrange.Site{Domain: "mit.example.com", PartnerCode: "MITx"}, f.evaluator.site)
	assert.JSONEq(t, `{"applicable":true,"total_discount":"0","lines":[]}`, w.Body.String())
}

func TestEvaluate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		evalErr  error
		wantCode int
		wantBody string
	}{
		{
			name:     "not applicable",
			path:     "/api/v1/offers/1/evaluate",
			body:     basketBody,
			evalErr:  offer.ErrNotApplicable,
			wantCode: http.StatusOK,
			wantBody: `{"applicable":false}`,
		},
		{
			name: "catalog service failure",
			path: "/api/v1/offers/1/evaluate",
			body: basketBody,
			evalErr: errors.Wrap(&productrange.ExternalServiceError{
				Resource: productrange.ResourceQueryContains,
				Cause:    context.DeadlineExceeded,
			}, "resolve range membership"),
			wantCode: http.StatusBadGateway,
			wantBody: `{"code":502,"message":"catalog service unavailable"}`,
		},
		{
			name:     "unexpected failure",
			path:     "/api/v1/offers/1/evaluate",
			body:     basketBody,
			evalErr:  errors.New("boom"),
			wantCode: http.StatusInternalServerError,
			wantBody: `{"code":500,"message":"internal error"}`,
		},
		{
			name:     "unknown offer",
			path:     "/api/v1/offers/7/evaluate",
			body:     basketBody,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "unknown currency",
			path:     "/api/v1/offers/1/evaluate",
			body:     `{"currency":"XX","lines":[]}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "negative quantity",
			path:     "/api/v1/offers/1/evaluate",
			body:     `{"lines":[{"product_id":1,"price":"1","quantity":-1}]}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "negative price",
			path:     "/api/v1/offers/1/evaluate",
			body:     `{"lines":[{"product_id":1,"price":"-1","quantity":1}]}`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.evaluator.err = tt.evalErr

			w := f.do(http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
		})
	}
}
