// Package handler serves the offers HTTP API.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/oolio-offers/internal/domain/offer"
	"github.com/xenking/oolio-offers/internal/domain/productrange"
	"github.com/xenking/oolio-offers/internal/storage/postgres"
)

// Ranges stores ranges.
type Ranges interface {
	Create(ctx context.Context, name string, cfg productrange.Config) (*productrange.Range, error)
	Update(ctx context.Context, id int64, name string, cfg productrange.Config) (*productrange.Range, error)
	Get(ctx context.Context, id int64) (*productrange.Range, error)
	List(ctx context.Context) ([]*productrange.Range, error)
	SetProduct(ctx context.Context, rangeID, productID int64, excluded bool) error
}

// Offers stores conditional offers.
type Offers interface {
	Create(ctx context.Context, o *offer.ConditionalOffer) error
	Get(ctx context.Context, id int64) (*offer.ConditionalOffer, error)
	RecordApplication(ctx context.Context, id int64, discount decimal.Decimal) error
}

// RangeProducts enumerates the products of a range.
type RangeProducts interface {
	AllProducts(ctx context.Context, rng *productrange.Range) ([]productrange.Product, error)
}

// Evaluator applies an offer to a basket.
type Evaluator interface {
	Evaluate(ctx context.Context, site productrange.Site, o *offer.ConditionalOffer, b *offer.Basket) (*offer.Allocation, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// DefaultSite is used when an evaluation request names no site.
	DefaultSite productrange.Site
}

// Handler serves range management, offer management and offer evaluation.
type Handler struct {
	ranges    Ranges
	offers    Offers
	products  RangeProducts
	evaluator Evaluator
	site      productrange.Site
}

// New creates a Handler.
func New(cfg Config, ranges Ranges, offers Offers, products RangeProducts, evaluator Evaluator) *Handler {
	return &Handler{
		ranges:    ranges,
		offers:    offers,
		products:  products,
		evaluator: evaluator,
		site:      cfg.DefaultSite,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ranges", h.handle(h.listRanges))
	mux.HandleFunc("POST /api/v1/ranges", h.handle(h.createRange))
	mux.HandleFunc("GET /api/v1/ranges/{id}", h.handle(h.getRange))
	mux.HandleFunc("PUT /api/v1/ranges/{id}", h.handle(h.updateRange))
	mux.HandleFunc("GET /api/v1/ranges/{id}/products", h.handle(h.listRangeProducts))
	mux.HandleFunc("PUT /api/v1/ranges/{id}/products/{product_id}", h.handle(h.setRangeProduct))

	mux.HandleFunc("POST /api/v1/offers", h.handle(h.createOffer))
	mux.HandleFunc("GET /api/v1/offers/{id}", h.handle(h.getOffer))
	mux.HandleFunc("POST /api/v1/offers/{id}/evaluate", h.handle(h.evaluate))
	mux.HandleFunc("POST /api/v1/offers/{id}/applications", h.handle(h.recordApplication))
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (h *Handler) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeError(r.Context(), w, err)
		}
	}
}

// requestError carries a client error through the handler chain.
type requestError struct {
	code int
	err  error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &requestError{code: http.StatusBadRequest, err: err}
}

func unprocessable(err error) error {
	return &requestError{code: http.StatusUnprocessableEntity, err: err}
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(errors.Errorf("invalid %s %q", name, raw))
	}
	return id, nil
}

// statusOf maps an error to its response status and client message.
func statusOf(err error) (int, string) {
	var (
		reqErr *requestError
		extErr *productrange.ExternalServiceError
	)
	switch {
	case errors.As(err, &reqErr):
		return reqErr.code, reqErr.Error()
	case errors.Is(err, postgres.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, offer.ErrValidation), errors.Is(err, productrange.ErrInvalidRange):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, offer.ErrNotApplicable):
		return http.StatusConflict, err.Error()
	case errors.As(err, &extErr):
		return http.StatusBadGateway, "catalog service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code, msg := statusOf(err)
	if code >= http.StatusInternalServerError {
		zctx.From(ctx).Error("Request failed", zap.Int("status", code), zap.Error(err))
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("code")
	e.Int(code)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()
	writeJSON(w, code, e)
}
