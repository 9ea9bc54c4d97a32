package productrange

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Catalog service resources, also used as cache key components.
const (
	ResourceCatalogContains = "catalogs.contains"
	ResourceQueryContains   = "course_runs.contains"
)

// DefaultCacheTTL is used when ResolverConfig.CacheTTL is zero.
const DefaultCacheTTL = time.Hour

// Product is the part of a catalogue product that membership depends on.
type Product struct {
	ID              int64
	CourseID        string
	CertificateType string
}

// Site identifies the storefront an evaluation runs for. It scopes cache keys
// and identifies the partner to the catalog service.
type Site struct {
	Domain      string
	PartnerCode string
}

// ExternalServiceError reports a failed catalog service lookup. It is never
// converted into a negative membership answer.
type ExternalServiceError struct {
	Resource string
	Cause    error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("catalog service %s: %v", e.Resource, e.Cause)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Cause
}

// CatalogService performs membership lookups against the course catalog
// service. Both calls return a map of course run id to membership.
type CatalogService interface {
	CatalogContains(ctx context.Context, catalogID int64, courseRunID, partner string) (map[string]bool, error)
	QueryContains(ctx context.Context, query string, courseRunIDs []string, partner string) (map[string]bool, error)
}

// Cache stores membership answers for remote lookups.
type Cache interface {
	Get(ctx context.Context, key string) (value, found bool, err error)
	Set(ctx context.Context, key string, value bool, ttl time.Duration) error
}

// StockRecords lists the products stocked by a static catalog.
type StockRecords interface {
	ContainsProduct(ctx context.Context, catalogID, productID int64) (bool, error)
	Products(ctx context.Context, catalogID int64) ([]Product, error)
}

// DefaultMembership is the membership every range has regardless of its
// mode: explicitly included products, minus exclusions, or everything when
// the range includes all products.
type DefaultMembership interface {
	Contains(ctx context.Context, r *Range, p Product) (bool, error)
	Products(ctx context.Context, r *Range) ([]Product, error)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	CacheTTL       time.Duration
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Resolver answers range membership questions. It is safe for concurrent use.
//
// Remote answers are cached with check-then-set semantics: concurrent misses
// for the same key may each call the catalog service and store the same
// value.
type Resolver struct {
	catalog  CatalogService
	cache    Cache
	stock    StockRecords
	fallback DefaultMembership
	ttl      time.Duration

	tracer   trace.Tracer
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	failures metric.Int64Counter
}

// NewResolver creates a Resolver from its collaborators.
func NewResolver(
	catalog CatalogService,
	cache Cache,
	stock StockRecords,
	fallback DefaultMembership,
	cfg ResolverConfig,
) (*Resolver, error) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = nooptrace.NewTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = noop.NewMeterProvider()
	}

	meter := cfg.MeterProvider.Meter("offers/productrange")
	r := &Resolver{
		catalog:  catalog,
		cache:    cache,
		stock:    stock,
		fallback: fallback,
		ttl:      cfg.CacheTTL,
		tracer:   cfg.TracerProvider.Tracer("offers/productrange"),
	}

	var err error
	if r.hits, err = meter.Int64Counter("offers.range.cache.hits"); err != nil {
		return nil, errors.Wrap(err, "create hits counter")
	}
	if r.misses, err = meter.Int64Counter("offers.range.cache.misses"); err != nil {
		return nil, errors.Wrap(err, "create misses counter")
	}
	if r.failures, err = meter.Int64Counter("offers.range.remote.failures"); err != nil {
		return nil, errors.Wrap(err, "create failures counter")
	}
	return r, nil
}

// Contains reports whether p belongs to rng. Remote lookups that fail
// return an *ExternalServiceError.
func (r *Resolver) Contains(ctx context.Context, site Site, rng *Range, p Product) (bool, error) {
	switch m := rng.Mode.(type) {
	case ExternalCatalog:
		if !m.SeatTypes.Allows(p.CertificateType) {
			return r.fallback.Contains(ctx, rng, p)
		}
		key := CacheKey(site, ResourceCatalogContains, p.CourseID, "catalog_id", strconv.FormatInt(m.CatalogID, 10))
		return r.remoteOrDefault(ctx, rng, p, ResourceCatalogContains, key, func(ctx context.Context) (map[string]bool, error) {
			return r.catalog.CatalogContains(ctx, m.CatalogID, p.CourseID, site.PartnerCode)
		})
	case DynamicQuery:
		if !m.SeatTypes.Allows(p.CertificateType) {
			return r.fallback.Contains(ctx, rng, p)
		}
		key := CacheKey(site, ResourceQueryContains, p.CourseID, "query", m.Query)
		return r.remoteOrDefault(ctx, rng, p, ResourceQueryContains, key, func(ctx context.Context) (map[string]bool, error) {
			return r.catalog.QueryContains(ctx, m.Query, []string{p.CourseID}, site.PartnerCode)
		})
	case StaticCatalog:
		stocked, err := r.stock.ContainsProduct(ctx, m.CatalogID, p.ID)
		if err != nil {
			return false, errors.Wrapf(err, "check stock records of catalog %d", m.CatalogID)
		}
		if stocked {
			return true, nil
		}
		return r.fallback.Contains(ctx, rng, p)
	default:
		return r.fallback.Contains(ctx, rng, p)
	}
}

// AllProducts enumerates the products of rng. Ranges resolved by the catalog
// service cannot be enumerated locally and yield no products; use Contains
// for those.
func (r *Resolver) AllProducts(ctx context.Context, rng *Range) ([]Product, error) {
	switch m := rng.Mode.(type) {
	case ExternalCatalog, DynamicQuery:
		return nil, nil
	case StaticCatalog:
		stocked, err := r.stock.Products(ctx, m.CatalogID)
		if err != nil {
			return nil, errors.Wrapf(err, "list stock records of catalog %d", m.CatalogID)
		}
		rest, err := r.fallback.Products(ctx, rng)
		if err != nil {
			return nil, errors.Wrap(err, "list default products")
		}
		return append(stocked, rest...), nil
	default:
		return r.fallback.Products(ctx, rng)
	}
}

// NumProducts returns the length of AllProducts.
func (r *Resolver) NumProducts(ctx context.Context, rng *Range) (int, error) {
	products, err := r.AllProducts(ctx, rng)
	if err != nil {
		return 0, err
	}
	return len(products), nil
}

type lookupFunc func(ctx context.Context) (map[string]bool, error)

// remoteOrDefault returns the cached or remote answer OR the default
// membership. A positive default match wins over a negative remote answer.
func (r *Resolver) remoteOrDefault(
	ctx context.Context,
	rng *Range,
	p Product,
	resource, key string,
	lookup lookupFunc,
) (bool, error) {
	member, err := r.cachedLookup(ctx, p, resource, key, lookup)
	if err != nil {
		return false, err
	}
	if member {
		return true, nil
	}
	return r.fallback.Contains(ctx, rng, p)
}

func (r *Resolver) cachedLookup(ctx context.Context, p Product, resource, key string, lookup lookupFunc) (bool, error) {
	lg := zctx.From(ctx)
	attrs := metric.WithAttributes(attribute.String("resource", resource))

	value, found, err := r.cache.Get(ctx, key)
	switch {
	case err != nil:
		lg.Warn("Range cache read failed", zap.String("resource", resource), zap.Error(err))
	case found:
		r.hits.Add(ctx, 1, attrs)
		return value, nil
	}
	r.misses.Add(ctx, 1, attrs)

	ctx, span := r.tracer.Start(ctx, resource,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("course_id", p.CourseID)),
	)
	defer span.End()

	result, err := lookup(ctx)
	if err != nil {
		r.failures.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, &ExternalServiceError{Resource: resource, Cause: err}
	}

	value, ok := result[p.CourseID]
	if !ok {
		err := errors.Errorf("response has no answer for course %q", p.CourseID)
		r.failures.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, &ExternalServiceError{Resource: resource, Cause: err}
	}
	lg.Debug("Range remote lookup",
		zap.String("resource", resource),
		zap.String("course_id", p.CourseID),
		zap.Bool("member", value),
	)
	if err := r.cache.Set(ctx, key, value, r.ttl); err != nil {
		lg.Warn("Range cache write failed", zap.String("resource", resource), zap.Error(err))
	}
	return value, nil
}

// CacheKey builds the deterministic cache key for a remote lookup from the
// site, the resource, the course id and one lookup-specific parameter.
func CacheKey(site Site, resource, courseID, param, value string) string {
	v := url.Values{}
	v.Set("site_domain", site.Domain)
	v.Set("partner_code", site.PartnerCode)
	v.Set("resource", resource)
	v.Set("course_id", courseID)
	v.Set(param, value)

	sum := md5.Sum([]byte(v.Encode()))
	return "offers:" + hex.EncodeToString(sum[:])
}
