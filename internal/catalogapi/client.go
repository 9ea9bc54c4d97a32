// Package catalogapi is a client for the course catalog service.
package catalogapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/oolio-offers/internal/apiauth"
	"github.com/xenking/oolio-offers/internal/domain/productrange"
)

var _ productrange.CatalogService = (*Client)(nil)

// maxBodySize bounds the response bodies the client reads.
const maxBodySize = 4 << 20

// Config configures the catalog service client.
type Config struct {
	BaseURL string         `usage:"Course catalog service base URL"`
	Timeout time.Duration  `default:"5s" usage:"Per-request timeout"`
	Auth    apiauth.Config
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client calls the catalog service "contains" endpoints.
type Client struct {
	base    *url.URL
	timeout time.Duration
	http    *http.Client
}

// Option configures a Client.
type Option func(*options)

type options struct {
	transport http.RoundTripper
	tp        trace.TracerProvider
	mp        metric.MeterProvider
}

// WithTransport sets the base transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithTracerProvider sets the tracer provider for outbound spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// WithMeterProvider sets the meter provider for outbound metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.mp = mp }
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("catalog base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse catalog base URL")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = http.DefaultTransport
	}

	var otelOpts []otelhttp.Option
	if o.tp != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(o.tp))
	}
	if o.mp != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(o.mp))
	}

	return &Client{
		base:    base,
		timeout: cfg.Timeout,
		http: &http.Client{
			Transport: otelhttp.NewTransport(apiauth.Wrap(o.transport, cfg.Auth), otelOpts...),
		},
	}, nil
}

// CatalogContains calls GET /api/v1/catalogs/{id}/contains/ and returns the
// "courses" map of the response.
func (c *Client) CatalogContains(ctx context.Context, catalogID int64, courseRunID, partner string) (map[string]bool, error) {
	q := url.Values{}
	q.Set("course_run_id", courseRunID)
	if partner != "" {
		q.Set("partner", partner)
	}
	return c.contains(ctx, "/api/v1/catalogs/"+strconv.FormatInt(catalogID, 10)+"/contains/", q, "courses")
}

// QueryContains calls GET /api/v1/course_runs/contains/ and returns the
// "course_runs" map of the response.
func (c *Client) QueryContains(ctx context.Context, query string, courseRunIDs []string, partner string) (map[string]bool, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("course_run_ids", strings.Join(courseRunIDs, ","))
	q.Set("partner", partner)
	return c.contains(ctx, "/api/v1/course_runs/contains/", q, "course_runs")
}

func (c *Client) contains(ctx context.Context, path string, q url.Values, field string) (map[string]bool, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	result, err := decodeContains(body, field)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", field)
	}
	return result, nil
}

// decodeContains reads {"<field>": {"<id>": bool, ...}, ...}. A missing or
// null field is an error.
func decodeContains(body []byte, field string) (map[string]bool, error) {
	var result map[string]bool
	d := jx.DecodeBytes(body)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != field {
			return d.Skip()
		}
		if d.Next() == jx.Null {
			return d.Null()
		}
		result = make(map[string]bool)
		return d.ObjBytes(func(d *jx.Decoder, id []byte) error {
			v, err := d.Bool()
			if err != nil {
				return errors.Wrapf(err, "value of %q", id)
			}
			result[string(id)] = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.Errorf("missing %q", field)
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
