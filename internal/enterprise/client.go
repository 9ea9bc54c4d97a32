// Package enterprise is a client for the enterprise membership service.
package enterprise

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/oolio-offers/internal/apiauth"
	"github.com/xenking/oolio-offers/internal/domain/offer"
)

var _ offer.EnterpriseLinker = (*Client)(nil)

// Config configures the enterprise client.
type Config struct {
	// Enabled is the runtime switch for enterprise offers. When false no
	// learner is considered linked and the service is never called.
	Enabled bool           `default:"false" usage:"Enable enterprise offers"`
	BaseURL string         `usage:"Enterprise service base URL"`
	Timeout time.Duration  `default:"5s" usage:"Per-request timeout"`
	Auth    apiauth.Config
}

// Client checks enterprise learner links.
type Client struct {
	enabled bool
	base    *url.URL
	timeout time.Duration
	http    *http.Client
}

// NewClient creates a Client for cfg. A disabled client needs no base URL.
func NewClient(cfg Config, tp trace.TracerProvider, base http.RoundTripper) (*Client, error) {
	c := &Client{enabled: cfg.Enabled, timeout: cfg.Timeout}
	if !cfg.Enabled {
		return c, nil
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("enterprise base URL is required when enterprise offers are enabled")
	}
	u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse enterprise base URL")
	}
	if base == nil {
		base = http.DefaultTransport
	}

	var otelOpts []otelhttp.Option
	if tp != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(tp))
	}
	c.base = u
	c.http = &http.Client{Transport: otelhttp.NewTransport(apiauth.Wrap(base, cfg.Auth), otelOpts...)}
	return c, nil
}

// IsUserLinked reports whether owner is a learner of enterpriseCustomer.
func (c *Client) IsUserLinked(ctx context.Context, enterpriseCustomer uuid.UUID, owner offer.Owner) (bool, error) {
	if !c.enabled {
		zctx.From(ctx).Debug("Enterprise offers disabled")
		return false, nil
	}
	if owner.Username == "" {
		return false, nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.base.JoinPath("/enterprise-learner/")
	q := url.Values{}
	q.Set("enterprise_customer", enterpriseCustomer.String())
	q.Set("username", owner.Username)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("enterprise-learner: unexpected status %d", resp.StatusCode)
	}

	count, err := decodeCount(body)
	if err != nil {
		return false, errors.Wrap(err, "decode enterprise-learner")
	}
	zctx.From(ctx).Debug("Enterprise learner lookup",
		zap.String("enterprise_customer", enterpriseCustomer.String()),
		zap.Int("count", count),
	)
	return count > 0, nil
}

// decodeCount reads the "count" of a paginated response.
func decodeCount(body []byte) (int, error) {
	count, seen := 0, false
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "count" {
			return d.Skip()
		}
		v, err := d.Int()
		if err != nil {
			return err
		}
		count, seen = v, true
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !seen {
		return 0, errors.New("missing count")
	}
	return count, nil
}
