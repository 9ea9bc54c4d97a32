// Package apiauth authenticates outbound calls to platform services with a
// bearer token.
package apiauth

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is used when Config.TokenTTL is zero.
const DefaultTokenTTL = 5 * time.Minute

// Config describes how service tokens are obtained. A static Token takes
// precedence over signing.
type Config struct {
	// Token is sent as is when set.
	Token string `usage:"Static bearer token"`
	// SigningKey signs HS256 service tokens when Token is empty.
	SigningKey string        `usage:"HMAC key for service JWTs"`
	Issuer     string        `default:"offers" usage:"Issuer claim of service JWTs"`
	Audience   string        `usage:"Audience claim of service JWTs"`
	Subject    string        `default:"offers-service" usage:"Subject claim of service JWTs"`
	TokenTTL   time.Duration `default:"5m" usage:"Lifetime of service JWTs"`
}

// Enabled reports whether requests should carry a token at all.
func (c Config) Enabled() bool {
	return c.Token != "" || c.SigningKey != ""
}

// Signer issues service tokens, reusing a token until it is close to expiry.
type Signer struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

// NewSigner returns a Signer for cfg.
func NewSigner(cfg Config) *Signer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	return &Signer{cfg: cfg, now: time.Now}
}

// Token returns a valid bearer token.
func (s *Signer) Token() (string, error) {
	if s.cfg.Token != "" {
		return s.cfg.Token, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.renewAt) {
		return s.token, nil
	}

	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   s.cfg.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SigningKey))
	if err != nil {
		return "", errors.Wrap(err, "sign service token")
	}

	s.token = token
	// Renew once four fifths of the lifetime has passed.
	s.renewAt = now.Add(s.cfg.TokenTTL * 4 / 5)
	return token, nil
}

// Transport sets the Authorization header on every request.
type Transport struct {
	Base   http.RoundTripper
	Signer *Signer
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Signer.Token()
	if err != nil {
		return nil, err
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "JWT "+token)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Wrap returns base authenticated according to cfg, or base itself when cfg
// carries no credentials.
func Wrap(base http.RoundTripper, cfg Config) http.RoundTripper {
	if !cfg.Enabled() {
		return base
	}
	return &Transport{Base: base, Signer: NewSigner(cfg)}
}
