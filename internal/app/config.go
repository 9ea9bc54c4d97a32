package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/oolio-offers/internal/catalogapi"
	"github.com/xenking/oolio-offers/internal/domain/money"
	"github.com/xenking/oolio-offers/internal/enterprise"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds the complete application configuration, loadable from
// environment variables (OFFERS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (OFFERS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Site        SiteConfig
	Catalog     catalogapi.Config
	Enterprise  enterprise.Config
	Cache       CacheConfig
	Evaluation  EvaluationConfig
	Graceful    GracefulConfig
}

// SiteConfig is the storefront used when a request names none.
type SiteConfig struct {
	Domain      string `default:"localhost" usage:"Default site domain"`
	PartnerCode string `usage:"Default partner short code sent to the catalog service" flag:"partner-code"`
}

// CacheConfig controls where range membership answers are cached.
type CacheConfig struct {
	Backend       string        `default:"memory" usage:"Cache backend: memory or redis"`
	RedisURL      string        `usage:"Redis URL (OFFERS_CACHE_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	TTL           time.Duration `default:"1h" usage:"Range membership cache TTL"`
	SweepInterval time.Duration `default:"5m" usage:"Expired entry sweep interval of the memory cache" flag:"sweep-interval"`
}

// EvaluationConfig tunes offer evaluation.
type EvaluationConfig struct {
	LookupConcurrency int    `default:"8" usage:"Concurrent membership lookups per evaluation" flag:"lookup-concurrency"`
	RoundingMode      string `default:"half_even" usage:"Discount rounding: half_even or down" flag:"rounding-mode"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "OFFERS",
		Files:     []string{"config.yaml", "/etc/offers/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set OFFERS_DATABASE_URL or DATABASE_URL")
	}
	if c.Catalog.BaseURL == "" {
		return errors.New("catalog base URL is required: set OFFERS_CATALOG_BASE_URL")
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return errors.New("redis cache requires OFFERS_CACHE_REDIS_URL or REDIS_URL")
		}
	default:
		return errors.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch money.RoundingMode(c.Evaluation.RoundingMode) {
	case money.RoundHalfEven, money.RoundDown:
	default:
		return errors.Errorf("unknown rounding mode %q", c.Evaluation.RoundingMode)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's OFFERS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Cache.RedisURL == "" {
		c.Cache.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
