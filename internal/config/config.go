package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the anastasis-httpd daemon's configuration. anastasis-cli
// takes its (much smaller) configuration inline on the command line
// instead, since it has no listener or persistence backend to wire up.
type Config struct {
	Env string `env:"ANASTASIS_ENV" envDefault:"dev"`

	HTTPAddr   string `env:"ANASTASIS_HTTP_ADDR" envDefault:"127.0.0.1:8888"`
	CORSOrigin string `env:"ANASTASIS_CORS_ORIGIN" envDefault:""`

	SessionBackend string `env:"ANASTASIS_SESSION_BACKEND" envDefault:"memory"` // memory | postgres | vault
	DBDSN          string `env:"ANASTASIS_DB_DSN" envDefault:""`

	VaultAddr  string `env:"ANASTASIS_VAULT_ADDR" envDefault:""`
	VaultToken string `env:"ANASTASIS_VAULT_TOKEN" envDefault:""`

	CatalogCacheBackend string `env:"ANASTASIS_CATALOG_CACHE" envDefault:"memory"` // memory | redis
	RedisAddr           string `env:"ANASTASIS_REDIS_ADDR" envDefault:"127.0.0.1:6379"`

	ConfigProbeTimeout time.Duration `env:"ANASTASIS_CONFIG_PROBE_TIMEOUT" envDefault:"60s"`

	// RequireBearerAuth gates anastasis-httpd behind a JWT issued out of band,
	// for the multi-machine deployment where a GUI on one host drives a
	// session daemon on another.
	RequireBearerAuth bool   `env:"ANASTASIS_REQUIRE_BEARER_AUTH" envDefault:"false"`
	JWTIssuer         string `env:"ANASTASIS_JWT_ISSUER" envDefault:"anastasis-httpd"`
	JWTSecret         string `env:"ANASTASIS_JWT_SECRET" envDefault:""`

	// ExternalReducer, when set, shells out to an alternate reducer binary
	// for every action instead of using the in-process dispatcher (§4.I,
	// §6 ANASTASIS_EXTERNAL_REDUCER).
	ExternalReducer string `env:"ANASTASIS_EXTERNAL_REDUCER" envDefault:""`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
