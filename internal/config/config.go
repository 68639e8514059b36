// Package config loads the server configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every setting of the exchange server. Unset variables take
// their envDefault value.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	SeedFile    string `env:"SEED_FILE"`

	EvaluatorURL           string        `env:"EVALUATOR_URL" envDefault:"http://localhost:5000"`
	EvaluatorTimeout       time.Duration `env:"EVALUATOR_TIMEOUT" envDefault:"30s"`
	EvaluationPollInterval time.Duration `env:"EVALUATION_POLL_INTERVAL" envDefault:"1s"`

	TradeMaxRetries int `env:"TRADE_MAX_RETRIES" envDefault:"3"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Backend names the ledger backend selected by the configuration.
func (c *Config) Backend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.RedisURL != "":
		return "redis"
	default:
		return "memory"
	}
}

// LoadConfig reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	conf, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// MustLoadConfig is LoadConfig that panics on error.
func MustLoadConfig() *Config {
	config, err := LoadConfig()
	if err != nil {
		panic(err)
	}
	return config
}

func (c *Config) validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if u, err := url.Parse(c.EvaluatorURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("EVALUATOR_URL %q is not an absolute URL", c.EvaluatorURL))
	}
	if c.EvaluatorTimeout <= 0 {
		errs = append(errs, errors.New("EVALUATOR_TIMEOUT must be positive"))
	}
	if c.EvaluationPollInterval <= 0 {
		errs = append(errs, errors.New("EVALUATION_POLL_INTERVAL must be positive"))
	}
	if c.TradeMaxRetries < 1 {
		errs = append(errs, errors.New("TRADE_MAX_RETRIES must be at least 1"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
