// Package config loads application configuration from environment variables.
package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and cache configuration
//   - services.go: Service mode, worker pool and orchestrator configuration
//   - observability.go: Metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior.
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	// Services is the comma-delimited list of service modes to run.
	Services string `env:"SERVICES" envDefault:"worker-pool,orchestrator"`

	// Worker pool configuration
	WorkerPool WorkerPoolConfig

	// Run orchestrator configuration
	Orchestrator OrchestratorConfig

	// LLM adapter configuration
	LLM LLMConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.WorkerPool.Sanitize()
	c.Orchestrator.Sanitize()
	c.LLM.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// GetEnabledServices parses the Services list into the set of enabled
// service modes.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// detectDevMode checks both DEV and NODE_ENV environment variables. NODE_ENV
// is checked as a fallback for parity with the companion tooling.
func (c *AppConfig) detectDevMode() {
	if c.IsDev {
		return
	}
	if strings.EqualFold(os.Getenv("NODE_ENV"), "development") {
		c.IsDev = true
	}
}
