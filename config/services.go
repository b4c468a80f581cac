package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorkerPool runs the queue worker pool manager.
	ServiceModeWorkerPool ServiceMode = "worker-pool"
	// ServiceModeOrchestrator runs the optimization run orchestrator.
	ServiceModeOrchestrator ServiceMode = "orchestrator"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorkerPool,
		ServiceModeOrchestrator,
	}
}

// ParseServices parses a comma-delimited string of service names and returns
// the enabled services. All names must be valid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}

		mode := ServiceMode(name)
		switch mode {
		case ServiceModeWorkerPool, ServiceModeOrchestrator:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service mode %q (valid: %v)", name, ValidServiceModes())
		}
	}

	if len(services) == 0 {
		return services, errors.New("at least one service must be specified")
	}
	return services, nil
}

// WorkerPoolConfig controls the queue worker pool manager.
type WorkerPoolConfig struct {
	// StopTimeout is how long a stop request waits for a worker loop to exit.
	StopTimeout time.Duration `env:"WORKER_POOL_STOP_TIMEOUT" envDefault:"10s"`

	// AutoStartGroup names a worker group to start at boot. Empty means no
	// workers start automatically; they must be started explicitly.
	AutoStartGroup string `env:"WORKER_POOL_AUTO_START_GROUP" envDefault:""`
}

// Sanitize applies guardrails to worker pool configuration.
func (c *WorkerPoolConfig) Sanitize() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	c.AutoStartGroup = strings.TrimSpace(c.AutoStartGroup)
}

// OrchestratorConfig controls the optimization run orchestrator.
type OrchestratorConfig struct {
	// Interval is the cycle interval between run inspections.
	Interval time.Duration `env:"ORCHESTRATOR_INTERVAL" envDefault:"5s"`

	// EvalResultExpr is the jmespath expression that extracts the evaluation
	// result from a processed job's response payload.
	EvalResultExpr string `env:"ORCHESTRATOR_EVAL_RESULT_EXPR" envDefault:""`

	// SuggestedPromptExpr is the jmespath expression that extracts the next
	// suggested prompt id from a processed job's response payload.
	SuggestedPromptExpr string `env:"ORCHESTRATOR_SUGGESTED_PROMPT_EXPR" envDefault:""`
}

// Sanitize applies guardrails to orchestrator configuration.
func (c *OrchestratorConfig) Sanitize() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	c.EvalResultExpr = strings.TrimSpace(c.EvalResultExpr)
	c.SuggestedPromptExpr = strings.TrimSpace(c.SuggestedPromptExpr)
}

// LLMConfig controls the model provider adapter.
type LLMConfig struct {
	// RequestTimeout bounds a single completion request.
	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`
}

// Sanitize applies guardrails to LLM adapter configuration.
func (c *LLMConfig) Sanitize() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
}
