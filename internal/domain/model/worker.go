package model

import (
	"errors"
	"strings"
	"time"
)

// WorkerStatus represents the persisted status of a named worker.
type WorkerStatus string

const (
	// WorkerStatusStopped indicates no execution context exists for the worker.
	WorkerStatusStopped WorkerStatus = "stopped"
	// WorkerStatusRunning indicates a live polling goroutine is bound to the worker.
	WorkerStatusRunning WorkerStatus = "running"
	// WorkerStatusError indicates the worker's last execution crashed or failed to launch.
	WorkerStatusError WorkerStatus = "error"
)

// Valid returns true if the WorkerStatus is a known status.
func (s WorkerStatus) Valid() bool {
	return s == WorkerStatusStopped || s == WorkerStatusRunning || s == WorkerStatusError
}

// WorkerConfig is the polling configuration attached to a worker. It may only
// be mutated while the worker is stopped.
type WorkerConfig struct {
	PollInterval           time.Duration     `json:"pollInterval"`
	MaxItemsPerBatch       int               `json:"maxItemsPerBatch"`
	ModelFilter            string            `json:"modelFilter,omitempty"`
	OperationFilter        string            `json:"operationFilter,omitempty"`
	ClientReferenceFilters map[string]string `json:"clientReferenceFilters,omitempty"`
	ExitWhenIdle           bool              `json:"exitWhenIdle,omitempty"`
}

// Validate validates the worker configuration.
func (c *WorkerConfig) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.MaxItemsPerBatch < 1 {
		return errors.New("max items per batch must be >= 1")
	}
	for k := range c.ClientReferenceFilters {
		if strings.TrimSpace(k) == "" {
			return errors.New("client reference filter keys must not be empty")
		}
	}
	return nil
}

// ThreadInfo is the opaque liveness metadata recorded while a worker is running.
type ThreadInfo struct {
	StartedAt time.Time `json:"startedAt"`
	PID       int       `json:"pid"`
}

// Worker is a named, persistent polling configuration. The live execution
// context, when one exists, is tracked by the pool manager, not the record.
type Worker struct {
	ID         string       `json:"id"                    db:"id"`
	ClientID   string       `json:"client_id"             db:"client_id"`
	Name       string       `json:"name"                  db:"name"`
	Status     WorkerStatus `json:"status"                db:"status"`
	Config     WorkerConfig `json:"config"                db:"config"`
	ThreadInfo *ThreadInfo  `json:"thread_info,omitempty" db:"thread_info"`
	Group      string       `json:"group,omitempty"       db:"group_tag"`
	IsDeleted  bool         `json:"is_deleted"            db:"is_deleted"`
	CreatedAt  time.Time    `json:"created_at"            db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"            db:"updated_at"`
	DeletedAt  *time.Time   `json:"deleted_at,omitempty"  db:"deleted_at"`
}

// CreateWorkerRequest represents a request to register a new worker.
type CreateWorkerRequest struct {
	ClientID string       `json:"client_id"`
	Name     string       `json:"name"`
	Config   WorkerConfig `json:"config"`
	Group    string       `json:"group,omitempty"`
}

// Validate validates the CreateWorkerRequest fields.
func (r *CreateWorkerRequest) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return errors.New("client id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	return r.Config.Validate()
}
