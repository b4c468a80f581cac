// Package core defines the contracts between the service layer and the data
// and adapter layers (ports in hexagonal architecture). Services depend on
// these interfaces, never on concrete implementations.
package core

import (
	"context"
	"time"

	"github.com/lumenlab/optiq/internal/domain/model"
)

// FetchPendingParams groups the filters a worker applies when claiming work.
// Zero-valued filters are ignored; ClientID is required.
type FetchPendingParams struct {
	ClientID               string
	ModelFilter            string
	OperationFilter        string
	ClientReferenceFilters map[string]string
	Limit                  int
}

// JobStore defines the interface for job data operations.
type JobStore interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// FetchPending returns non-deleted PENDING jobs matching the filters,
	// ordered by priority ascending then creation time ascending.
	FetchPending(ctx context.Context, params FetchPendingParams) ([]*model.Job, error)

	// TransitionStatus atomically moves a job from one status to another.
	// The update applies only when the job still holds the expected status;
	// it returns false when another worker won the race. The optional result
	// is written in the same statement as the status change.
	TransitionStatus(ctx context.Context, params TransitionJobParams) (bool, error)

	// SoftDelete marks a job deleted without removing the row.
	SoftDelete(ctx context.Context, id string) (bool, error)
}

// TransitionJobParams groups parameters for JobStore.TransitionStatus.
type TransitionJobParams struct {
	JobID      string
	FromStatus model.JobStatus
	ToStatus   model.JobStatus
	Result     *model.JobResult
}

// RunStore defines the interface for optimization run data operations.
type RunStore interface {
	Create(ctx context.Context, req *model.CreateRunRequest) (*model.Run, error)
	GetByID(ctx context.Context, id string) (*model.Run, error)

	// ListRunning returns all non-deleted runs currently in RUNNING status.
	ListRunning(ctx context.Context) ([]*model.Run, error)

	// TransitionStatus atomically moves a run from one status to another,
	// returning false when the run no longer holds the expected status.
	TransitionStatus(ctx context.Context, params TransitionRunParams) (bool, error)

	// SaveProgress persists the run's cursor and accumulated results after an
	// iteration is recorded or the run advances.
	SaveProgress(ctx context.Context, run *model.Run) error

	SoftDelete(ctx context.Context, id string) (bool, error)
}

// TransitionRunParams groups parameters for RunStore.TransitionStatus.
type TransitionRunParams struct {
	RunID         string
	FromStatus    model.RunStatus
	ToStatus      model.RunStatus
	FailureReason *string
}

// WorkerStore defines the interface for worker registration data.
type WorkerStore interface {
	Create(ctx context.Context, req *model.CreateWorkerRequest) (*model.Worker, error)
	GetByID(ctx context.Context, id string) (*model.Worker, error)
	List(ctx context.Context) ([]*model.Worker, error)
	ListByGroup(ctx context.Context, group string) ([]*model.Worker, error)

	// UpdateStatus records a worker's lifecycle state and thread bookkeeping.
	// A nil info clears the stored thread info.
	UpdateStatus(ctx context.Context, id string, status model.WorkerStatus, info *model.ThreadInfo) error

	UpdateConfig(ctx context.Context, id string, cfg model.WorkerConfig) (*model.Worker, error)

	// MarkAllRunningStopped forces every worker recorded as running back to
	// stopped and returns how many rows changed. Called once at boot.
	MarkAllRunningStopped(ctx context.Context) (int, error)
}

// PromptStore defines the interface for prompt data operations.
type PromptStore interface {
	Create(ctx context.Context, prompt *model.Prompt) (*model.Prompt, error)

	// Resolve returns the prompt text for an identifier, scoped to a client.
	Resolve(ctx context.Context, clientID, promptID string) (*model.Prompt, error)
}

// ModelRegistry resolves model identifiers to their provider configuration.
type ModelRegistry interface {
	Resolve(ctx context.Context, name string) (*model.ModelConfig, error)
}

// CompleteParams groups the inputs for a single completion request.
type CompleteParams struct {
	Model       *model.ModelConfig
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// CompletionResult carries the adapter's response and usage accounting.
type CompletionResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// ModelAdapter executes completion requests against an LLM provider.
type ModelAdapter interface {
	Complete(ctx context.Context, params CompleteParams) (*CompletionResult, error)

	// CompleteStream streams chunks to the callback as they arrive and
	// returns the assembled result. The callback must not block.
	CompleteStream(
		ctx context.Context,
		params CompleteParams,
		onChunk func(delta string),
	) (*CompletionResult, error)
}

// CacheRepository defines the interface for caching operations.
type CacheRepository interface {
	// Set stores a value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value by key. Returns nil when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}
