package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// RunStatus represents the current status of an optimization run.
type RunStatus string

const (
	// RunStatusPending indicates a run has been created but not yet seeded.
	RunStatusPending RunStatus = "PENDING"
	// RunStatusRunning indicates the run has a job in flight or is between jobs.
	RunStatusRunning RunStatus = "RUNNING"
	// RunStatusPaused indicates the orchestrator skips the run until resumed.
	RunStatusPaused RunStatus = "PAUSED"
	// RunStatusCompleted indicates every working model exhausted its iterations.
	RunStatusCompleted RunStatus = "COMPLETED"
	// RunStatusFailed indicates a job error terminated the run.
	RunStatusFailed RunStatus = "FAILED"
	// RunStatusCancelled indicates the run was cancelled by the owning tenant.
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Valid returns true if the RunStatus is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusPaused,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses the run can never leave.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// runTransitions is the closed transition table for run statuses.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning: {RunStatusPaused, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	RunStatusPaused:  {RunStatusRunning, RunStatusCancelled},
}

// CanTransitionTo reports whether the status may legally move to next.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IterationResult records the outcome of one generate-evaluate-improve cycle
// within a run, for a fixed model.
type IterationResult struct {
	Iteration         int                `json:"iteration"`
	JobID             string             `json:"jobId"`
	WorkingPromptID   string             `json:"workingPromptId"`
	Status            JobStatus          `json:"status"`
	EvalResult        json.RawMessage    `json:"evalResult,omitempty"`
	SuggestedPromptID string             `json:"suggestedPromptId,omitempty"`
	ProcessingMetrics *ProcessingMetrics `json:"processingMetrics,omitempty"`
}

// ModelRun holds the iteration results collected for a single working model.
type ModelRun struct {
	Model             string             `json:"model"`
	Iterations        []IterationResult  `json:"iterations"`
	ProcessingMetrics *ProcessingMetrics `json:"processingMetrics,omitempty"`
}

// Run represents an ordered, multi-model, multi-iteration optimization session.
type Run struct {
	ID                string             `json:"id"                           db:"id"`
	ClientID          string             `json:"client_id"                    db:"client_id"`
	Status            RunStatus          `json:"status"                       db:"status"`
	InitialPromptID   string             `json:"initial_prompt_id"            db:"initial_prompt_id"`
	EvalPromptID      string             `json:"eval_prompt_id"               db:"eval_prompt_id"`
	EvalModel         string             `json:"eval_model"                   db:"eval_model"`
	MetaPromptID      string             `json:"meta_prompt_id"               db:"meta_prompt_id"`
	MetaModel         string             `json:"meta_model"                   db:"meta_model"`
	WorkingModels     []string           `json:"working_models"               db:"working_models"`
	MaxIterations     int                `json:"max_iterations"               db:"max_iterations"`
	Temperature       float64            `json:"temperature"                  db:"temperature"`
	Priority          int                `json:"priority"                     db:"priority"`
	RequestData       json.RawMessage    `json:"request_data"                 db:"request_data"`
	CurrentModelIndex int                `json:"current_model_index"          db:"current_model_index"`
	CurrentIteration  int                `json:"current_iteration"            db:"current_iteration"`
	CurrentJobID      *string            `json:"current_job_id,omitempty"     db:"current_job_id"`
	ModelRuns         []ModelRun         `json:"model_runs"                   db:"model_runs"`
	ProcessingMetrics *ProcessingMetrics `json:"processing_metrics,omitempty" db:"processing_metrics"`
	FailureReason     *string            `json:"failure_reason,omitempty"     db:"failure_reason"`
	IsDeleted         bool               `json:"is_deleted"                   db:"is_deleted"`
	CreatedAt         time.Time          `json:"created_at"                   db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"                   db:"updated_at"`
	DeletedAt         *time.Time         `json:"deleted_at,omitempty"         db:"deleted_at"`
}

// CurrentModel returns the working model the run is iterating on.
func (r *Run) CurrentModel() (string, bool) {
	if r.CurrentModelIndex < 0 || r.CurrentModelIndex >= len(r.WorkingModels) {
		return "", false
	}
	return r.WorkingModels[r.CurrentModelIndex], true
}

// CreateRunRequest represents a request to create a new optimization run.
type CreateRunRequest struct {
	ClientID        string          `json:"client_id"`
	InitialPromptID string          `json:"initial_prompt_id"`
	EvalPromptID    string          `json:"eval_prompt_id"`
	EvalModel       string          `json:"eval_model"`
	MetaPromptID    string          `json:"meta_prompt_id"`
	MetaModel       string          `json:"meta_model"`
	WorkingModels   []string        `json:"working_models"`
	MaxIterations   int             `json:"max_iterations"`
	Temperature     float64         `json:"temperature"`
	Priority        int             `json:"priority"`
	RequestData     json.RawMessage `json:"request_data"`
}

// Validate validates the CreateRunRequest fields.
func (r *CreateRunRequest) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return errors.New("client id is required")
	}
	for name, v := range map[string]string{
		"initial prompt id": r.InitialPromptID,
		"eval prompt id":    r.EvalPromptID,
		"eval model":        r.EvalModel,
		"meta prompt id":    r.MetaPromptID,
		"meta model":        r.MetaModel,
	} {
		if strings.TrimSpace(v) == "" {
			return errors.New(name + " is required")
		}
	}
	if len(r.WorkingModels) == 0 {
		return errors.New("at least one working model is required")
	}
	if r.MaxIterations < 1 {
		return errors.New("max iterations must be >= 1")
	}
	if r.Temperature < 0 || r.Temperature > 1 {
		return errors.New("temperature must be between 0 and 1")
	}
	if r.Priority < 1 || r.Priority > 1000 {
		return errors.New("priority must be between 1 and 1000")
	}
	if len(r.RequestData) == 0 {
		return errors.New("request data is required")
	}
	return nil
}
