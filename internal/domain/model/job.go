// Package model defines the core data types and structures used throughout the optiq job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates a job is waiting to be claimed by a worker.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusProcessing indicates a worker has claimed the job and owns it exclusively.
	JobStatusProcessing JobStatus = "PROCESSING"
	// JobStatusProcessed indicates the model produced a result that has been persisted.
	JobStatusProcessed JobStatus = "PROCESSED"
	// JobStatusErrorProcessing indicates processing failed; errorData carries the detail.
	JobStatusErrorProcessing JobStatus = "ERROR_PROCESSING"
	// JobStatusConsumed indicates a client acknowledged the processed result.
	JobStatusConsumed JobStatus = "CONSUMED"
	// JobStatusErrorConsuming indicates a client failed to consume the result.
	JobStatusErrorConsuming JobStatus = "ERROR_CONSUMING"
	// JobStatusCanceled indicates the job was canceled before processing.
	JobStatusCanceled JobStatus = "CANCELED"
)

// Valid returns true if the JobStatus is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusProcessed,
		JobStatusErrorProcessing, JobStatusConsumed, JobStatusErrorConsuming,
		JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses that end a job's processing lifecycle.
// Requeue transitions can still leave a terminal status; Terminal only says
// the queue worker will not act on the job again without client intervention.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusProcessed, JobStatusErrorProcessing, JobStatusConsumed,
		JobStatusErrorConsuming, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// jobTransitions is the closed transition table for job statuses.
// PROCESSING -> PENDING is the stop-requested rollback: a worker that
// observed a stop signal before invoking the model returns the claim.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:         {JobStatusProcessing, JobStatusCanceled},
	JobStatusProcessing:      {JobStatusProcessed, JobStatusErrorProcessing, JobStatusPending},
	JobStatusProcessed:       {JobStatusConsumed, JobStatusErrorConsuming},
	JobStatusErrorProcessing: {JobStatusPending},
	JobStatusErrorConsuming:  {JobStatusPending},
	JobStatusCanceled:        {JobStatusPending},
}

// CanTransitionTo reports whether the status may legally move to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a status mutation violates the transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// Error kinds recorded in a job's ErrorData.
const (
	ErrorKindProcessing  = "PROCESSING_ERROR"
	ErrorKindJSONParsing = "JSON_PARSING_ERROR"
	ErrorKindValidation  = "VALIDATION_ERROR"
)

// ErrorData is the structured failure detail attached to a job in an error state.
// RawResponse preserves the full model output for manual recovery and is never
// truncated or dropped.
type ErrorData struct {
	Kind            string    `json:"kind"`
	Message         string    `json:"message"`
	RawResponse     string    `json:"rawResponse,omitempty"`
	RepairAttempted bool      `json:"repairAttempted,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Job represents one unit of asynchronous model-invocation work.
type Job struct {
	ID                string             `json:"id"                          db:"id"`
	ClientID          string             `json:"client_id"                   db:"client_id"`
	Status            JobStatus          `json:"status"                      db:"status"`
	Operation         string             `json:"operation"                   db:"operation"`
	Prompts           []string           `json:"prompts"                     db:"prompts"`
	Model             string             `json:"model"                       db:"model"`
	Temperature       float64            `json:"temperature"                 db:"temperature"`
	Priority          int                `json:"priority"                    db:"priority"`
	RequestData       json.RawMessage    `json:"request_data"                db:"request_data"`
	ResponseData      json.RawMessage    `json:"response_data,omitempty"     db:"response_data"`
	ProcessingMetrics *ProcessingMetrics `json:"processing_metrics,omitempty" db:"processing_metrics"`
	ClientReference   json.RawMessage    `json:"client_reference,omitempty"  db:"client_reference"`
	ErrorData         *ErrorData         `json:"error_data,omitempty"        db:"error_data"`
	IsDeleted         bool               `json:"is_deleted"                  db:"is_deleted"`
	CreatedAt         time.Time          `json:"created_at"                  db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"                  db:"updated_at"`
	DeletedAt         *time.Time         `json:"deleted_at,omitempty"        db:"deleted_at"`
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	ClientID        string          `json:"client_id"`
	Operation       string          `json:"operation"`
	Prompts         []string        `json:"prompts"`
	Model           string          `json:"model"`
	Temperature     float64         `json:"temperature"`
	Priority        int             `json:"priority"`
	RequestData     json.RawMessage `json:"request_data"`
	ClientReference json.RawMessage `json:"client_reference,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return errors.New("client id is required")
	}
	if strings.TrimSpace(r.Operation) == "" {
		return errors.New("operation is required")
	}
	if len(r.Prompts) == 0 {
		return errors.New("at least one prompt is required")
	}
	for i, p := range r.Prompts {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("prompt reference %d is empty", i)
		}
	}
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("model is required")
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

// JobResult carries the fields written atomically with a status transition.
// Exactly one of the result/error groups is set depending on the target status.
type JobResult struct {
	ResponseData      json.RawMessage
	ProcessingMetrics *ProcessingMetrics
	ErrorData         *ErrorData
}
