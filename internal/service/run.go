package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
	apperrors "github.com/lumenlab/optiq/internal/errors"
)

// OperationOptimize is the job operation used for run iteration jobs.
const OperationOptimize = "optimize"

// RunServiceOptions groups dependencies for RunService.
type RunServiceOptions struct {
	Runs    core.RunStore      // Required: run store
	Jobs    core.JobStore      // Required: job store for seeding iteration jobs
	Prompts core.PromptStore   // Required: referenced prompts must resolve at create time
	Models  core.ModelRegistry // Required: referenced models must resolve at create time
	Logger  *slog.Logger       // Optional
}

// RunService provides lifecycle operations for optimization runs: creation,
// pause/resume/cancel, and the seed/advance steps the orchestrator drives.
type RunService struct {
	runs    core.RunStore
	jobs    core.JobStore
	prompts core.PromptStore
	models  core.ModelRegistry
	logger  *slog.Logger
}

// NewRunService constructs a new RunService.
func NewRunService(opts RunServiceOptions) (*RunService, error) {
	if opts.Runs == nil {
		return nil, errors.New("RunStore is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Prompts == nil {
		return nil, errors.New("PromptStore is required")
	}
	if opts.Models == nil {
		return nil, errors.New("ModelRegistry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RunService{
		runs:    opts.Runs,
		jobs:    opts.Jobs,
		prompts: opts.Prompts,
		models:  opts.Models,
		logger:  logger.With("component", "run_service"),
	}, nil
}

// MustNewRunService constructs a new RunService and panics on error.
func MustNewRunService(opts RunServiceOptions) *RunService {
	svc, err := NewRunService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Create validates the request, verifies every referenced prompt and model
// resolves, persists the run, seeds the first iteration job, and flips the
// run to RUNNING.
func (s *RunService) Create(ctx context.Context, req *model.CreateRunRequest) (*model.Run, error) {
	if req == nil {
		return nil, apperrors.Validation("create run request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid run request")
	}

	if err := s.verifyReferences(ctx, req); err != nil {
		return nil, err
	}

	run, err := s.runs.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if err := s.seedNextJob(ctx, run); err != nil {
		reason := err.Error()
		if _, failErr := s.runs.TransitionStatus(ctx, core.TransitionRunParams{
			RunID:         run.ID,
			FromStatus:    model.RunStatusPending,
			ToStatus:      model.RunStatusFailed,
			FailureReason: &reason,
		}); failErr != nil {
			s.logger.ErrorContext(ctx, "mark run failed after seed error", "run_id", run.ID, "error", failErr)
		}
		return nil, fmt.Errorf("seed first job: %w", err)
	}

	if _, err := s.runs.TransitionStatus(ctx, core.TransitionRunParams{
		RunID:      run.ID,
		FromStatus: model.RunStatusPending,
		ToStatus:   model.RunStatusRunning,
	}); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	run.Status = model.RunStatusRunning

	s.logger.InfoContext(ctx, "run created",
		"run_id", run.ID,
		"client_id", run.ClientID,
		"working_models", len(run.WorkingModels),
		"max_iterations", run.MaxIterations,
	)
	return run, nil
}

func (s *RunService) verifyReferences(ctx context.Context, req *model.CreateRunRequest) error {
	promptIDs := []string{req.InitialPromptID, req.EvalPromptID, req.MetaPromptID}
	for _, id := range promptIDs {
		if _, err := s.prompts.Resolve(ctx, req.ClientID, id); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "prompt %q does not resolve", id)
		}
	}

	modelNames := append([]string{req.EvalModel, req.MetaModel}, req.WorkingModels...)
	for _, name := range modelNames {
		if _, err := s.models.Resolve(ctx, name); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "model %q does not resolve", name)
		}
	}
	return nil
}

// GetByID returns the run.
func (s *RunService) GetByID(ctx context.Context, id string) (*model.Run, error) {
	return s.runs.GetByID(ctx, id)
}

// Pause moves a RUNNING run to PAUSED. The orchestrator skips paused runs;
// any in-flight job keeps processing.
func (s *RunService) Pause(ctx context.Context, id string) error {
	return s.transition(ctx, core.TransitionRunParams{
		RunID:      id,
		FromStatus: model.RunStatusRunning,
		ToStatus:   model.RunStatusPaused,
	})
}

// Resume moves a PAUSED run back to RUNNING. A job is seeded only when the
// run has no job in flight; a job that finished or errored while paused is
// picked up by the next orchestrator cycle.
func (s *RunService) Resume(ctx context.Context, id string) error {
	if err := s.transition(ctx, core.TransitionRunParams{
		RunID:      id,
		FromStatus: model.RunStatusPaused,
		ToStatus:   model.RunStatusRunning,
	}); err != nil {
		return err
	}

	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if run.CurrentJobID != nil {
		return nil
	}

	if err := s.seedNextJob(ctx, run); err != nil {
		return fmt.Errorf("seed job on resume: %w", err)
	}
	return nil
}

// Cancel moves a non-terminal run to CANCELLED. In-flight jobs are not
// interrupted; their results are discarded when the orchestrator sees the
// run is no longer RUNNING.
func (s *RunService) Cancel(ctx context.Context, id string) error {
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return apperrors.Conflictf("run %s is already %s", id, run.Status)
	}

	return s.transition(ctx, core.TransitionRunParams{
		RunID:      id,
		FromStatus: run.Status,
		ToStatus:   model.RunStatusCancelled,
	})
}

func (s *RunService) transition(ctx context.Context, params core.TransitionRunParams) error {
	done, err := s.runs.TransitionStatus(ctx, params)
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return apperrors.Wrapf(err, apperrors.ErrCodeConflict,
				"run %s cannot move %s -> %s", params.RunID, params.FromStatus, params.ToStatus)
		}
		return err
	}
	if !done {
		return apperrors.Conflictf("run %s is not %s", params.RunID, params.FromStatus)
	}
	s.logger.InfoContext(ctx, "run transitioned",
		"run_id", params.RunID, "from", params.FromStatus, "to", params.ToStatus)
	return nil
}

// workingPromptID returns the prompt the run's next job must execute:
// the initial prompt at iteration 0 of every model, the previous iteration's
// suggested prompt otherwise.
func workingPromptID(run *model.Run) (string, error) {
	if run.CurrentIteration == 0 {
		return run.InitialPromptID, nil
	}

	if run.CurrentModelIndex >= len(run.ModelRuns) {
		return "", fmt.Errorf("run %s: model index %d out of range", run.ID, run.CurrentModelIndex)
	}
	iterations := run.ModelRuns[run.CurrentModelIndex].Iterations
	if len(iterations) == 0 {
		return "", fmt.Errorf("run %s: iteration %d has no predecessor", run.ID, run.CurrentIteration)
	}
	prev := iterations[len(iterations)-1]
	if prev.SuggestedPromptID == "" {
		return "", fmt.Errorf("run %s: iteration %d produced no suggested prompt", run.ID, prev.Iteration)
	}
	return prev.SuggestedPromptID, nil
}

// seedNextJob creates the job for the run's current (model, iteration)
// cursor and records it as the run's in-flight job.
func (s *RunService) seedNextJob(ctx context.Context, run *model.Run) error {
	workingModel, ok := run.CurrentModel()
	if !ok {
		return fmt.Errorf("run %s: no working model at index %d", run.ID, run.CurrentModelIndex)
	}

	promptID, err := workingPromptID(run)
	if err != nil {
		return err
	}

	clientRef := fmt.Sprintf(`{"runId":%q,"iteration":%d}`, run.ID, run.CurrentIteration)
	job, err := s.jobs.Create(ctx, &model.CreateJobRequest{
		ClientID:        run.ClientID,
		Operation:       OperationOptimize,
		Prompts:         []string{promptID, run.EvalPromptID, run.MetaPromptID},
		Model:           workingModel,
		Temperature:     run.Temperature,
		Priority:        run.Priority,
		RequestData:     run.RequestData,
		ClientReference: []byte(clientRef),
	})
	if err != nil {
		return fmt.Errorf("create iteration job: %w", err)
	}

	run.CurrentJobID = &job.ID
	if err := s.runs.SaveProgress(ctx, run); err != nil {
		return fmt.Errorf("record seeded job: %w", err)
	}

	s.logger.InfoContext(ctx, "iteration job seeded",
		"run_id", run.ID,
		"job_id", job.ID,
		"model", workingModel,
		"iteration", run.CurrentIteration,
	)
	return nil
}
