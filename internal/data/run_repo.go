package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
)

// RunRepo provides database operations for optimization runs.
type RunRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewRunRepo creates a new RunRepo instance.
func NewRunRepo(db *sql.DB, cfg RepoConfig) *RunRepo {
	return &RunRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const runColumns = `
  id,
  client_id,
  status,
  initial_prompt_id,
  eval_prompt_id,
  eval_model,
  meta_prompt_id,
  meta_model,
  working_models,
  max_iterations,
  temperature,
  priority,
  request_data,
  current_model_index,
  current_iteration,
  current_job_id,
  model_runs,
  processing_metrics,
  failure_reason,
  is_deleted,
  created_at,
  updated_at,
  deleted_at
`

// Create inserts a new PENDING run with an empty model-run ledger.
func (r *RunRepo) Create(ctx context.Context, req *model.CreateRunRequest) (*model.Run, error) {
	if req == nil {
		return nil, errors.New("create run request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	workingModels, err := json.Marshal(req.WorkingModels)
	if err != nil {
		return nil, fmt.Errorf("marshal working models: %w", err)
	}

	// One empty ModelRun per working model, in order.
	modelRuns := make([]model.ModelRun, len(req.WorkingModels))
	for i, name := range req.WorkingModels {
		modelRuns[i] = model.ModelRun{Model: name, Iterations: []model.IterationResult{}}
	}
	ledger, err := json.Marshal(modelRuns)
	if err != nil {
		return nil, fmt.Errorf("marshal model runs: %w", err)
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
      INSERT INTO runs(
        client_id, status, initial_prompt_id, eval_prompt_id, eval_model,
        meta_prompt_id, meta_model, working_models, max_iterations,
        temperature, priority, request_data, model_runs, created_at, updated_at
      )
      VALUES ($1, 'PENDING', $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
      RETURNING `+runColumns,
		req.ClientID, req.InitialPromptID, req.EvalPromptID, req.EvalModel,
		req.MetaPromptID, req.MetaModel, workingModels, req.MaxIterations,
		req.Temperature, req.Priority, []byte(req.RequestData), ledger, now,
	)

	run, err := scanRunFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetByID retrieves a run by its ID. Soft-deleted runs are not returned.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*model.Run, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrRunNotFound
	}

	row := r.DB.QueryRowContext(ctx, `
      SELECT `+runColumns+`
      FROM runs
      WHERE id = $1 AND NOT is_deleted
    `, id)

	run, err := scanRunFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRunning returns all non-deleted runs in RUNNING status, oldest first.
func (r *RunRepo) ListRunning(ctx context.Context) ([]*model.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `
      SELECT `+runColumns+`
      FROM runs
      WHERE status = 'RUNNING' AND NOT is_deleted
      ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, scanErr := scanRunFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan run: %w", scanErr)
		}
		runs = append(runs, run)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return runs, nil
}

// TransitionStatus atomically moves a run between statuses, conditioned on
// the expected current status.
func (r *RunRepo) TransitionStatus(
	ctx context.Context,
	params core.TransitionRunParams,
) (bool, error) {
	if strings.TrimSpace(params.RunID) == "" {
		return false, errors.New("run id is required")
	}
	if !params.FromStatus.Valid() || !params.ToStatus.Valid() {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.FromStatus, params.ToStatus)
	}
	if !params.FromStatus.CanTransitionTo(params.ToStatus) {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.FromStatus, params.ToStatus)
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
      UPDATE runs
      SET status = $1, failure_reason = COALESCE($2, failure_reason), updated_at = $3
      WHERE id = $4 AND status = $5 AND NOT is_deleted
    `, params.ToStatus, params.FailureReason, now, params.RunID, params.FromStatus)
	if err != nil {
		return false, fmt.Errorf("transition run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// SaveProgress persists the run's cursor fields and accumulated results.
func (r *RunRepo) SaveProgress(ctx context.Context, run *model.Run) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return errors.New("run with id is required")
	}

	ledger, err := json.Marshal(run.ModelRuns)
	if err != nil {
		return fmt.Errorf("marshal model runs: %w", err)
	}

	var metrics []byte
	if run.ProcessingMetrics != nil {
		metrics, err = json.Marshal(run.ProcessingMetrics)
		if err != nil {
			return fmt.Errorf("marshal processing metrics: %w", err)
		}
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
      UPDATE runs
      SET current_model_index = $1,
          current_iteration = $2,
          current_job_id = $3,
          model_runs = $4,
          processing_metrics = COALESCE($5, processing_metrics),
          updated_at = $6
      WHERE id = $7 AND NOT is_deleted
    `, run.CurrentModelIndex, run.CurrentIteration, run.CurrentJobID, ledger, metrics, now, run.ID)
	if err != nil {
		return fmt.Errorf("save run progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SoftDelete marks a run deleted. The row and its ledger remain.
func (r *RunRepo) SoftDelete(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, errors.New("run id is required")
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
      UPDATE runs
      SET is_deleted = true, deleted_at = $2, updated_at = $2
      WHERE id = $1 AND NOT is_deleted
    `, id, now)
	if err != nil {
		return false, fmt.Errorf("soft delete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

type runRowData struct {
	workingModels, requestData, modelRuns, metrics []byte
	currentJobID, failureReason                    sql.NullString
	deletedAt                                      sql.NullTime
}

func (d *runRowData) scanInto(scanner rowScanner, run *model.Run) error {
	return scanner.Scan(
		&run.ID,
		&run.ClientID,
		&run.Status,
		&run.InitialPromptID,
		&run.EvalPromptID,
		&run.EvalModel,
		&run.MetaPromptID,
		&run.MetaModel,
		&d.workingModels,
		&run.MaxIterations,
		&run.Temperature,
		&run.Priority,
		&d.requestData,
		&run.CurrentModelIndex,
		&run.CurrentIteration,
		&d.currentJobID,
		&d.modelRuns,
		&d.metrics,
		&d.failureReason,
		&run.IsDeleted,
		&run.CreatedAt,
		&run.UpdatedAt,
		&d.deletedAt,
	)
}

func (d *runRowData) apply(run *model.Run) error {
	if len(d.workingModels) > 0 {
		if err := json.Unmarshal(d.workingModels, &run.WorkingModels); err != nil {
			return fmt.Errorf("unmarshal working models: %w", err)
		}
	}
	run.RequestData = cloneJSON(d.requestData)
	if len(d.modelRuns) > 0 {
		if err := json.Unmarshal(d.modelRuns, &run.ModelRuns); err != nil {
			return fmt.Errorf("unmarshal model runs: %w", err)
		}
	}
	if len(d.metrics) > 0 {
		run.ProcessingMetrics = &model.ProcessingMetrics{}
		if err := json.Unmarshal(d.metrics, run.ProcessingMetrics); err != nil {
			return fmt.Errorf("unmarshal processing metrics: %w", err)
		}
	}
	run.CurrentJobID = cloneNullableString(d.currentJobID)
	run.FailureReason = cloneNullableString(d.failureReason)
	run.DeletedAt = cloneNullableTime(d.deletedAt)
	return nil
}

func scanRunFromRow(scanner rowScanner) (*model.Run, error) {
	run := &model.Run{}
	var data runRowData
	if err := data.scanInto(scanner, run); err != nil {
		return nil, err
	}
	if err := data.apply(run); err != nil {
		return nil, err
	}
	return run, nil
}
