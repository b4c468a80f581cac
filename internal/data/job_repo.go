package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/data/pgxutil"
	"github.com/lumenlab/optiq/internal/domain/model"
)

// RepoConfig holds configuration options shared by the repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

func (c RepoConfig) timeProvider() TimeProvider {
	if c.TimeProvider != nil {
		return c.TimeProvider
	}
	return &RealTimeProvider{}
}

// JobRepo provides database operations for job management.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	return &JobRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  client_id,
  status,
  operation,
  prompts,
  model,
  temperature,
  priority,
  request_data,
  response_data,
  processing_metrics,
  client_reference,
  error_data,
  is_deleted,
  created_at,
  updated_at,
  deleted_at
`

const defaultFetchLimit = 10

// Create inserts a new PENDING job.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	prompts, err := json.Marshal(req.Prompts)
	if err != nil {
		return nil, fmt.Errorf("marshal prompts: %w", err)
	}

	clientRef := req.ClientReference
	if len(clientRef) == 0 {
		clientRef = json.RawMessage(`{}`)
	}

	query := `
      INSERT INTO jobs(client_id, status, operation, prompts, model, temperature, priority, request_data, client_reference, created_at, updated_at)
      VALUES ($1, 'PENDING', $2, $3, $4, $5, $6, $7, $8, $9, $9)
      RETURNING ` + jobColumns

	now := r.timeProvider.Now().UTC()
	args := []any{
		req.ClientID,
		req.Operation,
		prompts,
		req.Model,
		req.Temperature,
		req.Priority,
		[]byte(req.RequestData),
		[]byte(clientRef),
		now,
	}

	var job *model.Job
	if txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, queryErr := tx.Query(ctx, query, args...)
			if queryErr != nil {
				return fmt.Errorf("insert job: %w", queryErr)
			}
			var collectErr error
			job, collectErr = collectJobFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect job: %w", collectErr)
			}
			return nil
		},
	}); txErr != nil {
		return nil, txErr
	}

	return job, nil
}

// GetByID retrieves a job by its ID. Soft-deleted jobs are not returned.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrJobNotFound
	}

	row := r.DB.QueryRowContext(ctx, `
      SELECT `+jobColumns+`
      FROM jobs
      WHERE id = $1 AND NOT is_deleted
    `, id)

	job, err := scanJobFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FetchPending returns PENDING jobs for a client matching the given filters,
// highest priority first (lower number wins), oldest first within a priority.
func (r *JobRepo) FetchPending(
	ctx context.Context,
	params core.FetchPendingParams,
) ([]*model.Job, error) {
	if strings.TrimSpace(params.ClientID) == "" {
		return nil, errors.New("client id is required")
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + jobColumns + `
      FROM jobs
      WHERE client_id = $1 AND status = 'PENDING' AND NOT is_deleted`)
	args := []any{params.ClientID}

	if params.ModelFilter != "" {
		args = append(args, params.ModelFilter)
		fmt.Fprintf(&sb, " AND model = $%d", len(args))
	}
	if params.OperationFilter != "" {
		args = append(args, params.OperationFilter)
		fmt.Fprintf(&sb, " AND operation = $%d", len(args))
	}
	if len(params.ClientReferenceFilters) > 0 {
		refFilter, err := json.Marshal(params.ClientReferenceFilters)
		if err != nil {
			return nil, fmt.Errorf("marshal client reference filters: %w", err)
		}
		args = append(args, refFilter)
		fmt.Fprintf(&sb, " AND client_reference @> $%d::jsonb", len(args))
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY priority ASC, created_at ASC LIMIT $%d", len(args))

	rows, err := r.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJobFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return jobs, nil
}

// TransitionStatus atomically moves a job between statuses. The UPDATE is
// conditioned on the expected current status, so concurrent workers racing
// for the same claim see exactly one winner. Result fields, when present,
// land in the same statement as the status change.
func (r *JobRepo) TransitionStatus(
	ctx context.Context,
	params core.TransitionJobParams,
) (bool, error) {
	if strings.TrimSpace(params.JobID) == "" {
		return false, errors.New("job id is required")
	}
	if !params.FromStatus.Valid() || !params.ToStatus.Valid() {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.FromStatus, params.ToStatus)
	}
	if !params.FromStatus.CanTransitionTo(params.ToStatus) {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.FromStatus, params.ToStatus)
	}

	var sb strings.Builder
	sb.WriteString(`UPDATE jobs SET status = $1, updated_at = $2`)
	args := []any{params.ToStatus, r.timeProvider.Now().UTC()}

	if params.Result != nil {
		if len(params.Result.ResponseData) > 0 {
			args = append(args, []byte(params.Result.ResponseData))
			fmt.Fprintf(&sb, ", response_data = $%d", len(args))
		}
		if params.Result.ProcessingMetrics != nil {
			metrics, err := json.Marshal(params.Result.ProcessingMetrics)
			if err != nil {
				return false, fmt.Errorf("marshal processing metrics: %w", err)
			}
			args = append(args, metrics)
			fmt.Fprintf(&sb, ", processing_metrics = $%d", len(args))
		}
		if params.Result.ErrorData != nil {
			errData, err := json.Marshal(params.Result.ErrorData)
			if err != nil {
				return false, fmt.Errorf("marshal error data: %w", err)
			}
			args = append(args, errData)
			fmt.Fprintf(&sb, ", error_data = $%d", len(args))
		}
	}

	args = append(args, params.JobID, params.FromStatus)
	fmt.Fprintf(&sb, " WHERE id = $%d AND status = $%d AND NOT is_deleted", len(args)-1, len(args))

	res, err := r.DB.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return false, fmt.Errorf("transition job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// SoftDelete marks a job deleted. The row and its response data remain.
func (r *JobRepo) SoftDelete(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, errors.New("job id is required")
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
      UPDATE jobs
      SET is_deleted = true, deleted_at = $2, updated_at = $2
      WHERE id = $1 AND NOT is_deleted
    `, id, now)
	if err != nil {
		return false, fmt.Errorf("soft delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// collectJobFromRows collects a single job from pgx rows using pgx v5 helpers.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	prompts, requestData, responseData []byte
	metrics, clientRef, errData        []byte
	deletedAt                          sql.NullTime
}

func (d *jobRowData) scanInto(scanner rowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.ClientID,
		&job.Status,
		&job.Operation,
		&d.prompts,
		&job.Model,
		&job.Temperature,
		&job.Priority,
		&d.requestData,
		&d.responseData,
		&d.metrics,
		&d.clientRef,
		&d.errData,
		&job.IsDeleted,
		&job.CreatedAt,
		&job.UpdatedAt,
		&d.deletedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	if len(d.prompts) > 0 {
		if err := json.Unmarshal(d.prompts, &job.Prompts); err != nil {
			return fmt.Errorf("unmarshal prompts: %w", err)
		}
	}
	job.RequestData = cloneJSON(d.requestData)
	if len(d.responseData) > 0 {
		job.ResponseData = append(json.RawMessage(nil), d.responseData...)
	}
	if len(d.clientRef) > 0 {
		job.ClientReference = append(json.RawMessage(nil), d.clientRef...)
	}
	if len(d.metrics) > 0 {
		job.ProcessingMetrics = &model.ProcessingMetrics{}
		if err := json.Unmarshal(d.metrics, job.ProcessingMetrics); err != nil {
			return fmt.Errorf("unmarshal processing metrics: %w", err)
		}
	}
	if len(d.errData) > 0 {
		job.ErrorData = &model.ErrorData{}
		if err := json.Unmarshal(d.errData, job.ErrorData); err != nil {
			return fmt.Errorf("unmarshal error data: %w", err)
		}
	}
	job.DeletedAt = cloneNullableTime(d.deletedAt)
	return nil
}

func scanJobFromRow(scanner rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
