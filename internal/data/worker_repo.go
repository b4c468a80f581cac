package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lumenlab/optiq/internal/domain/model"
)

// WorkerRepo provides database operations for worker registrations.
type WorkerRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewWorkerRepo creates a new WorkerRepo instance.
func NewWorkerRepo(db *sql.DB, cfg RepoConfig) *WorkerRepo {
	return &WorkerRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const workerColumns = `
  id,
  client_id,
  name,
  status,
  config,
  thread_info,
  group_tag,
  is_deleted,
  created_at,
  updated_at,
  deleted_at
`

// Create registers a new worker in stopped state.
func (r *WorkerRepo) Create(ctx context.Context, req *model.CreateWorkerRequest) (*model.Worker, error) {
	if req == nil {
		return nil, errors.New("create worker request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cfg, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal worker config: %w", err)
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
      INSERT INTO workers(client_id, name, status, config, group_tag, created_at, updated_at)
      VALUES ($1, $2, 'stopped', $3, $4, $5, $5)
      RETURNING `+workerColumns,
		req.ClientID, req.Name, cfg, nullableString(req.Group), now,
	)

	worker, err := scanWorkerFromRow(row)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("insert worker: %w", err)
	}
	return worker, nil
}

// GetByID retrieves a worker by its ID.
func (r *WorkerRepo) GetByID(ctx context.Context, id string) (*model.Worker, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrWorkerNotFound
	}

	row := r.DB.QueryRowContext(ctx, `
      SELECT `+workerColumns+`
      FROM workers
      WHERE id = $1 AND NOT is_deleted
    `, id)

	worker, err := scanWorkerFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkerNotFound
		}
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return worker, nil
}

// List returns all non-deleted workers, oldest first.
func (r *WorkerRepo) List(ctx context.Context) ([]*model.Worker, error) {
	return r.list(ctx, `
      SELECT `+workerColumns+`
      FROM workers
      WHERE NOT is_deleted
      ORDER BY created_at ASC
    `)
}

// ListByGroup returns all non-deleted workers carrying the given group tag.
func (r *WorkerRepo) ListByGroup(ctx context.Context, group string) ([]*model.Worker, error) {
	if strings.TrimSpace(group) == "" {
		return nil, errors.New("group is required")
	}
	return r.list(ctx, `
      SELECT `+workerColumns+`
      FROM workers
      WHERE group_tag = $1 AND NOT is_deleted
      ORDER BY created_at ASC
    `, group)
}

func (r *WorkerRepo) list(ctx context.Context, query string, args ...any) ([]*model.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		worker, scanErr := scanWorkerFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan worker: %w", scanErr)
		}
		workers = append(workers, worker)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return workers, nil
}

// UpdateStatus records a worker's lifecycle state. A nil info clears the
// stored thread info.
func (r *WorkerRepo) UpdateStatus(
	ctx context.Context,
	id string,
	status model.WorkerStatus,
	info *model.ThreadInfo,
) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("worker id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid worker status %q", status)
	}

	var threadInfo []byte
	if info != nil {
		var err error
		threadInfo, err = json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshal thread info: %w", err)
		}
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
      UPDATE workers
      SET status = $1, thread_info = $2, updated_at = $3
      WHERE id = $4 AND NOT is_deleted
    `, status, threadInfo, now, id)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// UpdateConfig replaces a worker's polling configuration. Only stopped
// workers may be reconfigured.
func (r *WorkerRepo) UpdateConfig(
	ctx context.Context,
	id string,
	cfg model.WorkerConfig,
) (*model.Worker, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrWorkerNotFound
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal worker config: %w", err)
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
      UPDATE workers
      SET config = $1, updated_at = $2
      WHERE id = $3 AND status = 'stopped' AND NOT is_deleted
      RETURNING `+workerColumns,
		raw, now, id,
	)

	worker, err := scanWorkerFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkerNotFound
		}
		return nil, fmt.Errorf("update worker config: %w", err)
	}
	return worker, nil
}

// MarkAllRunningStopped forces every worker recorded as running back to
// stopped, clearing stale thread info. Returns the number of rows changed.
// Called once at boot; nothing is restarted automatically.
func (r *WorkerRepo) MarkAllRunningStopped(ctx context.Context) (int, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
      UPDATE workers
      SET status = 'stopped', thread_info = NULL, updated_at = $1
      WHERE status = 'running' AND NOT is_deleted
    `, now)
	if err != nil {
		return 0, fmt.Errorf("mark running workers stopped: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func nullableString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

type workerRowData struct {
	config, threadInfo []byte
	group              sql.NullString
	deletedAt          sql.NullTime
}

func (d *workerRowData) scanInto(scanner rowScanner, worker *model.Worker) error {
	return scanner.Scan(
		&worker.ID,
		&worker.ClientID,
		&worker.Name,
		&worker.Status,
		&d.config,
		&d.threadInfo,
		&d.group,
		&worker.IsDeleted,
		&worker.CreatedAt,
		&worker.UpdatedAt,
		&d.deletedAt,
	)
}

func (d *workerRowData) apply(worker *model.Worker) error {
	if len(d.config) > 0 {
		if err := json.Unmarshal(d.config, &worker.Config); err != nil {
			return fmt.Errorf("unmarshal worker config: %w", err)
		}
	}
	if len(d.threadInfo) > 0 {
		worker.ThreadInfo = &model.ThreadInfo{}
		if err := json.Unmarshal(d.threadInfo, worker.ThreadInfo); err != nil {
			return fmt.Errorf("unmarshal thread info: %w", err)
		}
	}
	if d.group.Valid {
		worker.Group = d.group.String
	}
	worker.DeletedAt = cloneNullableTime(d.deletedAt)
	return nil
}

func scanWorkerFromRow(scanner rowScanner) (*model.Worker, error) {
	worker := &model.Worker{}
	var data workerRowData
	if err := data.scanInto(scanner, worker); err != nil {
		return nil, err
	}
	if err := data.apply(worker); err != nil {
		return nil, err
	}
	return worker, nil
}
