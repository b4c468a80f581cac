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

// ModelRepo provides database operations for the model registry.
type ModelRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewModelRepo creates a new ModelRepo instance.
func NewModelRepo(db *sql.DB, cfg RepoConfig) *ModelRepo {
	return &ModelRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const modelColumns = `
  id,
  name,
  provider,
  base_url,
  deployment,
  api_key_ref,
  max_tokens,
  min_temperature,
  max_temperature,
  cost,
  is_deleted,
  created_at,
  updated_at
`

// Create registers a new model configuration.
func (r *ModelRepo) Create(ctx context.Context, cfg *model.ModelConfig) (*model.ModelConfig, error) {
	if cfg == nil {
		return nil, errors.New("model config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var cost []byte
	if cfg.Cost != nil {
		var err error
		cost, err = json.Marshal(cfg.Cost)
		if err != nil {
			return nil, fmt.Errorf("marshal model cost: %w", err)
		}
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
      INSERT INTO models(name, provider, base_url, deployment, api_key_ref, max_tokens, min_temperature, max_temperature, cost, created_at, updated_at)
      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
      RETURNING `+modelColumns,
		cfg.Name, cfg.Provider, cfg.BaseURL, cfg.Deployment, cfg.APIKeyRef,
		cfg.MaxTokens, cfg.MinTemperature, cfg.MaxTemperature, cost, now,
	)

	created, err := scanModelFromRow(row)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("insert model: %w", err)
	}
	return created, nil
}

// Resolve returns the configuration for a model name.
func (r *ModelRepo) Resolve(ctx context.Context, name string) (*model.ModelConfig, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrModelNotFound
	}

	row := r.DB.QueryRowContext(ctx, `
      SELECT `+modelColumns+`
      FROM models
      WHERE name = $1 AND NOT is_deleted
    `, name)

	cfg, err := scanModelFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("resolve model: %w", err)
	}
	return cfg, nil
}

func scanModelFromRow(scanner rowScanner) (*model.ModelConfig, error) {
	cfg := &model.ModelConfig{}
	var cost []byte
	if err := scanner.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.Provider,
		&cfg.BaseURL,
		&cfg.Deployment,
		&cfg.APIKeyRef,
		&cfg.MaxTokens,
		&cfg.MinTemperature,
		&cfg.MaxTemperature,
		&cost,
		&cfg.IsDeleted,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(cost) > 0 {
		cfg.Cost = &model.ModelCost{}
		if err := json.Unmarshal(cost, cfg.Cost); err != nil {
			return nil, fmt.Errorf("unmarshal model cost: %w", err)
		}
	}
	return cfg, nil
}
