package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lumenlab/optiq/internal/domain/model"
)

// PromptRepo provides database operations for stored prompts.
type PromptRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewPromptRepo creates a new PromptRepo instance.
func NewPromptRepo(db *sql.DB, cfg RepoConfig) *PromptRepo {
	return &PromptRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const promptColumns = `
  id,
  client_id,
  name,
  prompt,
  is_deleted,
  created_at,
  updated_at,
  deleted_at
`

// Create stores a new prompt.
func (r *PromptRepo) Create(ctx context.Context, prompt *model.Prompt) (*model.Prompt, error) {
	if prompt == nil {
		return nil, errors.New("prompt is required")
	}
	if strings.TrimSpace(prompt.ClientID) == "" {
		return nil, errors.New("client id is required")
	}
	if strings.TrimSpace(prompt.Text) == "" {
		return nil, errors.New("prompt text is required")
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
      INSERT INTO prompts(client_id, name, prompt, created_at, updated_at)
      VALUES ($1, $2, $3, $4, $4)
      RETURNING `+promptColumns,
		prompt.ClientID, prompt.Name, prompt.Text, now,
	)

	created, err := scanPromptFromRow(row)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("insert prompt: %w", err)
	}
	return created, nil
}

// Resolve returns the prompt for an identifier, scoped to a client.
// Soft-deleted prompts do not resolve.
func (r *PromptRepo) Resolve(ctx context.Context, clientID, promptID string) (*model.Prompt, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(promptID) == "" {
		return nil, ErrPromptNotFound
	}

	row := r.DB.QueryRowContext(ctx, `
      SELECT `+promptColumns+`
      FROM prompts
      WHERE id = $1 AND client_id = $2 AND NOT is_deleted
    `, promptID, clientID)

	prompt, err := scanPromptFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPromptNotFound
		}
		return nil, fmt.Errorf("resolve prompt: %w", err)
	}
	return prompt, nil
}

func scanPromptFromRow(scanner rowScanner) (*model.Prompt, error) {
	prompt := &model.Prompt{}
	var deletedAt sql.NullTime
	if err := scanner.Scan(
		&prompt.ID,
		&prompt.ClientID,
		&prompt.Name,
		&prompt.Text,
		&prompt.IsDeleted,
		&prompt.CreatedAt,
		&prompt.UpdatedAt,
		&deletedAt,
	); err != nil {
		return nil, err
	}
	prompt.DeletedAt = cloneNullableTime(deletedAt)
	return prompt, nil
}
