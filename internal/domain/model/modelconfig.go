package model

import (
	"errors"
	"strings"
	"time"
)

// ModelCost is the pricing tuple for one model. All four fields must be
// present for cost estimation; any gap disables cost reporting for jobs run
// against the model.
type ModelCost struct {
	Input    *float64 `json:"input,omitempty"`
	Output   *float64 `json:"output,omitempty"`
	Tokens   *int     `json:"tokens,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

// Complete returns true when every pricing field is present and usable.
func (c *ModelCost) Complete() bool {
	return c != nil && c.Input != nil && c.Output != nil &&
		c.Tokens != nil && *c.Tokens > 0 && c.Currency != ""
}

// ModelConfig describes a model known to the registry: where it lives, its
// token budget and temperature bounds, and optional pricing.
type ModelConfig struct {
	ID             string     `json:"id"              db:"id"`
	Name           string     `json:"name"            db:"name"`
	Provider       string     `json:"provider"        db:"provider"`
	BaseURL        string     `json:"base_url"        db:"base_url"`
	Deployment     string     `json:"deployment"      db:"deployment"`
	APIKeyRef      string     `json:"api_key_ref"     db:"api_key_ref"`
	MaxTokens      int        `json:"max_tokens"      db:"max_tokens"`
	MinTemperature float64    `json:"min_temperature" db:"min_temperature"`
	MaxTemperature float64    `json:"max_temperature" db:"max_temperature"`
	Cost           *ModelCost `json:"cost,omitempty"  db:"cost"`
	IsDeleted      bool       `json:"is_deleted"      db:"is_deleted"`
	CreatedAt      time.Time  `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"      db:"updated_at"`
}

// ClampTemperature fits a requested temperature into the model's bounds.
func (m *ModelConfig) ClampTemperature(t float64) float64 {
	if m.MaxTemperature > m.MinTemperature {
		if t < m.MinTemperature {
			return m.MinTemperature
		}
		if t > m.MaxTemperature {
			return m.MaxTemperature
		}
	}
	return t
}

// Validate validates the registry entry.
func (m *ModelConfig) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("model name is required")
	}
	if strings.TrimSpace(m.Provider) == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(m.BaseURL) == "" {
		return errors.New("base url is required")
	}
	if m.MaxTokens < 1 {
		return errors.New("max tokens must be >= 1")
	}
	return nil
}

// Prompt is a stored prompt text addressed by id.
type Prompt struct {
	ID        string     `json:"id"                   db:"id"`
	ClientID  string     `json:"client_id"            db:"client_id"`
	Name      string     `json:"name"                 db:"name"`
	Text      string     `json:"prompt"               db:"prompt"`
	IsDeleted bool       `json:"is_deleted"           db:"is_deleted"`
	CreatedAt time.Time  `json:"created_at"           db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"           db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
