package data

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
)

// Cache-aside decorators for the hot read paths. Prompt and model lookups
// happen on every job execution, so both resolvers check the cache first and
// fall back to the underlying store. Cache failures are logged and swallowed;
// the store remains the source of truth.

const (
	defaultResolverTTL = 5 * time.Minute

	promptCacheKeyFormat = "optiq:prompt:%s:%s"
	modelCacheKeyFormat  = "optiq:model:%s"
)

// CachedPromptStore wraps a PromptStore with read-through caching.
type CachedPromptStore struct {
	store  core.PromptStore
	cache  core.CacheRepository
	ttl    time.Duration
	logger *slog.Logger
}

// CachedPromptStoreOptions groups dependencies for NewCachedPromptStore.
type CachedPromptStoreOptions struct {
	Store  core.PromptStore
	Cache  core.CacheRepository
	TTL    time.Duration
	Logger *slog.Logger
}

// NewCachedPromptStore creates a caching decorator around a PromptStore.
func NewCachedPromptStore(opts CachedPromptStoreOptions) *CachedPromptStore {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultResolverTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedPromptStore{
		store:  opts.Store,
		cache:  opts.Cache,
		ttl:    ttl,
		logger: logger.With("component", "cached_prompt_store"),
	}
}

// Create passes through to the underlying store. Prompts are immutable once
// stored, so no invalidation is needed.
func (s *CachedPromptStore) Create(ctx context.Context, prompt *model.Prompt) (*model.Prompt, error) {
	return s.store.Create(ctx, prompt)
}

// Resolve returns the cached prompt when present, otherwise reads through.
func (s *CachedPromptStore) Resolve(ctx context.Context, clientID, promptID string) (*model.Prompt, error) {
	key := fmt.Sprintf(promptCacheKeyFormat, clientID, promptID)

	if cached, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "prompt cache read failed", "error", err)
	} else if cached != nil {
		var prompt model.Prompt
		if unmarshalErr := json.Unmarshal(cached, &prompt); unmarshalErr == nil {
			return &prompt, nil
		}
		// Corrupt entry; fall through to the store and overwrite.
	}

	prompt, err := s.store.Resolve(ctx, clientID, promptID)
	if err != nil {
		return nil, err
	}

	if raw, marshalErr := json.Marshal(prompt); marshalErr == nil {
		if setErr := s.cache.Set(ctx, key, raw, s.ttl); setErr != nil {
			s.logger.WarnContext(ctx, "prompt cache write failed", "error", setErr)
		}
	}
	return prompt, nil
}

// CachedModelRegistry wraps a ModelRegistry with read-through caching.
type CachedModelRegistry struct {
	registry core.ModelRegistry
	cache    core.CacheRepository
	ttl      time.Duration
	logger   *slog.Logger
}

// CachedModelRegistryOptions groups dependencies for NewCachedModelRegistry.
type CachedModelRegistryOptions struct {
	Registry core.ModelRegistry
	Cache    core.CacheRepository
	TTL      time.Duration
	Logger   *slog.Logger
}

// NewCachedModelRegistry creates a caching decorator around a ModelRegistry.
func NewCachedModelRegistry(opts CachedModelRegistryOptions) *CachedModelRegistry {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultResolverTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedModelRegistry{
		registry: opts.Registry,
		cache:    opts.Cache,
		ttl:      ttl,
		logger:   logger.With("component", "cached_model_registry"),
	}
}

// Resolve returns the cached model config when present, otherwise reads through.
func (s *CachedModelRegistry) Resolve(ctx context.Context, name string) (*model.ModelConfig, error) {
	key := fmt.Sprintf(modelCacheKeyFormat, name)

	if cached, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "model cache read failed", "error", err)
	} else if cached != nil {
		var cfg model.ModelConfig
		if unmarshalErr := json.Unmarshal(cached, &cfg); unmarshalErr == nil {
			return &cfg, nil
		}
	}

	cfg, err := s.registry.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	if raw, marshalErr := json.Marshal(cfg); marshalErr == nil {
		if setErr := s.cache.Set(ctx, key, raw, s.ttl); setErr != nil {
			s.logger.WarnContext(ctx, "model cache write failed", "error", setErr)
		}
	}
	return cfg, nil
}
