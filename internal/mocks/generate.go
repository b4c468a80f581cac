// Package mocks provides mock implementations for testing the optiq job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for
// our store and adapter interfaces. The mocks are generated using go:generate
// directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	prompts := mocks.NewMockPromptStore(ctrl)
//	prompts.EXPECT().Resolve(gomock.Any(), "client", "prompt-1").Return(prompt, nil)
package mocks

// Generate mock for PromptStore interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=prompt_store_mock.go github.com/lumenlab/optiq/internal/core PromptStore

// Generate mock for ModelRegistry interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=model_registry_mock.go github.com/lumenlab/optiq/internal/core ModelRegistry

// Generate mock for ModelAdapter interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=model_adapter_mock.go github.com/lumenlab/optiq/internal/core ModelAdapter
