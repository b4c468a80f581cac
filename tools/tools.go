//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are invoked through `go generate` or installed globally and are
// not imported by application code.
package tools

// Development tools:
//
// MockGen - Mock generation for core interfaces
//   Invoked via `go generate ./internal/mocks` (runs go.uber.org/mock/mockgen)
//   Version: pinned by go.mod (go.uber.org/mock v0.6.0)
//   Docs: https://github.com/uber-go/mock
