package model

import "errors"

// Shared sentinel errors surfaced by the stores.
var (
	// ErrJobNotFound is returned when a job is not found or is soft-deleted.
	ErrJobNotFound = errors.New("job not found")

	// ErrRunNotFound is returned when a run is not found or is soft-deleted.
	ErrRunNotFound = errors.New("run not found")

	// ErrWorkerNotFound is returned when a worker registration is not found.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrPromptNotFound is returned when a prompt id does not resolve for the client.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrModelNotFound is returned when a model name is not in the registry.
	ErrModelNotFound = errors.New("model not found")

	// ErrDuplicateName is returned when a unique name constraint is violated.
	ErrDuplicateName = errors.New("name already exists")
)
