package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
	apperrors "github.com/lumenlab/optiq/internal/errors"
	"github.com/lumenlab/optiq/internal/observability/statsd"
)

// ErrWorkerAlreadyRunning is returned by Start when the worker already has a
// live execution context or is persisted as running.
var ErrWorkerAlreadyRunning = errors.New("worker is already running")

// ErrWorkerStopTimeout is returned when a worker loop does not exit within
// the stop timeout. The registry entry is removed regardless.
var ErrWorkerStopTimeout = errors.New("worker did not stop within timeout")

const (
	defaultStopTimeout  = 10 * time.Second
	defaultStopParallel = 4
)

// workerHandle tracks one live worker goroutine.
type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerPoolOptions groups dependencies for WorkerPool.
type WorkerPoolOptions struct {
	Workers core.WorkerStore   // Required: worker registration store
	Jobs    core.JobStore      // Required: passed through to queue workers
	Prompts core.PromptStore   // Required
	Models  core.ModelRegistry // Required
	Adapter core.ModelAdapter  // Required
	Logger  *slog.Logger       // Optional
	Metrics statsd.Sink        // Optional

	StopTimeout time.Duration // Optional: per-worker stop wait; defaults to 10s
}

// WorkerPool owns the live execution contexts for queue workers. The
// registry maps worker ids to cancel/done handles; persisted status in the
// store mirrors it but can drift after a crash, so reads reconcile. The pool
// is constructor-injected wherever it is needed; there is no shared global.
type WorkerPool struct {
	workers core.WorkerStore
	jobs    core.JobStore
	prompts core.PromptStore
	models  core.ModelRegistry
	adapter core.ModelAdapter
	logger  *slog.Logger
	metrics statsd.Sink

	stopTimeout time.Duration

	mu       sync.Mutex
	registry map[string]*workerHandle
}

// NewWorkerPool constructs a new WorkerPool.
func NewWorkerPool(opts WorkerPoolOptions) (*WorkerPool, error) {
	if opts.Workers == nil {
		return nil, errors.New("WorkerStore is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Prompts == nil {
		return nil, errors.New("PromptStore is required")
	}
	if opts.Models == nil {
		return nil, errors.New("ModelRegistry is required")
	}
	if opts.Adapter == nil {
		return nil, errors.New("ModelAdapter is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}

	return &WorkerPool{
		workers:     opts.Workers,
		jobs:        opts.Jobs,
		prompts:     opts.Prompts,
		models:      opts.Models,
		adapter:     opts.Adapter,
		logger:      logger.With("component", "worker_pool"),
		metrics:     opts.Metrics,
		stopTimeout: stopTimeout,
		registry:    make(map[string]*workerHandle),
	}, nil
}

// MustNewWorkerPool constructs a new WorkerPool and panics on error.
func MustNewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	pool, err := NewWorkerPool(opts)
	if err != nil {
		panic(err)
	}
	return pool
}

// Reconcile forces every worker persisted as running back to stopped. Called
// once at boot, before any Start: execution contexts do not survive a process
// restart and are never restarted automatically.
func (p *WorkerPool) Reconcile(ctx context.Context) (int, error) {
	n, err := p.workers.MarkAllRunningStopped(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile workers at boot: %w", err)
	}
	if n > 0 {
		p.logger.WarnContext(ctx, "forced stale running workers to stopped", "count", n)
	}
	return n, nil
}

// Start launches a polling goroutine for the worker. It fails when the
// worker is unknown, already live, or persisted as running by another
// process.
func (p *WorkerPool) Start(ctx context.Context, workerID string) error {
	worker, err := p.workers.GetByID(ctx, workerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if _, live := p.registry[workerID]; live {
		p.mu.Unlock()
		return ErrWorkerAlreadyRunning
	}
	if worker.Status == model.WorkerStatusRunning {
		p.mu.Unlock()
		return ErrWorkerAlreadyRunning
	}

	qw, err := NewQueueWorker(QueueWorkerOptions{
		Worker:  worker,
		Jobs:    p.jobs,
		Prompts: p.prompts,
		Models:  p.models,
		Adapter: p.adapter,
		Logger:  p.logger,
		Metrics: p.metrics,
	})
	if err != nil {
		p.mu.Unlock()
		if statusErr := p.workers.UpdateStatus(ctx, workerID, model.WorkerStatusError, nil); statusErr != nil {
			p.logger.ErrorContext(ctx, "record worker launch failure", "worker_id", workerID, "error", statusErr)
		}
		return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "build queue worker %s", workerID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &workerHandle{cancel: cancel, done: make(chan struct{})}
	p.registry[workerID] = handle
	p.mu.Unlock()

	info := &model.ThreadInfo{StartedAt: time.Now().UTC(), PID: os.Getpid()}
	if err := p.workers.UpdateStatus(ctx, workerID, model.WorkerStatusRunning, info); err != nil {
		cancel()
		p.removeHandle(workerID)
		return fmt.Errorf("persist running status: %w", err)
	}

	go p.runWorker(runCtx, workerID, qw, handle)

	p.logger.InfoContext(ctx, "worker started", "worker_id", workerID, "pid", info.PID)
	return nil
}

// runWorker executes the polling loop and settles the persisted status when
// it exits: stopped on clean exit or cancellation, error on a loop failure.
func (p *WorkerPool) runWorker(
	ctx context.Context,
	workerID string,
	qw *QueueWorker,
	handle *workerHandle,
) {
	defer close(handle.done)
	defer p.removeHandle(workerID)

	err := qw.Run(ctx)

	// The loop context may be cancelled; persist with a fresh one.
	settleCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := model.WorkerStatusStopped
	if err != nil && !errors.Is(err, context.Canceled) {
		status = model.WorkerStatusError
		p.logger.ErrorContext(settleCtx, "worker loop failed", "worker_id", workerID, "error", err)
	}
	if statusErr := p.workers.UpdateStatus(settleCtx, workerID, status, nil); statusErr != nil {
		p.logger.ErrorContext(settleCtx, "persist worker exit status",
			"worker_id", workerID, "status", status, "error", statusErr)
	}
}

func (p *WorkerPool) removeHandle(workerID string) {
	p.mu.Lock()
	delete(p.registry, workerID)
	p.mu.Unlock()
}

// Stop signals the worker's loop to exit and waits up to the stop timeout.
// Stopping a worker with no live execution context still reconciles its
// persisted status to stopped; repeated stops are no-ops.
func (p *WorkerPool) Stop(ctx context.Context, workerID string) error {
	p.mu.Lock()
	handle, live := p.registry[workerID]
	p.mu.Unlock()

	if !live {
		// Dead goroutine or other process; correct the record if needed.
		worker, err := p.workers.GetByID(ctx, workerID)
		if err != nil {
			return err
		}
		if worker.Status == model.WorkerStatusRunning {
			return p.workers.UpdateStatus(ctx, workerID, model.WorkerStatusStopped, nil)
		}
		return nil
	}

	handle.cancel()
	select {
	case <-handle.done:
		return nil
	case <-time.After(p.stopTimeout):
		p.removeHandle(workerID)
		return fmt.Errorf("stop worker %s: %w", workerID, ErrWorkerStopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the worker's record, corrected for registry drift: a row
// persisted as running with no live goroutine in this process is rewritten
// to stopped before being returned.
func (p *WorkerPool) Status(ctx context.Context, workerID string) (*model.Worker, error) {
	worker, err := p.workers.GetByID(ctx, workerID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	_, live := p.registry[workerID]
	p.mu.Unlock()

	if worker.Status == model.WorkerStatusRunning && !live {
		p.logger.WarnContext(ctx, "worker recorded running with no live goroutine, correcting",
			"worker_id", workerID)
		if err := p.workers.UpdateStatus(ctx, workerID, model.WorkerStatusStopped, nil); err != nil {
			return nil, fmt.Errorf("correct worker status: %w", err)
		}
		worker.Status = model.WorkerStatusStopped
		worker.ThreadInfo = nil
	}
	return worker, nil
}

// StopAll stops every live worker with bounded parallelism, then reconciles
// all persisted running rows to stopped regardless of the individual
// outcomes. Used on shutdown.
func (p *WorkerPool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.registry))
	for id := range p.registry {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultStopParallel)
	for _, id := range ids {
		g.Go(func() error {
			if err := p.Stop(gctx, id); err != nil {
				p.logger.ErrorContext(gctx, "stop worker during shutdown", "worker_id", id, "error", err)
				return err
			}
			return nil
		})
	}
	stopErr := g.Wait()

	if _, reconcileErr := p.workers.MarkAllRunningStopped(ctx); reconcileErr != nil {
		return errors.Join(stopErr, fmt.Errorf("reconcile workers after stop: %w", reconcileErr))
	}
	return stopErr
}

// StartGroup starts every worker registered under the group tag. Workers
// that are already running are skipped; other failures abort.
func (p *WorkerPool) StartGroup(ctx context.Context, group string) (int, error) {
	workers, err := p.workers.ListByGroup(ctx, group)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, worker := range workers {
		err := p.Start(ctx, worker.ID)
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrWorkerAlreadyRunning):
			continue
		default:
			return started, fmt.Errorf("start worker %s: %w", worker.ID, err)
		}
	}
	return started, nil
}

// StopGroup stops every worker registered under the group tag.
func (p *WorkerPool) StopGroup(ctx context.Context, group string) (int, error) {
	workers, err := p.workers.ListByGroup(ctx, group)
	if err != nil {
		return 0, err
	}

	stopped := 0
	var errs error
	for _, worker := range workers {
		if stopErr := p.Stop(ctx, worker.ID); stopErr != nil {
			errs = errors.Join(errs, fmt.Errorf("stop worker %s: %w", worker.ID, stopErr))
			continue
		}
		stopped++
	}
	return stopped, errs
}

// Live reports whether the worker has a live execution context in this process.
func (p *WorkerPool) Live(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, live := p.registry[workerID]
	return live
}
