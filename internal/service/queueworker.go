package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/jsonrepair"
	"github.com/lumenlab/optiq/internal/domain/model"
	"github.com/lumenlab/optiq/internal/observability/metrics"
	"github.com/lumenlab/optiq/internal/observability/statsd"
)

// QueueWorkerOptions groups dependencies for QueueWorker.
type QueueWorkerOptions struct {
	Worker  *model.Worker      // Required: the worker registration this loop executes
	Jobs    core.JobStore      // Required: job store
	Prompts core.PromptStore   // Required: prompt resolver
	Models  core.ModelRegistry // Required: model registry
	Adapter core.ModelAdapter  // Required: model adapter
	Logger  *slog.Logger       // Optional: structured logger
	Metrics statsd.Sink        // Optional: lifecycle metric sink
	Clock   func() time.Time   // Optional: override for tests
}

// QueueWorker polls for pending jobs matching its filters and executes them
// one at a time. Exclusive ownership of a claimed job rests entirely on the
// store's conditional status transition; the loop holds no locks.
type QueueWorker struct {
	worker  *model.Worker
	jobs    core.JobStore
	prompts core.PromptStore
	models  core.ModelRegistry
	adapter core.ModelAdapter
	logger  *slog.Logger
	metrics statsd.Sink
	clock   func() time.Time
}

// NewQueueWorker constructs a new QueueWorker.
func NewQueueWorker(opts QueueWorkerOptions) (*QueueWorker, error) {
	if opts.Worker == nil {
		return nil, errors.New("worker is required")
	}
	if err := opts.Worker.Config.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
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
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &QueueWorker{
		worker:  opts.Worker,
		jobs:    opts.Jobs,
		prompts: opts.Prompts,
		models:  opts.Models,
		adapter: opts.Adapter,
		logger:  logger.With("component", "queue_worker", "worker_id", opts.Worker.ID),
		metrics: opts.Metrics,
		clock:   clock,
	}, nil
}

// Run polls until the context is cancelled. With ExitWhenIdle set, the loop
// returns nil after the first empty fetch instead of sleeping.
func (w *QueueWorker) Run(ctx context.Context) error {
	cfg := w.worker.Config
	w.logger.InfoContext(ctx, "starting queue worker",
		"poll_interval", cfg.PollInterval,
		"max_items_per_batch", cfg.MaxItemsPerBatch,
		"exit_when_idle", cfg.ExitWhenIdle,
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		processed, err := w.runBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient store errors must not kill the worker; log and
			// retry on the next tick.
			w.logger.ErrorContext(ctx, "batch failed, retrying after poll interval", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.PollInterval):
			}
			continue
		}

		if processed == 0 {
			if cfg.ExitWhenIdle {
				w.logger.InfoContext(ctx, "queue idle, exiting")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.PollInterval):
			}
		}
	}
}

// runBatch fetches one batch and processes it sequentially, checking for
// cancellation between items. Returns how many jobs were executed.
func (w *QueueWorker) runBatch(ctx context.Context) (int, error) {
	cfg := w.worker.Config
	jobs, err := w.jobs.FetchPending(ctx, core.FetchPendingParams{
		ClientID:               w.worker.ClientID,
		ModelFilter:            cfg.ModelFilter,
		OperationFilter:        cfg.OperationFilter,
		ClientReferenceFilters: cfg.ClientReferenceFilters,
		Limit:                  cfg.MaxItemsPerBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch pending jobs: %w", err)
	}

	processed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		claimed, claimErr := w.jobs.TransitionStatus(ctx, core.TransitionJobParams{
			JobID:      job.ID,
			FromStatus: model.JobStatusPending,
			ToStatus:   model.JobStatusProcessing,
		})
		if claimErr != nil {
			w.logger.ErrorContext(ctx, "claim failed", "job_id", job.ID, "error", claimErr)
			continue
		}
		if !claimed {
			// Another worker won the race.
			continue
		}
		w.emitJob(job, "claimed", metrics.ResultSuccess, 0, nil)

		w.processJob(ctx, job)
		processed++
	}
	return processed, nil
}

// processJob executes one claimed job end to end. Any failure after the
// claim lands the job in ERROR_PROCESSING with structured error data, except
// a stop observed before the model call, which returns the claim.
func (w *QueueWorker) processJob(ctx context.Context, job *model.Job) {
	start := w.clock()

	prompt, errData := w.buildPrompt(ctx, job)
	if errData != nil {
		w.failJob(ctx, job, errData, time.Since(start))
		return
	}

	modelCfg, err := w.models.Resolve(ctx, job.Model)
	if err != nil {
		w.failJob(ctx, job, &model.ErrorData{
			Kind:      model.ErrorKindValidation,
			Message:   fmt.Sprintf("resolve model %q: %v", job.Model, err),
			Timestamp: w.clock().UTC(),
		}, time.Since(start))
		return
	}

	// Stop check immediately before the model call. A cancelled worker has
	// not spent tokens yet, so the claim goes back to the queue.
	if ctx.Err() != nil {
		w.rollbackClaim(job)
		return
	}

	result, err := w.adapter.Complete(ctx, core.CompleteParams{
		Model:       modelCfg,
		Prompt:      prompt,
		Temperature: job.Temperature,
		MaxTokens:   modelCfg.MaxTokens,
	})
	if err != nil {
		w.failJob(ctx, job, &model.ErrorData{
			Kind:      model.ErrorKindProcessing,
			Message:   err.Error(),
			Timestamp: w.clock().UTC(),
		}, time.Since(start))
		return
	}

	responseData, repairAttempted, ok := parseModelResponse(result.Content)
	if !ok {
		w.failJob(ctx, job, &model.ErrorData{
			Kind:            model.ErrorKindJSONParsing,
			Message:         "model response is not valid JSON after repair",
			RawResponse:     result.Content,
			RepairAttempted: repairAttempted,
			Timestamp:       w.clock().UTC(),
		}, time.Since(start))
		return
	}

	duration := time.Since(start)
	procMetrics := buildProcessingMetrics(result, modelCfg, duration)

	done, err := w.jobs.TransitionStatus(ctx, core.TransitionJobParams{
		JobID:      job.ID,
		FromStatus: model.JobStatusProcessing,
		ToStatus:   model.JobStatusProcessed,
		Result: &model.JobResult{
			ResponseData:      responseData,
			ProcessingMetrics: procMetrics,
		},
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "persist processed job failed", "job_id", job.ID, "error", err)
		w.emitJob(job, "processed", metrics.ResultError, duration, err)
		return
	}
	if !done {
		w.logger.WarnContext(ctx, "job left PROCESSING state before completion", "job_id", job.ID)
		w.emitJob(job, "processed", metrics.ResultNoop, duration, nil)
		return
	}
	w.emitJob(job, "processed", metrics.ResultSuccess, duration, nil)
}

// buildPrompt resolves the job's prompt references in order, joins their
// texts, and appends the request payload as user content. A prompt that does
// not resolve is a hard error.
func (w *QueueWorker) buildPrompt(ctx context.Context, job *model.Job) (string, *model.ErrorData) {
	texts := make([]string, 0, len(job.Prompts)+1)
	for _, promptID := range job.Prompts {
		prompt, err := w.prompts.Resolve(ctx, job.ClientID, promptID)
		if err != nil {
			return "", &model.ErrorData{
				Kind:      model.ErrorKindValidation,
				Message:   fmt.Sprintf("resolve prompt %q: %v", promptID, err),
				Timestamp: w.clock().UTC(),
			}
		}
		texts = append(texts, prompt.Text)
	}

	if content := requestContent(job.RequestData); content != "" {
		texts = append(texts, content)
	}
	return strings.Join(texts, "\n\n"), nil
}

// requestContent renders the request payload as prompt text: a JSON string
// becomes its raw value, anything else stays compact JSON.
func requestContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// parseModelResponse validates the model output as JSON, running the repair
// pipeline exactly once when the first parse fails.
func parseModelResponse(content string) (json.RawMessage, bool, bool) {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), false, true
	}

	repaired, ok := jsonrepair.RepairAndValidate(trimmed)
	if !ok {
		return nil, true, false
	}
	return json.RawMessage(repaired), true, true
}

// buildProcessingMetrics assembles token, duration and optional cost figures.
// Cost is included only when the model carries a complete pricing tuple.
func buildProcessingMetrics(
	result *core.CompletionResult,
	modelCfg *model.ModelConfig,
	duration time.Duration,
) *model.ProcessingMetrics {
	pm := &model.ProcessingMetrics{
		InputTokens:     result.InputTokens,
		OutputTokens:    result.OutputTokens,
		TotalTokens:     result.InputTokens + result.OutputTokens,
		DurationSeconds: duration.Seconds(),
	}

	cost := modelCfg.Cost
	if !cost.Complete() {
		return pm
	}

	perTokens := float64(*cost.Tokens)
	inputCost := float64(result.InputTokens) / perTokens * *cost.Input
	outputCost := float64(result.OutputTokens) / perTokens * *cost.Output
	totalCost := inputCost + outputCost

	pm.InputCost = &inputCost
	pm.OutputCost = &outputCost
	pm.TotalCost = &totalCost
	pm.Currency = cost.Currency
	return pm
}

// failJob records an ERROR_PROCESSING transition. The write is best effort:
// a failure here leaves the job PROCESSING, which nothing reclaims.
func (w *QueueWorker) failJob(
	ctx context.Context,
	job *model.Job,
	errData *model.ErrorData,
	duration time.Duration,
) {
	done, err := w.jobs.TransitionStatus(ctx, core.TransitionJobParams{
		JobID:      job.ID,
		FromStatus: model.JobStatusProcessing,
		ToStatus:   model.JobStatusErrorProcessing,
		Result:     &model.JobResult{ErrorData: errData},
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "record job failure failed",
			"job_id", job.ID, "kind", errData.Kind, "error", err)
	} else if !done {
		w.logger.WarnContext(ctx, "job left PROCESSING state before failure was recorded",
			"job_id", job.ID, "kind", errData.Kind)
	}
	w.emitJob(job, "error_processing", metrics.ResultError, duration, errors.New(errData.Message))
}

// rollbackClaim returns a claimed job to PENDING after a stop was observed
// before the model call. Uses a fresh context since the worker's own context
// is already cancelled.
func (w *QueueWorker) rollbackClaim(job *model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done, err := w.jobs.TransitionStatus(ctx, core.TransitionJobParams{
		JobID:      job.ID,
		FromStatus: model.JobStatusProcessing,
		ToStatus:   model.JobStatusPending,
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "rollback claim failed", "job_id", job.ID, "error", err)
		return
	}
	if done {
		w.logger.InfoContext(ctx, "stop requested, claim returned to queue", "job_id", job.ID)
	}
	w.emitJob(job, "rolled_back", metrics.ResultSuccess, 0, nil)
}

func (w *QueueWorker) emitJob(
	job *model.Job,
	transition, result string,
	duration time.Duration,
	err error,
) {
	metrics.EmitJobLifecycle(w.metrics, metrics.JobMetric{
		Operation:  job.Operation,
		Model:      job.Model,
		Transition: transition,
		Result:     result,
		Duration:   duration,
		Err:        err,
	})
}
