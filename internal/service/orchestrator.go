package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
	"github.com/lumenlab/optiq/internal/observability/metrics"
	"github.com/lumenlab/optiq/internal/observability/statsd"
)

const (
	defaultOrchestratorInterval = 5 * time.Second

	// Default extraction expressions over a processed job's responseData.
	defaultEvalResultExpr      = "evalResult"
	defaultSuggestedPromptExpr = "suggestedPromptId"
)

// OrchestratorOptions groups dependencies for Orchestrator.
type OrchestratorOptions struct {
	Runs    core.RunStore // Required
	Jobs    core.JobStore // Required
	RunSvc  *RunService   // Required: seeding and transitions
	Logger  *slog.Logger  // Optional
	Metrics statsd.Sink   // Optional

	Interval time.Duration // Optional: cycle interval; defaults to 5s

	// Optional jmespath expressions applied to responseData. Empty uses the
	// defaults above.
	EvalResultExpr      string
	SuggestedPromptExpr string
}

// Orchestrator drives optimization runs forward: each cycle it inspects the
// in-flight job of every RUNNING run and records, advances, completes or
// fails the run accordingly. Runs are independent; one run's failure never
// stops the cycle.
type Orchestrator struct {
	runs    core.RunStore
	jobs    core.JobStore
	runSvc  *RunService
	logger  *slog.Logger
	metrics statsd.Sink

	interval            time.Duration
	evalResultExpr      string
	suggestedPromptExpr string
}

// NewOrchestrator constructs a new Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Runs == nil {
		return nil, errors.New("RunStore is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.RunSvc == nil {
		return nil, errors.New("RunService is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultOrchestratorInterval
	}

	evalExpr := opts.EvalResultExpr
	if evalExpr == "" {
		evalExpr = defaultEvalResultExpr
	}
	suggestedExpr := opts.SuggestedPromptExpr
	if suggestedExpr == "" {
		suggestedExpr = defaultSuggestedPromptExpr
	}
	for _, expr := range []string{evalExpr, suggestedExpr} {
		if _, err := jmespath.Compile(expr); err != nil {
			return nil, fmt.Errorf("compile extraction expression %q: %w", expr, err)
		}
	}

	return &Orchestrator{
		runs:                opts.Runs,
		jobs:                opts.Jobs,
		runSvc:              opts.RunSvc,
		logger:              logger.With("component", "run_orchestrator"),
		metrics:             opts.Metrics,
		interval:            interval,
		evalResultExpr:      evalExpr,
		suggestedPromptExpr: suggestedExpr,
	}, nil
}

// Run executes cycles at the configured interval until the context is
// cancelled. Start is jittered so multiple instances do not tick in step.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "starting run orchestrator", "interval", o.interval)

	o.waitWithJitter(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := o.Cycle(ctx); err != nil {
				o.logger.ErrorContext(ctx, "orchestrator cycle failed", "error", err)
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (o *Orchestrator) waitWithJitter(ctx context.Context) {
	maxJitter := int64(o.interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		o.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)

	select {
	case <-time.After(time.Duration(int64(jitterNanos))):
	case <-ctx.Done():
	}
}

// Cycle processes every RUNNING run once. Errors on individual runs are
// logged and do not abort the cycle; only a failure to list runs is returned.
func (o *Orchestrator) Cycle(ctx context.Context) error {
	runs, err := o.runs.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}

	for _, run := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.processRun(ctx, run); err != nil {
			o.logger.ErrorContext(ctx, "process run failed", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// processRun inspects the run's in-flight job and moves the run forward.
func (o *Orchestrator) processRun(ctx context.Context, run *model.Run) error {
	if run.CurrentJobID == nil {
		// A RUNNING run always owns a job between seed and advance. Seeing
		// none is an inconsistency; reseeding here could put a second job in
		// flight while the lost one is still claimable, so leave the run
		// alone and surface it in the logs.
		o.logger.WarnContext(ctx, "running run has no in-flight job, skipping", "run_id", run.ID)
		return nil
	}

	job, err := o.jobs.GetByID(ctx, *run.CurrentJobID)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			return o.failRun(ctx, run, fmt.Sprintf("job %s not found", *run.CurrentJobID))
		}
		return fmt.Errorf("get job %s: %w", *run.CurrentJobID, err)
	}

	switch job.Status {
	case model.JobStatusPending, model.JobStatusProcessing:
		// Still in flight.
		return nil
	case model.JobStatusProcessed:
		return o.recordAndAdvance(ctx, run, job)
	case model.JobStatusErrorProcessing, model.JobStatusErrorConsuming, model.JobStatusCanceled:
		reason := fmt.Sprintf("job %s ended %s", job.ID, job.Status)
		if job.ErrorData != nil {
			reason = fmt.Sprintf("job %s: %s: %s", job.ID, job.ErrorData.Kind, job.ErrorData.Message)
		}
		return o.failRun(ctx, run, reason)
	default:
		return fmt.Errorf("job %s in unexpected status %s", job.ID, job.Status)
	}
}

// recordAndAdvance appends the iteration result for a processed job,
// recomputes aggregates, and moves the cursor to the next iteration, the
// next model, or completion.
func (o *Orchestrator) recordAndAdvance(ctx context.Context, run *model.Run, job *model.Job) error {
	if run.CurrentModelIndex >= len(run.ModelRuns) {
		return o.failRun(ctx, run, fmt.Sprintf("model index %d out of range", run.CurrentModelIndex))
	}

	evalResult, suggestedPromptID, err := o.extractResults(job.ResponseData)
	if err != nil {
		return o.failRun(ctx, run, fmt.Sprintf("job %s: %v", job.ID, err))
	}

	promptID, err := workingPromptID(run)
	if err != nil {
		return o.failRun(ctx, run, err.Error())
	}

	modelRun := &run.ModelRuns[run.CurrentModelIndex]
	modelRun.Iterations = append(modelRun.Iterations, model.IterationResult{
		Iteration:         run.CurrentIteration,
		JobID:             job.ID,
		WorkingPromptID:   promptID,
		Status:            job.Status,
		EvalResult:        evalResult,
		SuggestedPromptID: suggestedPromptID,
		ProcessingMetrics: job.ProcessingMetrics,
	})
	o.recomputeAggregates(run)

	run.CurrentJobID = nil
	run.CurrentIteration++

	done := false
	if run.CurrentIteration >= run.MaxIterations {
		run.CurrentModelIndex++
		run.CurrentIteration = 0
		done = run.CurrentModelIndex >= len(run.WorkingModels)
	}

	if err := o.runs.SaveProgress(ctx, run); err != nil {
		return fmt.Errorf("save run progress: %w", err)
	}

	if done {
		if err := o.transitionRun(ctx, run, model.RunStatusCompleted, nil); err != nil {
			return err
		}
		o.logger.InfoContext(ctx, "run completed", "run_id", run.ID)
		o.emitRun(run, "completed", metrics.ResultSuccess, nil)
		return nil
	}

	if err := o.runSvc.seedNextJob(ctx, run); err != nil {
		return o.failRun(ctx, run, fmt.Sprintf("seed next job: %v", err))
	}
	o.emitRun(run, "advanced", metrics.ResultSuccess, nil)
	return nil
}

// extractResults pulls the eval result and suggested prompt id out of a
// processed job's response payload.
func (o *Orchestrator) extractResults(responseData json.RawMessage) (json.RawMessage, string, error) {
	if len(responseData) == 0 {
		return nil, "", errors.New("processed job has no response data")
	}

	var decoded any
	if err := json.Unmarshal(responseData, &decoded); err != nil {
		return nil, "", fmt.Errorf("decode response data: %w", err)
	}

	var evalResult json.RawMessage
	if v, err := jmespath.Search(o.evalResultExpr, decoded); err == nil && v != nil {
		raw, marshalErr := json.Marshal(v)
		if marshalErr != nil {
			return nil, "", fmt.Errorf("encode eval result: %w", marshalErr)
		}
		evalResult = raw
	}

	suggested := ""
	if v, err := jmespath.Search(o.suggestedPromptExpr, decoded); err == nil {
		if s, ok := v.(string); ok {
			suggested = s
		}
	}

	return evalResult, suggested, nil
}

// recomputeAggregates refreshes the per-model and run-level metric sums.
func (o *Orchestrator) recomputeAggregates(run *model.Run) {
	var allIterations []*model.ProcessingMetrics
	for i := range run.ModelRuns {
		modelRun := &run.ModelRuns[i]
		var entries []*model.ProcessingMetrics
		for j := range modelRun.Iterations {
			entries = append(entries, modelRun.Iterations[j].ProcessingMetrics)
		}
		modelRun.ProcessingMetrics = model.AggregateMetrics(entries)
		allIterations = append(allIterations, entries...)
	}
	run.ProcessingMetrics = model.AggregateMetrics(allIterations)
}

func (o *Orchestrator) failRun(ctx context.Context, run *model.Run, reason string) error {
	o.logger.WarnContext(ctx, "run failed", "run_id", run.ID, "reason", reason)

	run.CurrentJobID = nil
	if err := o.runs.SaveProgress(ctx, run); err != nil {
		o.logger.ErrorContext(ctx, "clear in-flight job on failure", "run_id", run.ID, "error", err)
	}

	if err := o.transitionRun(ctx, run, model.RunStatusFailed, &reason); err != nil {
		return err
	}
	o.emitRun(run, "failed", metrics.ResultError, errors.New(reason))
	return nil
}

func (o *Orchestrator) transitionRun(
	ctx context.Context,
	run *model.Run,
	to model.RunStatus,
	reason *string,
) error {
	done, err := o.runs.TransitionStatus(ctx, core.TransitionRunParams{
		RunID:         run.ID,
		FromStatus:    model.RunStatusRunning,
		ToStatus:      to,
		FailureReason: reason,
	})
	if err != nil {
		return fmt.Errorf("transition run %s to %s: %w", run.ID, to, err)
	}
	if !done {
		// Paused or cancelled out from under us; the result stays recorded.
		o.logger.InfoContext(ctx, "run left RUNNING during cycle", "run_id", run.ID, "target", to)
	}
	return nil
}

func (o *Orchestrator) emitRun(run *model.Run, transition, result string, err error) {
	iterations := 0
	for i := range run.ModelRuns {
		iterations += len(run.ModelRuns[i].Iterations)
	}
	metrics.EmitRunLifecycle(o.metrics, metrics.RunMetric{
		Transition: transition,
		Result:     result,
		Iterations: iterations,
		Err:        err,
	})
}
