package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
	"github.com/lumenlab/optiq/internal/testutil"
)

func newOrchestratorFixture(t *testing.T) (*runFixture, *Orchestrator) {
	t.Helper()

	f := newRunFixture(t)
	orch, err := NewOrchestrator(OrchestratorOptions{
		Runs:   f.runs,
		Jobs:   f.jobs,
		RunSvc: f.svc,
	})
	require.NoError(t, err)
	return f, orch
}

// completeJob drives a job through PROCESSING to PROCESSED with the given
// response payload, the way a queue worker would.
func completeJob(t *testing.T, jobs *testutil.FakeJobStore, jobID, response string, pm *model.ProcessingMetrics) {
	t.Helper()
	ctx := context.Background()

	claimed, err := jobs.TransitionStatus(ctx, core.TransitionJobParams{
		JobID: jobID, FromStatus: model.JobStatusPending, ToStatus: model.JobStatusProcessing,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	done, err := jobs.TransitionStatus(ctx, core.TransitionJobParams{
		JobID:      jobID,
		FromStatus: model.JobStatusProcessing,
		ToStatus:   model.JobStatusProcessed,
		Result: &model.JobResult{
			ResponseData:      json.RawMessage(response),
			ProcessingMetrics: pm,
		},
	})
	require.NoError(t, err)
	require.True(t, done)
}

// failJob drives a job to ERROR_PROCESSING.
func failJobWith(t *testing.T, jobs *testutil.FakeJobStore, jobID string, errData *model.ErrorData) {
	t.Helper()
	ctx := context.Background()

	claimed, err := jobs.TransitionStatus(ctx, core.TransitionJobParams{
		JobID: jobID, FromStatus: model.JobStatusPending, ToStatus: model.JobStatusProcessing,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	done, err := jobs.TransitionStatus(ctx, core.TransitionJobParams{
		JobID:      jobID,
		FromStatus: model.JobStatusProcessing,
		ToStatus:   model.JobStatusErrorProcessing,
		Result:     &model.JobResult{ErrorData: errData},
	})
	require.NoError(t, err)
	require.True(t, done)
}

func usdMetrics(inputTokens, outputTokens int, cost float64) *model.ProcessingMetrics {
	half := cost / 2
	return &model.ProcessingMetrics{
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		TotalTokens:     inputTokens + outputTokens,
		DurationSeconds: 1.5,
		InputCost:       &half,
		OutputCost:      &half,
		TotalCost:       &cost,
		Currency:        "USD",
	}
}

func TestOrchestratorRecordsAndAdvances(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, validRunRequest())
	require.NoError(t, err)
	firstJobID := *run.CurrentJobID

	completeJob(t, f.jobs, firstJobID,
		`{"evalResult":{"score":0.7},"suggestedPromptId":"prompt-next"}`,
		usdMetrics(100, 50, 0.2),
	)

	require.NoError(t, orch.Cycle(ctx))

	stored, _ := f.runs.Snapshot(run.ID)
	assert.Equal(t, model.RunStatusRunning, stored.Status)
	assert.Equal(t, 1, stored.CurrentIteration)
	assert.Equal(t, 0, stored.CurrentModelIndex)

	require.Len(t, stored.ModelRuns[0].Iterations, 1)
	iter := stored.ModelRuns[0].Iterations[0]
	assert.Equal(t, 0, iter.Iteration)
	assert.Equal(t, firstJobID, iter.JobID)
	assert.Equal(t, "prompt-initial", iter.WorkingPromptID)
	assert.Equal(t, "prompt-next", iter.SuggestedPromptID)
	assert.JSONEq(t, `{"score":0.7}`, string(iter.EvalResult))

	// A new job was seeded for iteration 1 using the suggested prompt.
	require.NotNil(t, stored.CurrentJobID)
	assert.NotEqual(t, firstJobID, *stored.CurrentJobID)

	next, err := f.jobs.GetByID(ctx, *stored.CurrentJobID)
	require.NoError(t, err)
	assert.Equal(t, "prompt-next", next.Prompts[0])
	assert.JSONEq(t, `{"runId":"`+run.ID+`","iteration":1}`, string(next.ClientReference))
}

func TestOrchestratorCompletesRun(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	req := validRunRequest()
	req.MaxIterations = 1
	run, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	completeJob(t, f.jobs, *run.CurrentJobID,
		`{"evalResult":{"score":0.9},"suggestedPromptId":"prompt-next"}`,
		usdMetrics(100, 50, 0.2),
	)

	require.NoError(t, orch.Cycle(ctx))

	stored, _ := f.runs.Snapshot(run.ID)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)
	assert.Nil(t, stored.CurrentJobID)

	require.NotNil(t, stored.ProcessingMetrics)
	assert.Equal(t, 150, stored.ProcessingMetrics.TotalTokens)
	require.NotNil(t, stored.ProcessingMetrics.TotalCost)
	assert.InDelta(t, 0.2, *stored.ProcessingMetrics.TotalCost, 1e-9)
	assert.Equal(t, "USD", stored.ProcessingMetrics.Currency)
}

func TestOrchestratorRollsToNextModel(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	req := validRunRequest()
	req.MaxIterations = 1
	req.WorkingModels = []string{"gpt-working", "gpt-working-2"}
	run, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	completeJob(t, f.jobs, *run.CurrentJobID,
		`{"evalResult":{"score":0.5},"suggestedPromptId":"prompt-next"}`,
		nil,
	)

	require.NoError(t, orch.Cycle(ctx))

	stored, _ := f.runs.Snapshot(run.ID)
	assert.Equal(t, model.RunStatusRunning, stored.Status)
	assert.Equal(t, 1, stored.CurrentModelIndex)
	assert.Equal(t, 0, stored.CurrentIteration)

	// The second model starts over from the initial prompt.
	require.NotNil(t, stored.CurrentJobID)
	next, err := f.jobs.GetByID(ctx, *stored.CurrentJobID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-working-2", next.Model)
	assert.Equal(t, "prompt-initial", next.Prompts[0])
}

func TestOrchestratorFailsRunOnJobError(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, validRunRequest())
	require.NoError(t, err)

	failJobWith(t, f.jobs, *run.CurrentJobID, &model.ErrorData{
		Kind:      model.ErrorKindJSONParsing,
		Message:   "model response is not valid JSON after repair",
		Timestamp: time.Now().UTC(),
	})

	require.NoError(t, orch.Cycle(ctx))

	stored, _ := f.runs.Snapshot(run.ID)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	assert.Nil(t, stored.CurrentJobID)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, model.ErrorKindJSONParsing)
}

func TestOrchestratorFailsRunWhenJobMissing(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, validRunRequest())
	require.NoError(t, err)

	// The in-flight job vanishes (deleted out of band).
	done, err := f.jobs.SoftDelete(ctx, *run.CurrentJobID)
	require.NoError(t, err)
	require.True(t, done)

	require.NoError(t, orch.Cycle(ctx))

	stored, _ := f.runs.Snapshot(run.ID)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "not found")
}

func TestOrchestratorWaitsOnInFlightJob(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, validRunRequest())
	require.NoError(t, err)
	jobID := *run.CurrentJobID

	// PENDING: nothing happens.
	require.NoError(t, orch.Cycle(ctx))
	stored, _ := f.runs.Snapshot(run.ID)
	assert.Equal(t, 0, stored.CurrentIteration)
	assert.Equal(t, jobID, *stored.CurrentJobID)

	// PROCESSING: still nothing.
	claimed, err := f.jobs.TransitionStatus(ctx, core.TransitionJobParams{
		JobID: jobID, FromStatus: model.JobStatusPending, ToStatus: model.JobStatusProcessing,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, orch.Cycle(ctx))
	stored, _ = f.runs.Snapshot(run.ID)
	assert.Equal(t, 0, stored.CurrentIteration)
	assert.Equal(t, model.RunStatusRunning, stored.Status)
}

func TestOrchestratorSkipsRunWithoutJob(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, validRunRequest())
	require.NoError(t, err)

	// Simulate a partial save that cleared the cursor while the seeded job
	// is still live in the store.
	stored, _ := f.runs.Snapshot(run.ID)
	stored.CurrentJobID = nil
	require.NoError(t, f.runs.SaveProgress(ctx, stored))

	require.NoError(t, orch.Cycle(ctx))

	// The run is left alone: no new job may be seeded while the lost one is
	// still claimable, or two jobs for the same run would be in flight.
	stored, _ = f.runs.Snapshot(run.ID)
	assert.Equal(t, model.RunStatusRunning, stored.Status)
	assert.Nil(t, stored.CurrentJobID)

	pending, err := f.jobs.FetchPending(ctx, core.FetchPendingParams{
		ClientID: testClientID,
		Limit:    10,
	})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestOrchestratorFailsRunWhenSuggestionMissing(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	// Two iterations planned, but the first one yields no suggested prompt,
	// so the second cannot be seeded.
	run, err := f.svc.Create(ctx, validRunRequest())
	require.NoError(t, err)

	completeJob(t, f.jobs, *run.CurrentJobID, `{"evalResult":{"score":0.7}}`, nil)

	require.NoError(t, orch.Cycle(ctx))

	stored, _ := f.runs.Snapshot(run.ID)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "no suggested prompt")

	// The completed iteration is still recorded.
	require.Len(t, stored.ModelRuns[0].Iterations, 1)
}

func TestOrchestratorSkipsPausedRuns(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, validRunRequest())
	require.NoError(t, err)
	jobID := *run.CurrentJobID

	require.NoError(t, f.svc.Pause(ctx, run.ID))
	completeJob(t, f.jobs, jobID,
		`{"evalResult":{"score":0.7},"suggestedPromptId":"prompt-next"}`,
		nil,
	)

	// A paused run is invisible to the cycle; the result waits.
	require.NoError(t, orch.Cycle(ctx))
	stored, _ := f.runs.Snapshot(run.ID)
	assert.Equal(t, model.RunStatusPaused, stored.Status)
	assert.Empty(t, stored.ModelRuns[0].Iterations)

	// Resume picks it up on the next cycle.
	require.NoError(t, f.svc.Resume(ctx, run.ID))
	require.NoError(t, orch.Cycle(ctx))
	stored, _ = f.runs.Snapshot(run.ID)
	assert.Len(t, stored.ModelRuns[0].Iterations, 1)
	assert.Equal(t, 1, stored.CurrentIteration)
}

func TestOrchestratorMixedCurrencyAggregation(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	req := validRunRequest()
	req.MaxIterations = 2
	run, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	// Iteration 0 billed in USD.
	completeJob(t, f.jobs, *run.CurrentJobID,
		`{"evalResult":{"score":0.6},"suggestedPromptId":"prompt-next"}`,
		usdMetrics(100, 50, 0.2),
	)
	require.NoError(t, orch.Cycle(ctx))

	// Iteration 1 billed in EUR.
	stored, _ := f.runs.Snapshot(run.ID)
	require.NotNil(t, stored.CurrentJobID)
	eur := usdMetrics(40, 20, 0.1)
	eur.Currency = "EUR"
	completeJob(t, f.jobs, *stored.CurrentJobID,
		`{"evalResult":{"score":0.8},"suggestedPromptId":"prompt-next"}`,
		eur,
	)
	require.NoError(t, orch.Cycle(ctx))

	stored, _ = f.runs.Snapshot(run.ID)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)

	// Token sums survive; cost totals are dropped when currencies diverge.
	pm := stored.ProcessingMetrics
	require.NotNil(t, pm)
	assert.Equal(t, 210, pm.TotalTokens)
	assert.Equal(t, model.CurrencyMixed, pm.Currency)
	assert.Nil(t, pm.TotalCost)
}

func TestOrchestratorCycleSurvivesPerRunFailures(t *testing.T) {
	f, orch := newOrchestratorFixture(t)
	ctx := context.Background()

	broken, err := f.svc.Create(ctx, validRunRequest())
	require.NoError(t, err)
	healthy, err := f.svc.Create(ctx, validRunRequest())
	require.NoError(t, err)

	// The broken run's job errored; the healthy run's job completed.
	failJobWith(t, f.jobs, *broken.CurrentJobID, &model.ErrorData{
		Kind: model.ErrorKindProcessing, Message: "provider exploded", Timestamp: time.Now().UTC(),
	})
	completeJob(t, f.jobs, *healthy.CurrentJobID,
		`{"evalResult":{"score":0.9},"suggestedPromptId":"prompt-next"}`,
		nil,
	)

	require.NoError(t, orch.Cycle(ctx))

	brokenStored, _ := f.runs.Snapshot(broken.ID)
	assert.Equal(t, model.RunStatusFailed, brokenStored.Status)

	healthyStored, _ := f.runs.Snapshot(healthy.ID)
	assert.Equal(t, model.RunStatusRunning, healthyStored.Status)
	assert.Len(t, healthyStored.ModelRuns[0].Iterations, 1)
}

func TestNewOrchestratorRejectsBadExpression(t *testing.T) {
	f := newRunFixture(t)

	_, err := NewOrchestrator(OrchestratorOptions{
		Runs:           f.runs,
		Jobs:           f.jobs,
		RunSvc:         f.svc,
		EvalResultExpr: "][not an expression",
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "compile extraction expression")
}
