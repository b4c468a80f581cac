package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
	"github.com/lumenlab/optiq/internal/testutil"
)

func newTestRunRequest(clientID string) *model.CreateRunRequest {
	return &model.CreateRunRequest{
		ClientID:        clientID,
		InitialPromptID: "prompt-initial",
		EvalPromptID:    "prompt-eval",
		EvalModel:       "gpt-eval",
		MetaPromptID:    "prompt-meta",
		MetaModel:       "gpt-meta",
		WorkingModels:   []string{"gpt-a", "gpt-b"},
		MaxIterations:   3,
		Temperature:     0.4,
		Priority:        100,
		RequestData:     json.RawMessage(`{"task":"x"}`),
	}
}

func TestRunRepoCreateAndGet(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewRunRepo(db, RepoConfig{})

		created, err := repo.Create(ctx, newTestRunRequest("client-1"))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, model.RunStatusPending, created.Status)
		assert.Equal(t, []string{"gpt-a", "gpt-b"}, created.WorkingModels)

		// One empty bucket per working model, ready for iteration results.
		require.Len(t, created.ModelRuns, 2)
		assert.Equal(t, "gpt-a", created.ModelRuns[0].Model)
		assert.Empty(t, created.ModelRuns[0].Iterations)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Nil(t, got.CurrentJobID)

		_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestRunRepoTransitionStatusCAS(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewRunRepo(db, RepoConfig{})

		run, err := repo.Create(ctx, newTestRunRequest("client-1"))
		require.NoError(t, err)

		done, err := repo.TransitionStatus(ctx, core.TransitionRunParams{
			RunID: run.ID, FromStatus: model.RunStatusPending, ToStatus: model.RunStatusRunning,
		})
		require.NoError(t, err)
		assert.True(t, done)

		// Lost CAS: the run is no longer PENDING.
		done, err = repo.TransitionStatus(ctx, core.TransitionRunParams{
			RunID: run.ID, FromStatus: model.RunStatusPending, ToStatus: model.RunStatusRunning,
		})
		require.NoError(t, err)
		assert.False(t, done)

		// Illegal transitions are rejected up front.
		_, err = repo.TransitionStatus(ctx, core.TransitionRunParams{
			RunID: run.ID, FromStatus: model.RunStatusRunning, ToStatus: model.RunStatusPending,
		})
		require.ErrorIs(t, err, model.ErrInvalidTransition)

		// Failure reason is persisted with the transition.
		reason := "job j-1 ended ERROR_PROCESSING"
		done, err = repo.TransitionStatus(ctx, core.TransitionRunParams{
			RunID:         run.ID,
			FromStatus:    model.RunStatusRunning,
			ToStatus:      model.RunStatusFailed,
			FailureReason: &reason,
		})
		require.NoError(t, err)
		assert.True(t, done)

		got, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, got.Status)
		require.NotNil(t, got.FailureReason)
		assert.Equal(t, reason, *got.FailureReason)
	})
}

func TestRunRepoListRunning(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewRunRepo(db, RepoConfig{})

		first, err := repo.Create(ctx, newTestRunRequest("client-1"))
		require.NoError(t, err)
		second, err := repo.Create(ctx, newTestRunRequest("client-2"))
		require.NoError(t, err)
		_, err = repo.Create(ctx, newTestRunRequest("client-3"))
		require.NoError(t, err)

		for _, id := range []string{first.ID, second.ID} {
			done, trErr := repo.TransitionStatus(ctx, core.TransitionRunParams{
				RunID: id, FromStatus: model.RunStatusPending, ToStatus: model.RunStatusRunning,
			})
			require.NoError(t, trErr)
			require.True(t, done)
		}

		running, err := repo.ListRunning(ctx)
		require.NoError(t, err)
		require.Len(t, running, 2)
		assert.Equal(t, first.ID, running[0].ID)
		assert.Equal(t, second.ID, running[1].ID)
	})
}

func TestRunRepoSaveProgress(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewRunRepo(db, RepoConfig{})

		run, err := repo.Create(ctx, newTestRunRequest("client-1"))
		require.NoError(t, err)

		jobID := "11111111-1111-1111-1111-111111111111"
		run.CurrentIteration = 1
		run.CurrentJobID = &jobID
		run.ModelRuns[0].Iterations = append(run.ModelRuns[0].Iterations, model.IterationResult{
			Iteration:         0,
			JobID:             "22222222-2222-2222-2222-222222222222",
			WorkingPromptID:   "prompt-initial",
			Status:            model.JobStatusProcessed,
			SuggestedPromptID: "prompt-next",
		})
		require.NoError(t, repo.SaveProgress(ctx, run))

		got, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.CurrentIteration)
		require.NotNil(t, got.CurrentJobID)
		assert.Equal(t, jobID, *got.CurrentJobID)
		require.Len(t, got.ModelRuns[0].Iterations, 1)
		assert.Equal(t, "prompt-next", got.ModelRuns[0].Iterations[0].SuggestedPromptID)

		// Clearing the in-flight job persists as NULL.
		run.CurrentJobID = nil
		require.NoError(t, repo.SaveProgress(ctx, run))
		got, err = repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Nil(t, got.CurrentJobID)

		missing := *run
		missing.ID = "00000000-0000-0000-0000-000000000000"
		require.ErrorIs(t, repo.SaveProgress(ctx, &missing), ErrRunNotFound)
	})
}
