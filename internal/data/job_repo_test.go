package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
	"github.com/lumenlab/optiq/internal/testutil"
)

func newTestJobRequest(clientID string, priority int) *model.CreateJobRequest {
	return &model.CreateJobRequest{
		ClientID:    clientID,
		Operation:   "optimize",
		Prompts:     []string{"prompt-1", "prompt-2"},
		Model:       "gpt-test",
		Temperature: 0.5,
		Priority:    priority,
		RequestData: json.RawMessage(`{"task":"x"}`),
	}
}

func TestJobRepoCreateAndGet(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})

		req := newTestJobRequest("client-1", 100)
		req.ClientReference = json.RawMessage(`{"runId":"r-1"}`)

		created, err := repo.Create(ctx, req)
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, model.JobStatusPending, created.Status)
		assert.Equal(t, []string{"prompt-1", "prompt-2"}, created.Prompts)
		assert.JSONEq(t, `{"runId":"r-1"}`, string(created.ClientReference))
		assert.False(t, created.CreatedAt.IsZero())

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, model.JobStatusPending, got.Status)

		_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepoFetchPendingOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})

		low, err := repo.Create(ctx, newTestJobRequest("client-1", 300))
		require.NoError(t, err)
		high, err := repo.Create(ctx, newTestJobRequest("client-1", 100))
		require.NoError(t, err)

		otherModel := newTestJobRequest("client-1", 50)
		otherModel.Model = "gpt-other"
		_, err = repo.Create(ctx, otherModel)
		require.NoError(t, err)

		otherClient := newTestJobRequest("client-2", 10)
		_, err = repo.Create(ctx, otherClient)
		require.NoError(t, err)

		tagged := newTestJobRequest("client-1", 200)
		tagged.ClientReference = json.RawMessage(`{"runId":"r-42","iteration":0}`)
		taggedJob, err := repo.Create(ctx, tagged)
		require.NoError(t, err)

		// Priority ascending, client and model scoped.
		jobs, err := repo.FetchPending(ctx, core.FetchPendingParams{
			ClientID:    "client-1",
			ModelFilter: "gpt-test",
			Limit:       10,
		})
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, high.ID, jobs[0].ID)
		assert.Equal(t, taggedJob.ID, jobs[1].ID)
		assert.Equal(t, low.ID, jobs[2].ID)

		// Client reference containment.
		jobs, err = repo.FetchPending(ctx, core.FetchPendingParams{
			ClientID:               "client-1",
			ClientReferenceFilters: map[string]string{"runId": "r-42"},
			Limit:                  10,
		})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, taggedJob.ID, jobs[0].ID)

		// Limit applies after ordering.
		jobs, err = repo.FetchPending(ctx, core.FetchPendingParams{
			ClientID: "client-1",
			Limit:    1,
		})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
	})
}

func TestJobRepoTransitionStatusCAS(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})

		job, err := repo.Create(ctx, newTestJobRequest("client-1", 100))
		require.NoError(t, err)

		// First claim wins.
		claimed, err := repo.TransitionStatus(ctx, core.TransitionJobParams{
			JobID: job.ID, FromStatus: model.JobStatusPending, ToStatus: model.JobStatusProcessing,
		})
		require.NoError(t, err)
		assert.True(t, claimed)

		// Second claim loses without error.
		claimed, err = repo.TransitionStatus(ctx, core.TransitionJobParams{
			JobID: job.ID, FromStatus: model.JobStatusPending, ToStatus: model.JobStatusProcessing,
		})
		require.NoError(t, err)
		assert.False(t, claimed)

		// Illegal transitions are rejected before touching the row.
		_, err = repo.TransitionStatus(ctx, core.TransitionJobParams{
			JobID: job.ID, FromStatus: model.JobStatusProcessing, ToStatus: model.JobStatusConsumed,
		})
		require.ErrorIs(t, err, model.ErrInvalidTransition)

		// Completion writes the result atomically with the status.
		cost := 0.2
		done, err := repo.TransitionStatus(ctx, core.TransitionJobParams{
			JobID:      job.ID,
			FromStatus: model.JobStatusProcessing,
			ToStatus:   model.JobStatusProcessed,
			Result: &model.JobResult{
				ResponseData: json.RawMessage(`{"score":0.9}`),
				ProcessingMetrics: &model.ProcessingMetrics{
					InputTokens: 100, OutputTokens: 50, TotalTokens: 150,
					DurationSeconds: 1.2, TotalCost: &cost, Currency: "USD",
				},
			},
		})
		require.NoError(t, err)
		assert.True(t, done)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessed, got.Status)
		assert.JSONEq(t, `{"score":0.9}`, string(got.ResponseData))
		require.NotNil(t, got.ProcessingMetrics)
		assert.Equal(t, 150, got.ProcessingMetrics.TotalTokens)
	})
}

func TestJobRepoConcurrentClaimsSingleWinner(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})

		job, err := repo.Create(ctx, newTestJobRequest("client-1", 100))
		require.NoError(t, err)

		const claimers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				claimed, claimErr := repo.TransitionStatus(ctx, core.TransitionJobParams{
					JobID:      job.ID,
					FromStatus: model.JobStatusPending,
					ToStatus:   model.JobStatusProcessing,
				})
				// require must not be used off the test goroutine.
				assert.NoError(t, claimErr)
				if claimed {
					wins.Add(1)
				}
			}()
		}

		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, got.Status)
	})
}

func TestJobRepoErrorDataRoundTrip(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})

		job, err := repo.Create(ctx, newTestJobRequest("client-1", 100))
		require.NoError(t, err)

		claimed, err := repo.TransitionStatus(ctx, core.TransitionJobParams{
			JobID: job.ID, FromStatus: model.JobStatusPending, ToStatus: model.JobStatusProcessing,
		})
		require.NoError(t, err)
		require.True(t, claimed)

		raw := "not json at all"
		done, err := repo.TransitionStatus(ctx, core.TransitionJobParams{
			JobID:      job.ID,
			FromStatus: model.JobStatusProcessing,
			ToStatus:   model.JobStatusErrorProcessing,
			Result: &model.JobResult{
				ErrorData: &model.ErrorData{
					Kind:            model.ErrorKindJSONParsing,
					Message:         "model response is not valid JSON after repair",
					RawResponse:     raw,
					RepairAttempted: true,
				},
			},
		})
		require.NoError(t, err)
		assert.True(t, done)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusErrorProcessing, got.Status)
		require.NotNil(t, got.ErrorData)
		assert.Equal(t, model.ErrorKindJSONParsing, got.ErrorData.Kind)
		assert.Equal(t, raw, got.ErrorData.RawResponse)
		assert.True(t, got.ErrorData.RepairAttempted)
	})
}

func TestJobRepoSoftDelete(t *testing.T) {
	ctx := context.Background()
	testutil.WithTestDB(ctx, t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})

		job, err := repo.Create(ctx, newTestJobRequest("client-1", 100))
		require.NoError(t, err)

		deleted, err := repo.SoftDelete(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = repo.GetByID(ctx, job.ID)
		require.ErrorIs(t, err, ErrJobNotFound)

		// Deleted jobs never surface as pending work.
		jobs, err := repo.FetchPending(ctx, core.FetchPendingParams{ClientID: "client-1", Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, jobs)

		deleted, err = repo.SoftDelete(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}
