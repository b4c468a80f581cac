package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to JobStatus
	}{
		{JobStatusPending, JobStatusProcessing},
		{JobStatusPending, JobStatusCanceled},
		{JobStatusProcessing, JobStatusProcessed},
		{JobStatusProcessing, JobStatusErrorProcessing},
		{JobStatusProcessing, JobStatusPending}, // stop-requested rollback
		{JobStatusProcessed, JobStatusConsumed},
		{JobStatusProcessed, JobStatusErrorConsuming},
		{JobStatusErrorProcessing, JobStatusPending},
		{JobStatusErrorConsuming, JobStatusPending},
		{JobStatusCanceled, JobStatusPending},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to JobStatus
	}{
		{JobStatusPending, JobStatusProcessed},
		{JobStatusPending, JobStatusErrorProcessing},
		{JobStatusProcessed, JobStatusPending},
		{JobStatusProcessed, JobStatusProcessing},
		{JobStatusConsumed, JobStatusPending},
		{JobStatusConsumed, JobStatusProcessed},
		{JobStatusErrorProcessing, JobStatusProcessing},
		{JobStatusCanceled, JobStatusProcessing},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.True(t, JobStatusProcessed.Terminal())
	assert.True(t, JobStatusErrorProcessing.Terminal())
	assert.True(t, JobStatusConsumed.Terminal())
	assert.True(t, JobStatusErrorConsuming.Terminal())
	assert.True(t, JobStatusCanceled.Terminal())
}

func TestJobStatusValid(t *testing.T) {
	assert.True(t, JobStatusPending.Valid())
	assert.False(t, JobStatus("BOGUS").Valid())
	assert.False(t, JobStatus("").Valid())
}

func validCreateJobRequest() *CreateJobRequest {
	return &CreateJobRequest{
		ClientID:    "client-1",
		Operation:   "optimize",
		Prompts:     []string{"prompt-1"},
		Model:       "gpt-test",
		Temperature: 0.5,
		Priority:    100,
		RequestData: json.RawMessage(`{"a":1}`),
	}
}

func TestCreateJobRequestValidate(t *testing.T) {
	require.NoError(t, validCreateJobRequest().Validate())

	tests := []struct {
		name    string
		mutate  func(*CreateJobRequest)
		wantErr string
	}{
		{"missing client id", func(r *CreateJobRequest) { r.ClientID = " " }, "client id"},
		{"missing operation", func(r *CreateJobRequest) { r.Operation = "" }, "operation"},
		{"no prompts", func(r *CreateJobRequest) { r.Prompts = nil }, "at least one prompt"},
		{"blank prompt", func(r *CreateJobRequest) { r.Prompts = []string{"ok", " "} }, "prompt reference 1"},
		{"missing model", func(r *CreateJobRequest) { r.Model = "" }, "model"},
		{"temperature too high", func(r *CreateJobRequest) { r.Temperature = 1.5 }, "temperature"},
		{"temperature negative", func(r *CreateJobRequest) { r.Temperature = -0.1 }, "temperature"},
		{"priority zero", func(r *CreateJobRequest) { r.Priority = 0 }, "priority"},
		{"priority too high", func(r *CreateJobRequest) { r.Priority = 1001 }, "priority"},
		{"missing request data", func(r *CreateJobRequest) { r.RequestData = nil }, "request data"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreateJobRequest()
			tc.mutate(req)
			err := req.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
