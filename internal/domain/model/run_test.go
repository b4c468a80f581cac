package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to RunStatus
	}{
		{RunStatusPending, RunStatusRunning},
		{RunStatusPending, RunStatusFailed},
		{RunStatusPending, RunStatusCancelled},
		{RunStatusRunning, RunStatusPaused},
		{RunStatusRunning, RunStatusCompleted},
		{RunStatusRunning, RunStatusFailed},
		{RunStatusRunning, RunStatusCancelled},
		{RunStatusPaused, RunStatusRunning},
		{RunStatusPaused, RunStatusCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to RunStatus
	}{
		{RunStatusPending, RunStatusPaused},
		{RunStatusPaused, RunStatusCompleted},
		{RunStatusPaused, RunStatusFailed},
		{RunStatusCompleted, RunStatusRunning},
		{RunStatusFailed, RunStatusRunning},
		{RunStatusCancelled, RunStatusRunning},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestRunStatusTerminal(t *testing.T) {
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.False(t, RunStatusPaused.Terminal())
	assert.False(t, RunStatusPending.Terminal())
}

func TestRunCurrentModel(t *testing.T) {
	run := &Run{WorkingModels: []string{"a", "b"}}

	m, ok := run.CurrentModel()
	require.True(t, ok)
	assert.Equal(t, "a", m)

	run.CurrentModelIndex = 1
	m, ok = run.CurrentModel()
	require.True(t, ok)
	assert.Equal(t, "b", m)

	run.CurrentModelIndex = 2
	_, ok = run.CurrentModel()
	assert.False(t, ok)
}

func validCreateRunRequest() *CreateRunRequest {
	return &CreateRunRequest{
		ClientID:        "client-1",
		InitialPromptID: "prompt-initial",
		EvalPromptID:    "prompt-eval",
		EvalModel:       "gpt-eval",
		MetaPromptID:    "prompt-meta",
		MetaModel:       "gpt-meta",
		WorkingModels:   []string{"gpt-working"},
		MaxIterations:   3,
		Temperature:     0.4,
		Priority:        100,
		RequestData:     json.RawMessage(`{"task":"x"}`),
	}
}

func TestCreateRunRequestValidate(t *testing.T) {
	require.NoError(t, validCreateRunRequest().Validate())

	tests := []struct {
		name   string
		mutate func(*CreateRunRequest)
	}{
		{"missing client id", func(r *CreateRunRequest) { r.ClientID = "" }},
		{"missing initial prompt", func(r *CreateRunRequest) { r.InitialPromptID = "" }},
		{"missing eval prompt", func(r *CreateRunRequest) { r.EvalPromptID = "" }},
		{"missing eval model", func(r *CreateRunRequest) { r.EvalModel = "" }},
		{"missing meta prompt", func(r *CreateRunRequest) { r.MetaPromptID = "" }},
		{"missing meta model", func(r *CreateRunRequest) { r.MetaModel = "" }},
		{"no working models", func(r *CreateRunRequest) { r.WorkingModels = nil }},
		{"zero iterations", func(r *CreateRunRequest) { r.MaxIterations = 0 }},
		{"temperature out of range", func(r *CreateRunRequest) { r.Temperature = 2 }},
		{"priority out of range", func(r *CreateRunRequest) { r.Priority = 0 }},
		{"missing request data", func(r *CreateRunRequest) { r.RequestData = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreateRunRequest()
			tc.mutate(req)
			require.Error(t, req.Validate())
		})
	}
}
