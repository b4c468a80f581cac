package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func costMetrics(tokens int, cost float64, currency string) *ProcessingMetrics {
	half := cost / 2
	return &ProcessingMetrics{
		InputTokens:     tokens,
		OutputTokens:    tokens,
		TotalTokens:     2 * tokens,
		DurationSeconds: 1,
		InputCost:       &half,
		OutputCost:      &half,
		TotalCost:       &cost,
		Currency:        currency,
	}
}

func TestAggregateMetricsSingleCurrency(t *testing.T) {
	agg := AggregateMetrics([]*ProcessingMetrics{
		costMetrics(100, 0.2, "USD"),
		costMetrics(50, 0.1, "USD"),
	})

	require.NotNil(t, agg)
	assert.Equal(t, 150, agg.InputTokens)
	assert.Equal(t, 150, agg.OutputTokens)
	assert.Equal(t, 300, agg.TotalTokens)
	assert.InDelta(t, 2, agg.DurationSeconds, 1e-9)

	require.True(t, agg.HasCost())
	assert.InDelta(t, 0.3, *agg.TotalCost, 1e-9)
	assert.Equal(t, "USD", agg.Currency)
}

func TestAggregateMetricsMixedCurrency(t *testing.T) {
	agg := AggregateMetrics([]*ProcessingMetrics{
		costMetrics(100, 0.2, "USD"),
		costMetrics(50, 0.1, "EUR"),
	})

	require.NotNil(t, agg)
	assert.Equal(t, 300, agg.TotalTokens)
	assert.Equal(t, CurrencyMixed, agg.Currency)
	assert.Nil(t, agg.InputCost)
	assert.Nil(t, agg.OutputCost)
	assert.Nil(t, agg.TotalCost)
	assert.False(t, agg.HasCost())
}

func TestAggregateMetricsMissingCostDisablesTotals(t *testing.T) {
	agg := AggregateMetrics([]*ProcessingMetrics{
		costMetrics(100, 0.2, "USD"),
		{InputTokens: 10, OutputTokens: 10, TotalTokens: 20, DurationSeconds: 0.5},
	})

	require.NotNil(t, agg)
	assert.Equal(t, 320, agg.TotalTokens)
	assert.Nil(t, agg.TotalCost)
	assert.Empty(t, agg.Currency)
}

func TestAggregateMetricsIgnoresNilEntries(t *testing.T) {
	agg := AggregateMetrics([]*ProcessingMetrics{nil, costMetrics(10, 0.1, "USD"), nil})

	require.NotNil(t, agg)
	assert.Equal(t, 20, agg.TotalTokens)
	require.True(t, agg.HasCost())
	assert.InDelta(t, 0.1, *agg.TotalCost, 1e-9)
}

func TestAggregateMetricsEmpty(t *testing.T) {
	assert.Nil(t, AggregateMetrics(nil))
	assert.Nil(t, AggregateMetrics([]*ProcessingMetrics{nil, nil}))
}

func TestModelCostComplete(t *testing.T) {
	input, output := 1.0, 2.0
	tokens := 1000

	assert.True(t, (&ModelCost{Input: &input, Output: &output, Tokens: &tokens, Currency: "USD"}).Complete())
	assert.False(t, (&ModelCost{Output: &output, Tokens: &tokens, Currency: "USD"}).Complete())
	assert.False(t, (&ModelCost{Input: &input, Output: &output, Currency: "USD"}).Complete())
	assert.False(t, (&ModelCost{Input: &input, Output: &output, Tokens: &tokens}).Complete())

	zero := 0
	assert.False(t, (&ModelCost{Input: &input, Output: &output, Tokens: &zero, Currency: "USD"}).Complete())

	var none *ModelCost
	assert.False(t, none.Complete())
}

func TestClampTemperature(t *testing.T) {
	cfg := &ModelConfig{MinTemperature: 0.2, MaxTemperature: 0.8}

	assert.Equal(t, 0.2, cfg.ClampTemperature(0))
	assert.Equal(t, 0.5, cfg.ClampTemperature(0.5))
	assert.Equal(t, 0.8, cfg.ClampTemperature(1))

	// No declared bounds means no clamping.
	unbounded := &ModelConfig{}
	assert.Equal(t, 0.9, unbounded.ClampTemperature(0.9))
}
