package model

// CurrencyMixed marks an aggregate whose contributing iterations carried more
// than one currency. Cost totals are omitted in that case; token and duration
// sums remain valid.
const CurrencyMixed = "mixed"

// ProcessingMetrics records token usage, wall-clock duration and optional cost
// for one model invocation, or an aggregate across several.
type ProcessingMetrics struct {
	InputTokens     int      `json:"inputTokens"`
	OutputTokens    int      `json:"outputTokens"`
	TotalTokens     int      `json:"totalTokens"`
	DurationSeconds float64  `json:"duration"`
	InputCost       *float64 `json:"inputCost,omitempty"`
	OutputCost      *float64 `json:"outputCost,omitempty"`
	TotalCost       *float64 `json:"totalCost,omitempty"`
	Currency        string   `json:"currency,omitempty"`
}

// HasCost returns true when the metrics carry complete cost information.
func (m *ProcessingMetrics) HasCost() bool {
	return m != nil && m.InputCost != nil && m.OutputCost != nil && m.Currency != "" &&
		m.Currency != CurrencyMixed
}

// AggregateMetrics sums a list of processing metrics. Token counts and
// durations are always summed. Costs are summed only when every contributing
// entry carries cost information in a single currency; if currencies diverge
// the cost fields are omitted and Currency is set to CurrencyMixed.
// Nil entries are ignored. Returns nil when nothing contributes.
func AggregateMetrics(entries []*ProcessingMetrics) *ProcessingMetrics {
	var agg *ProcessingMetrics
	var inputCost, outputCost float64
	costComplete := true
	currency := ""

	for _, m := range entries {
		if m == nil {
			continue
		}
		if agg == nil {
			agg = &ProcessingMetrics{}
		}
		agg.InputTokens += m.InputTokens
		agg.OutputTokens += m.OutputTokens
		agg.TotalTokens += m.TotalTokens
		agg.DurationSeconds += m.DurationSeconds

		if !m.HasCost() {
			costComplete = false
			continue
		}
		switch {
		case currency == "":
			currency = m.Currency
		case currency != m.Currency:
			currency = CurrencyMixed
		}
		inputCost += *m.InputCost
		outputCost += *m.OutputCost
	}

	if agg == nil {
		return nil
	}

	if currency == CurrencyMixed {
		agg.Currency = CurrencyMixed
		return agg
	}
	if costComplete && currency != "" {
		total := inputCost + outputCost
		agg.InputCost = &inputCost
		agg.OutputCost = &outputCost
		agg.TotalCost = &total
		agg.Currency = currency
	}
	return agg
}
