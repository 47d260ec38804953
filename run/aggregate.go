package run

import (
	"math"
	"sort"
)

// ModelSummary is the per-model comparison row: how one model performed across
// a run's inputs and iterations. Cost accumulates unrounded; use DisplayCost
// for presentation.
type ModelSummary struct {
	ModelKey    string  `json:"model_key"` // provider/model
	Count       int     `json:"count"`
	AvgLatency  float64 `json:"avg_latency_ms"`
	TotalCost   float64 `json:"total_cost_usd"`
	ErrorRate   float64 `json:"error_rate"`
	TotalTokens int     `json:"total_tokens"`
}

// DisplayCost returns the total cost rounded to 4 decimal places. Rounding
// happens only here, at presentation, never during accumulation.
func (m ModelSummary) DisplayCost() float64 {
	return RoundCost(m.TotalCost)
}

// RoundCost rounds a USD amount to 4 decimal places for display.
func RoundCost(usd float64) float64 {
	return math.Round(usd*10000) / 10000
}

// Aggregate computes per-model summaries from a run's results. It is a pure
// function over the result set, computed on read; callers wanting fresh
// aggregates re-invoke it over the current results. Results flagged
// after_cancel are skipped.
func Aggregate(results []*Result) []ModelSummary {
	type acc struct {
		count      int
		latencySum float64
		costSum    float64
		errorCount int
		tokensSum  int
	}
	groups := make(map[string]*acc)

	for _, r := range results {
		if r.AfterCancel {
			continue
		}
		g := groups[r.ModelKey()]
		if g == nil {
			g = &acc{}
			groups[r.ModelKey()] = g
		}
		g.count++
		g.latencySum += float64(r.LatencyMS)
		g.costSum += r.CostUSD
		g.tokensSum += r.TotalTokens
		if r.Error != "" {
			g.errorCount++
		}
	}

	summaries := make([]ModelSummary, 0, len(groups))
	for key, g := range groups {
		summaries = append(summaries, ModelSummary{
			ModelKey:    key,
			Count:       g.count,
			AvgLatency:  g.latencySum / float64(g.count),
			TotalCost:   g.costSum,
			ErrorRate:   float64(g.errorCount) / float64(g.count),
			TotalTokens: g.tokensSum,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ModelKey < summaries[j].ModelKey
	})
	return summaries
}
