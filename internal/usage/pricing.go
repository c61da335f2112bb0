package usage

import "sort"

// Price is the cost per 1000 tokens for one model.
type Price struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// Pricing maps a model name to its price. A "provider/model" key takes
// precedence over a bare model key.
type Pricing map[string]Price

// CostLine is one row of a cost report.
type CostLine struct {
	ModelUsage
	Cost   float64 `json:"cost"`
	Priced bool    `json:"priced"`
}

// Lookup finds the price for a provider and model.
func (p Pricing) Lookup(provider, model string) (Price, bool) {
	if pr, ok := p[provider+"/"+model]; ok {
		return pr, true
	}
	pr, ok := p[model]
	return pr, ok
}

// Cost computes the cost of u. Unpriced models cost zero.
func (p Pricing) Cost(u ModelUsage) (float64, bool) {
	pr, ok := p.Lookup(u.Provider, u.Model)
	if !ok {
		return 0, false
	}
	return float64(u.PromptTokens)/1000*pr.PromptPer1K +
		float64(u.CompletionTokens)/1000*pr.CompletionPer1K, true
}

// Report prices every row and orders the result by cost descending, then by
// provider and model.
func (p Pricing) Report(rows []ModelUsage) ([]CostLine, float64) {
	lines := make([]CostLine, 0, len(rows))
	var total float64
	for _, u := range rows {
		cost, ok := p.Cost(u)
		total += cost
		lines = append(lines, CostLine{ModelUsage: u, Cost: cost, Priced: ok})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Cost != lines[j].Cost {
			return lines[i].Cost > lines[j].Cost
		}
		if lines[i].Provider != lines[j].Provider {
			return lines[i].Provider < lines[j].Provider
		}
		return lines[i].Model < lines[j].Model
	})
	return lines, total
}
