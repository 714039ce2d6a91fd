package tracing

import (
	"sort"
	"strings"
)

// price is USD per million tokens.
type price struct {
	input  float64
	output float64
}

var prices = map[string]price{
	"gpt-4o":        {input: 2.50, output: 10.00},
	"gpt-4o-mini":   {input: 0.15, output: 0.60},
	"gpt-4.1":       {input: 2.00, output: 8.00},
	"gpt-4.1-mini":  {input: 0.40, output: 1.60},
	"gpt-4.1-nano":  {input: 0.10, output: 0.40},
	"gpt-4-turbo":   {input: 10.00, output: 30.00},
	"gpt-3.5-turbo": {input: 0.50, output: 1.50},
}

// pricePrefixes holds the table keys longest first so that
// "gpt-4o-mini-2024-07-18" matches gpt-4o-mini rather than gpt-4o.
var pricePrefixes = func() []string {
	keys := make([]string, 0, len(prices))
	for k := range prices {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	return keys
}()

// EstimateCost returns a coarse USD cost for a completion. ok is false for
// models missing from the table.
func EstimateCost(model string, promptTokens, completionTokens int) (float64, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	p, ok := prices[model]
	if !ok {
		for _, prefix := range pricePrefixes {
			if strings.HasPrefix(model, prefix) {
				p, ok = prices[prefix], true
				break
			}
		}
	}
	if !ok {
		return 0, false
	}
	return (float64(promptTokens)*p.input + float64(completionTokens)*p.output) / 1_000_000, true
}
