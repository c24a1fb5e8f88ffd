// Package pricing estimates the dollar cost of a served request from its
// token usage. Prices are USD per million tokens; rules match the upstream
// model id either exactly or by prefix when the rule ends in '*'.
package pricing

import (
	"math"
	"strings"

	"github.com/KushGrandhi/llm-routing-server/internal/providers"
)

// Rule prices one model or model family.
type Rule struct {
	Model            string  // exact id, or prefix when it ends in '*'
	InputPerMillion  float64 // USD per 1M input tokens
	OutputPerMillion float64 // USD per 1M output tokens
}

// defaultRules covers the commonly routed models. Longest-prefix rules win,
// so "gpt-4o-mini" beats "gpt-4*". Prices as of mid-2025.
var defaultRules = []Rule{
	{Model: "gpt-4o", InputPerMillion: 2.50, OutputPerMillion: 10.00},
	{Model: "gpt-4o-mini", InputPerMillion: 0.15, OutputPerMillion: 0.60},
	{Model: "gpt-4.1*", InputPerMillion: 2.00, OutputPerMillion: 8.00},
	{Model: "gpt-4*", InputPerMillion: 30.00, OutputPerMillion: 60.00},
	{Model: "o3*", InputPerMillion: 2.00, OutputPerMillion: 8.00},

	{Model: "claude-opus*", InputPerMillion: 15.00, OutputPerMillion: 75.00},
	{Model: "claude-sonnet*", InputPerMillion: 3.00, OutputPerMillion: 15.00},
	{Model: "claude-haiku*", InputPerMillion: 0.80, OutputPerMillion: 4.00},
	{Model: "claude-3-5-sonnet*", InputPerMillion: 3.00, OutputPerMillion: 15.00},
	{Model: "claude-3-haiku*", InputPerMillion: 0.25, OutputPerMillion: 1.25},

	{Model: "gemini-2.5-pro*", InputPerMillion: 1.25, OutputPerMillion: 10.00},
	{Model: "gemini-2.5-flash*", InputPerMillion: 0.30, OutputPerMillion: 2.50},
	{Model: "gemini-1.5-pro*", InputPerMillion: 1.25, OutputPerMillion: 5.00},
	{Model: "gemini-1.5-flash*", InputPerMillion: 0.075, OutputPerMillion: 0.30},

	{Model: "deepseek*", InputPerMillion: 0.27, OutputPerMillion: 1.10},
	{Model: "llama*", InputPerMillion: 0.20, OutputPerMillion: 0.20},
	{Model: "mistral-large*", InputPerMillion: 4.00, OutputPerMillion: 12.00},
}

// Estimator resolves a model id to a price rule.
type Estimator struct {
	exact    map[string]Rule
	prefixes []Rule // rules ending in '*', kept in declaration order
}

// NewEstimator builds an Estimator from rules, or from the built-in table
// when rules is nil.
func NewEstimator(rules []Rule) *Estimator {
	if rules == nil {
		rules = defaultRules
	}

	e := &Estimator{exact: make(map[string]Rule)}
	for _, r := range rules {
		if prefix, ok := strings.CutSuffix(r.Model, "*"); ok {
			r.Model = prefix
			e.prefixes = append(e.prefixes, r)
		} else {
			e.exact[r.Model] = r
		}
	}
	return e
}

// Estimate returns the USD cost for usage against model, rounded to six
// decimal places, and whether a price rule matched. Unknown models cost
// zero — cost display is advisory, never a request failure.
func (e *Estimator) Estimate(model string, usage providers.Usage) (float64, bool) {
	rule, ok := e.lookup(model)
	if !ok {
		return 0, false
	}

	cost := float64(usage.InputTokens)*rule.InputPerMillion/1e6 +
		float64(usage.OutputTokens)*rule.OutputPerMillion/1e6
	return math.Round(cost*1e6) / 1e6, true
}

func (e *Estimator) lookup(model string) (Rule, bool) {
	if r, ok := e.exact[model]; ok {
		return r, true
	}

	best := -1
	for i, r := range e.prefixes {
		if strings.HasPrefix(model, r.Model) {
			if best == -1 || len(r.Model) > len(e.prefixes[best].Model) {
				best = i
			}
		}
	}
	if best == -1 {
		return Rule{}, false
	}
	return e.prefixes[best], true
}
