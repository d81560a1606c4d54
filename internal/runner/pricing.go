package runner

import (
	"math"
	"strings"
)

// PricingVersion identifies the price table below in persisted usage metadata.
const PricingVersion = "2026-01"

// modelPrice is USD per million tokens.
type modelPrice struct {
	prefix string
	input  float64
	output float64
}

// priceTable is matched by longest model-name prefix.
var priceTable = []modelPrice{
	{"claude-opus-4", 15, 75},
	{"claude-sonnet-4", 3, 15},
	{"claude-haiku-4", 1, 5},
	{"claude-3-7-sonnet", 3, 15},
	{"claude-3-5-sonnet", 3, 15},
	{"claude-3-5-haiku", 0.8, 4},
	{"gpt-4.1", 2, 8},
	{"gpt-4.1-mini", 0.4, 1.6},
	{"gpt-4.1-nano", 0.1, 0.4},
	{"gpt-4o", 2.5, 10},
	{"gpt-4o-mini", 0.15, 0.6},
	{"o3", 2, 8},
	{"o3-mini", 1.1, 4.4},
	{"o4-mini", 1.1, 4.4},
}

func lookupPrice(modelName string) (modelPrice, bool) {
	name := strings.ToLower(modelName)
	var best modelPrice
	found := false
	for _, p := range priceTable {
		if strings.HasPrefix(name, p.prefix) && len(p.prefix) > len(best.prefix) {
			best, found = p, true
		}
	}
	return best, found
}

// EstimateCost returns the USD cost of a call, rounded to 6 decimals.
// Unknown models cost 0.
func EstimateCost(modelName string, inputTokens, outputTokens int64) float64 {
	p, ok := lookupPrice(modelName)
	if !ok {
		return 0
	}
	cost := (float64(inputTokens)*p.input + float64(outputTokens)*p.output) / 1e6
	return math.Round(cost*1e6) / 1e6
}

// EstimateTokens approximates the token count of text at four characters per token.
func EstimateTokens(text string) int64 {
	n := len([]rune(text))
	return int64((n + 3) / 4)
}
