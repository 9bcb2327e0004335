package billing

import (
	"fmt"
	"math"
)

// Default o1 pricing in USD per million tokens.
const (
	// DefaultInputPerMillion is the prompt token price.
	DefaultInputPerMillion = 15.0
	// DefaultOutputPerMillion is the completion token price, reasoning tokens included.
	DefaultOutputPerMillion = 60.0
)

const tokensPerMillion = 1_000_000

// Pricing holds per-million-token prices.
type Pricing struct {
	InputPerMillion  float64 `yaml:"input-per-million"`  // Prompt token price.
	OutputPerMillion float64 `yaml:"output-per-million"` // Completion token price.
}

// DefaultPricing returns the o1 price list.
func DefaultPricing() Pricing {
	return Pricing{
		InputPerMillion:  DefaultInputPerMillion,
		OutputPerMillion: DefaultOutputPerMillion,
	}
}

// Cost returns the USD cost of a call. completionTokens is the billed output count.
func (p Pricing) Cost(promptTokens, completionTokens int64) float64 {
	inputCost := float64(promptTokens) / tokensPerMillion * p.InputPerMillion
	outputCost := float64(completionTokens) / tokensPerMillion * p.OutputPerMillion
	return inputCost + outputCost
}

// Validate rejects negative or non-finite prices.
func (p Pricing) Validate() error {
	for name, price := range map[string]float64{"input": p.InputPerMillion, "output": p.OutputPerMillion} {
		if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
			return fmt.Errorf("billing: invalid %s price %v", name, price)
		}
	}
	return nil
}

// ToMicros converts USD to integer micro-dollars.
func ToMicros(cost float64) int64 {
	return int64(math.Round(cost * 1_000_000))
}

// FormatUSD renders a cost with 2 to 6 decimals.
func FormatUSD(cost float64, decimals int) string {
	if decimals < 2 {
		decimals = 2
	}
	if decimals > 6 {
		decimals = 6
	}
	return fmt.Sprintf("$%.*f", decimals, cost)
}
