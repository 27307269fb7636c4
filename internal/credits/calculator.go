package credits

import (
	"math"
	"strings"
)

const USDPerCredit = 0.01

type Operation string

const (
	OpAnalyze    Operation = "analyze"
	OpBackground Operation = "background"
	OpModel      Operation = "model"
	OpResize     Operation = "resize"
	OpEdit       Operation = "edit"
	OpGenerate   Operation = "generate"
)

// Minimum charge per image for each image operation. Model swaps send
// extra reference images and cost more.
var operationFloor = map[Operation]int{
	OpAnalyze:    1,
	OpBackground: 4,
	OpModel:      6,
	OpResize:     4,
	OpEdit:       4,
	OpGenerate:   4,
}

type Calculator struct {
	overrides *LocalPricing
}

// NewCalculator prices with the built-in table, letting overrides win when
// it is non-nil.
func NewCalculator(overrides *LocalPricing) *Calculator {
	return &Calculator{overrides: overrides}
}

func (c *Calculator) imagePrice(model, size string) float64 {
	if c.overrides != nil {
		if price, ok := c.overrides.Lookup(model, size); ok {
			return price
		}
	}
	price, _ := GetImagePrice(model, size)
	return price
}

func (c *Calculator) ImageCredits(op Operation, model, size string, count int) int {
	if count < 1 {
		return 0
	}
	perImage := toCredits(c.imagePrice(model, size))
	if floor := operationFloor[op]; perImage < floor {
		perImage = floor
	}
	return perImage * count
}

// AnalyzeCredits prices an analysis call from its token usage. Zero usage
// prices the typical call.
func (c *Calculator) AnalyzeCredits(model string, inputTokens, outputTokens int) int {
	if inputTokens == 0 && outputTokens == 0 {
		inputTokens, outputTokens = estimateInputTokens, estimateOutputTokens
	}
	price, ok := tokenPricing[model]
	if !ok {
		price = tokenPricing["gemini-2.5-flash"]
	}
	usd := float64(inputTokens)/1_000_000*price.Input + float64(outputTokens)/1_000_000*price.Output
	if credits := toCredits(usd); credits > operationFloor[OpAnalyze] {
		return credits
	}
	return operationFloor[OpAnalyze]
}

func toCredits(usd float64) int {
	if usd <= 0 {
		return 0
	}
	// Round off float noise first so 0.03 USD is 3 credits, not 4.
	return int(math.Ceil(math.Round(usd/USDPerCredit*1e6) / 1e6))
}

func normalizeSize(size string) string {
	return strings.ToLower(strings.ReplaceAll(size, "*", "x"))
}
