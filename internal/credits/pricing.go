package credits

// Provider list prices in USD per output image.
// Sources: openai.com/api/pricing, ai.google.dev/pricing,
// alibabacloud.com/help/en/model-studio/billing.

type PricingKey struct {
	Model string
	Size  string
}

var imagePricing = map[PricingKey]float64{
	{Model: "gpt-image-1", Size: "1024x1024"}: 0.042,
	{Model: "gpt-image-1", Size: "1536x1024"}: 0.063,
	{Model: "gpt-image-1", Size: "1024x1536"}: 0.063,
	{Model: "gpt-image-1", Size: "auto"}:      0.063,

	{Model: "gemini-2.5-flash-image", Size: ""}: 0.039,

	{Model: "qwen-image-edit", Size: ""}:   0.045,
	{Model: "wanx2.1-imageedit", Size: ""}: 0.020,
	{Model: "wanx2.1-t2i-turbo", Size: ""}: 0.025,
}

// Fallback per-image prices when no size-specific entry exists.
var modelDefaults = map[string]float64{
	"gpt-image-1":            0.042,
	"gemini-2.5-flash-image": 0.039,
	"qwen-image-edit":        0.045,
	"wanx2.1-imageedit":      0.020,
	"wanx2.1-t2i-turbo":      0.025,
}

// Vision chat prices in USD per 1M tokens.
type tokenPrice struct {
	Input  float64
	Output float64
}

var tokenPricing = map[string]tokenPrice{
	"gpt-4.1-mini":     {Input: 0.40, Output: 1.60},
	"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
}

// Typical token usage of one product analysis, used to estimate the charge
// before the call returns real usage.
const (
	estimateInputTokens  = 1500
	estimateOutputTokens = 600
)

func GetImagePrice(model, size string) (float64, bool) {
	if price, ok := imagePricing[PricingKey{Model: model, Size: size}]; ok {
		return price, true
	}
	if price, ok := imagePricing[PricingKey{Model: model}]; ok {
		return price, true
	}
	price, ok := modelDefaults[model]
	return price, ok
}
