package credits

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocalPricing holds per-model price overrides kept next to the session
// database. Image maps model to size key to USD; an empty size key is the
// model-wide price.
type LocalPricing struct {
	UpdatedAt time.Time                     `json:"updated_at"`
	Source    string                        `json:"source"`
	Image     map[string]map[string]float64 `json:"image"`
}

func (p *LocalPricing) Lookup(model, size string) (float64, bool) {
	sizes, ok := p.Image[model]
	if !ok {
		return 0, false
	}
	if price, ok := sizes[normalizeSize(size)]; ok {
		return price, true
	}
	price, ok := sizes[""]
	return price, ok
}

func SavePricing(path string, pricing *LocalPricing) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pricing directory: %w", err)
	}

	data, err := json.MarshalIndent(pricing, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pricing: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write pricing file: %w", err)
	}

	return nil
}

func LoadPricing(path string) (*LocalPricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var pricing LocalPricing
	if err := json.Unmarshal(data, &pricing); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	return &pricing, nil
}

// SetPrice records a manual override for model at size. Pass size "" to
// price every size.
func SetPrice(path, model, size string, usd float64) error {
	if usd < 0 {
		return fmt.Errorf("price cannot be negative: %v", usd)
	}
	pricing, err := LoadPricing(path)
	if err != nil {
		return err
	}

	if pricing == nil {
		pricing = &LocalPricing{}
	}
	if pricing.Image == nil {
		pricing.Image = make(map[string]map[string]float64)
	}
	if pricing.Image[model] == nil {
		pricing.Image[model] = make(map[string]float64)
	}

	pricing.Image[model][normalizeSize(size)] = usd
	pricing.UpdatedAt = time.Now()
	pricing.Source = "manual"

	return SavePricing(path, pricing)
}
