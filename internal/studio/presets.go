package studio

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrPresetNotFound = errors.New("preset not found")

type Preset struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

// Presets is the catalogue of ready-made backgrounds and models the tools
// panel offers. Tool state stores only the preset id.
type Presets struct {
	Backgrounds []Preset `yaml:"backgrounds" json:"backgrounds"`
	Models      []Preset `yaml:"models" json:"models"`
}

func DefaultPresets() *Presets {
	return &Presets{
		Backgrounds: []Preset{
			{ID: "studio-white", Name: "Studio white", Prompt: "a seamless pure white studio backdrop with soft even lighting"},
			{ID: "marble", Name: "Marble counter", Prompt: "a polished white marble countertop in a bright modern kitchen"},
			{ID: "beach", Name: "Beach at sunset", Prompt: "a sandy beach at golden hour with warm low sunlight"},
			{ID: "city-street", Name: "City street", Prompt: "a busy city street at dusk with shallow depth of field"},
			{ID: "forest", Name: "Forest", Prompt: "a mossy forest floor with dappled morning light"},
			{ID: "gradient", Name: "Pastel gradient", Prompt: "a smooth pastel pink to blue gradient backdrop"},
		},
		Models: []Preset{
			{ID: "young-woman", Name: "Young woman", Prompt: "a woman in her twenties with a natural, friendly expression"},
			{ID: "young-man", Name: "Young man", Prompt: "a man in his twenties with a relaxed, confident pose"},
			{ID: "mature-woman", Name: "Mature woman", Prompt: "a woman in her fifties with an elegant, warm look"},
			{ID: "mature-man", Name: "Mature man", Prompt: "a man in his fifties with a calm, professional look"},
			{ID: "athlete", Name: "Athlete", Prompt: "a fit athlete in sportswear mid-movement"},
		},
	}
}

// LoadPresets reads a YAML presets file. A missing path gives the built-in
// presets. Entries in the file replace built-ins with the same id.
func LoadPresets(path string) (*Presets, error) {
	presets := DefaultPresets()
	if path == "" {
		return presets, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return presets, nil
		}
		return nil, fmt.Errorf("failed to read presets: %w", err)
	}

	var file Presets
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse presets %s: %w", path, err)
	}
	presets.Backgrounds = merge(presets.Backgrounds, file.Backgrounds)
	presets.Models = merge(presets.Models, file.Models)
	return presets, nil
}

func merge(base, extra []Preset) []Preset {
	index := make(map[string]int, len(base))
	for i, p := range base {
		index[p.ID] = i
	}
	for _, p := range extra {
		if p.ID == "" || p.Prompt == "" {
			continue
		}
		if i, ok := index[p.ID]; ok {
			base[i] = p
			continue
		}
		index[p.ID] = len(base)
		base = append(base, p)
	}
	return base
}

func (p *Presets) Background(id string) (Preset, error) {
	return find(p.Backgrounds, "background", id)
}

func (p *Presets) Model(id string) (Preset, error) {
	return find(p.Models, "model", id)
}

func find(list []Preset, kind, id string) (Preset, error) {
	for _, p := range list {
		if p.ID == id {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %s %q", ErrPresetNotFound, kind, id)
}
