package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"credit_ledger/internal/money"
)

// File is the on-disk pricing configuration:
//
//	models:
//	  - model: gpt-4o-mini
//	    price_per_token: "0.00002"   # dollars
//	    fee_basis_points: 500
type File struct {
	Models []FileEntry `yaml:"models"`
}

// FileEntry is one model in a pricing file. Prices are dollar strings so
// the file never goes through a float.
type FileEntry struct {
	Model          string `yaml:"model"`
	PricePerToken  string `yaml:"price_per_token"`
	FeeBasisPoints int64  `yaml:"fee_basis_points"`
}

// ParseFile decodes pricing YAML into validated prices.
func ParseFile(data []byte) ([]Price, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	seen := make(map[string]bool, len(f.Models))
	prices := make([]Price, 0, len(f.Models))
	for i, entry := range f.Models {
		perToken, err := money.ParseDollars(entry.PricePerToken)
		if err != nil {
			return nil, fmt.Errorf("models[%d] (%s): %w", i, entry.Model, err)
		}

		p := Price{
			ModelID:        NormalizeModelID(entry.Model),
			PerToken:       perToken,
			FeeBasisPoints: entry.FeeBasisPoints,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("models[%d] (%s): %w", i, entry.Model, err)
		}
		if seen[p.ModelID] {
			return nil, fmt.Errorf("models[%d]: duplicate model %q", i, p.ModelID)
		}
		seen[p.ModelID] = true
		prices = append(prices, p)
	}

	return prices, nil
}

// LoadFile reads a pricing file into a StaticTable.
func LoadFile(path string) (*StaticTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	prices, err := ParseFile(data)
	if err != nil {
		return nil, err
	}
	return NewStaticTable(prices...)
}
