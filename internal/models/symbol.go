package models

// SymbolDescriptor registers one tradable instrument. Descriptors are seeded
// externally and immutable once loaded; the scheduler consumes them.
type SymbolDescriptor struct {
	Symbol     string            `yaml:"symbol" json:"symbol"`
	AssetClass AssetClass        `yaml:"asset_class" json:"asset_class"`
	Periods    []Period          `yaml:"periods" json:"periods"`
	Aliases    map[string]string `yaml:"aliases" json:"aliases"` // source name -> provider-native symbol
	Active     bool              `yaml:"active" json:"active"`
	Priority   int               `yaml:"priority" json:"priority"`
}

// AliasFor returns the provider-native symbol for a source, or "" when the
// descriptor carries no alias for it.
func (d *SymbolDescriptor) AliasFor(source string) string {
	if d.Aliases == nil {
		return ""
	}
	return d.Aliases[source]
}

// HasPeriod reports whether the descriptor maintains the given period.
func (d *SymbolDescriptor) HasPeriod(p Period) bool {
	for _, dp := range d.Periods {
		if dp == p {
			return true
		}
	}
	return false
}
