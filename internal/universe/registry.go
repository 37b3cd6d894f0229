// Package universe loads and serves the symbol descriptors the scheduler
// sweeps. Seeding is external: descriptors come from a YAML file and are
// immutable for the life of the process.
package universe

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/candlekeep/candlekeep/internal/models"
)

// File is the on-disk shape of the universe seed.
type File struct {
	Symbols []models.SymbolDescriptor `yaml:"symbols"`
}

// Registry is the read-only in-memory view.
type Registry struct {
	mu       sync.RWMutex
	bySymbol map[string]*models.SymbolDescriptor
	ordered  []*models.SymbolDescriptor
}

// Load reads and validates a universe file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read universe file: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse universe file: %w", err)
	}
	reg, err := NewRegistry(file.Symbols)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("path", path).
		Int("symbols", reg.Size()).
		Msg("universe loaded")
	return reg, nil
}

// NewRegistry validates descriptors and builds the lookup structures.
func NewRegistry(symbols []models.SymbolDescriptor) (*Registry, error) {
	reg := &Registry{
		bySymbol: make(map[string]*models.SymbolDescriptor, len(symbols)),
	}
	for i := range symbols {
		d := symbols[i]
		if d.Symbol == "" {
			return nil, fmt.Errorf("descriptor %d has empty symbol", i)
		}
		if !d.AssetClass.Valid() {
			return nil, fmt.Errorf("symbol %s: invalid asset class %q", d.Symbol, d.AssetClass)
		}
		if len(d.Periods) == 0 {
			return nil, fmt.Errorf("symbol %s: no periods configured", d.Symbol)
		}
		for _, p := range d.Periods {
			if !p.Valid() {
				return nil, fmt.Errorf("symbol %s: unsupported period %q", d.Symbol, p)
			}
		}
		if _, dup := reg.bySymbol[d.Symbol]; dup {
			return nil, fmt.Errorf("duplicate symbol %s", d.Symbol)
		}
		copied := d
		reg.bySymbol[d.Symbol] = &copied
		reg.ordered = append(reg.ordered, &copied)
	}

	sort.SliceStable(reg.ordered, func(i, j int) bool {
		if reg.ordered[i].Priority != reg.ordered[j].Priority {
			return reg.ordered[i].Priority > reg.ordered[j].Priority
		}
		return reg.ordered[i].Symbol < reg.ordered[j].Symbol
	})
	return reg, nil
}

// Get looks up a descriptor by canonical ticker.
func (r *Registry) Get(symbol string) (*models.SymbolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.bySymbol[symbol]
	return d, ok
}

// Active returns enabled descriptors, highest priority first.
func (r *Registry) Active() []*models.SymbolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.SymbolDescriptor, 0, len(r.ordered))
	for _, d := range r.ordered {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}

// All returns every descriptor, highest priority first.
func (r *Registry) All() []*models.SymbolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.SymbolDescriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySymbol)
}
