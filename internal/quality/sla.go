package quality

import (
	"time"

	"github.com/candlekeep/candlekeep/internal/models"
)

// FreshnessSLA grades data age for one asset class. Target and Stale bound
// the linear freshness decay in the quality score; Warn and Critical set the
// enrichment-status state cutoffs.
type FreshnessSLA struct {
	Target   time.Duration `yaml:"target"`
	Warn     time.Duration `yaml:"warn"`
	Critical time.Duration `yaml:"critical"`
	Stale    time.Duration `yaml:"stale"`
}

// DefaultSLAs returns the per-class ladder: equities tolerate minutes,
// crypto seconds.
func DefaultSLAs() map[models.AssetClass]FreshnessSLA {
	equity := FreshnessSLA{
		Target:   60 * time.Second,
		Warn:     300 * time.Second,
		Critical: 600 * time.Second,
		Stale:    3600 * time.Second,
	}
	return map[models.AssetClass]FreshnessSLA{
		models.AssetStock: equity,
		models.AssetETF:   equity,
		models.AssetCrypto: {
			Target:   30 * time.Second,
			Warn:     60 * time.Second,
			Critical: 120 * time.Second,
			Stale:    600 * time.Second,
		},
	}
}

// Freshness maps age to [0,1]: full marks within Target, linear decay to
// zero at Stale.
func (s FreshnessSLA) Freshness(age time.Duration) float64 {
	if age <= s.Target {
		return 1
	}
	if age >= s.Stale {
		return 0
	}
	return 1 - float64(age-s.Target)/float64(s.Stale-s.Target)
}

// StateFor maps age to the status-row state: healthy within Warn, warning
// within Critical, stale beyond.
func (s FreshnessSLA) StateFor(age time.Duration) models.EnrichmentState {
	switch {
	case age <= s.Warn:
		return models.StateHealthy
	case age <= s.Critical:
		return models.StateWarning
	default:
		return models.StateStale
	}
}
