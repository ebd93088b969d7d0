package core

// DefaultEvolutionCeiling is the highest effective wind at which a pet may still evolve.
const DefaultEvolutionCeiling = 50.0

// CanEvolve reports whether a pet may advance to its next phase. A blown-away pet, a pet on a
// break, a pet at MaxPhase, or a pet above the wind ceiling cannot evolve.
func CanEvolve(p Pet, effectiveWind float64, breakActive bool, ceiling float64) bool {
	if p.Evolution.IsBlownAway {
		return false
	}
	if breakActive {
		return false
	}
	if p.Evolution.CurrentPhase >= MaxPhase {
		return false
	}
	if ceiling <= 0 {
		ceiling = DefaultEvolutionCeiling
	}
	return effectiveWind <= ceiling
}
