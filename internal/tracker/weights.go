package tracker

import "github.com/ytwei72/TradingAgents-CN-sub000/internal/plan"

// WeightPolicy controls how completed steps translate into a progress
// percentage. With no phase weights every step counts equally; with phase
// weights each phase contributes its weight, split evenly across the
// phase's steps, so a long debate phase does not dominate the bar.
type WeightPolicy struct {
	PhaseWeights map[plan.Phase]float64
}

// EqualWeights is the default policy: every step counts the same.
func EqualWeights() WeightPolicy {
	return WeightPolicy{}
}

// PhaseWeights builds a phase-weighted policy from a weight map. Phases
// absent from the map fall back to weight 1.
func PhaseWeights(weights map[plan.Phase]float64) WeightPolicy {
	return WeightPolicy{PhaseWeights: weights}
}

// stepWeights computes the per-step weight vector for a plan.
func (p WeightPolicy) stepWeights(steps []plan.Step) []float64 {
	out := make([]float64, len(steps))
	if len(p.PhaseWeights) == 0 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	phaseCount := map[plan.Phase]int{}
	for _, s := range steps {
		phaseCount[s.Phase]++
	}
	for i, s := range steps {
		weight, ok := p.PhaseWeights[s.Phase]
		if !ok || weight <= 0 {
			weight = 1
		}
		out[i] = weight / float64(phaseCount[s.Phase])
	}
	return out
}
