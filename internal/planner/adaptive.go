package planner

import "github.com/harrison/foreman/internal/models"

// AdaptivePolicy chooses a concrete execution strategy for a task set. The
// heuristic is deliberately pluggable; whatever it picks, the planner still
// enforces acyclicity and wave consistency afterwards.
type AdaptivePolicy func(specs []TaskSpec) models.ExecutionStrategy

// DefaultAdaptivePolicy picks by dependency shape and task count: declared
// dependencies mean wave_pipeline, a single task or a homogeneous role mix
// runs sequentially, and small independent mixed-role sets run in parallel.
func DefaultAdaptivePolicy(specs []TaskSpec) models.ExecutionStrategy {
	hasDeps := false
	roles := make(map[models.AgentRole]bool)
	for _, s := range specs {
		if len(s.DependsOn) > 0 {
			hasDeps = true
		}
		roles[s.Role] = true
	}

	switch {
	case hasDeps:
		return models.StrategyWavePipeline
	case len(specs) == 1 || len(roles) == 1:
		return models.StrategySequential
	default:
		return models.StrategyParallel
	}
}
