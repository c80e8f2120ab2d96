// Package planner decomposes a pipeline phase into an agent team: an
// execution strategy, an isolation strategy, and a wave-assigned task graph.
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/foreman/internal/models"
)

// PlanningError indicates the planner cannot produce a valid team for the
// phase. Fatal to the phase; never retried automatically.
type PlanningError struct {
	Phase  string
	Reason string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning phase %s: %s", e.Phase, e.Reason)
}

// TaskSpec declares one task before IDs and waves are assigned. DependsOn
// refers to other specs by Name.
type TaskSpec struct {
	Name        string
	Description string
	Role        models.AgentRole
	DependsOn   []string
	Optional    bool
}

// PhaseContext is the planner's input: the issue being resolved, the phase
// being planned, and outputs of prior phases.
type PhaseContext struct {
	RunID        string
	Phase        models.PipelinePhase
	Issue        models.Issue
	PriorOutputs []string

	// Specs are the declared tasks for the phase, in declaration order.
	Specs []TaskSpec

	// Isolation is the workspace strategy for the team.
	Isolation models.IsolationStrategy

	// Strategy selects wave assignment; adaptive consults the policy hook.
	Strategy models.ExecutionStrategy
}

// Planner produces agent teams. The adaptive policy is pluggable; the
// default picks by task count and dependency shape.
type Planner struct {
	adaptive AdaptivePolicy
}

// New creates a Planner. A nil policy falls back to DefaultAdaptivePolicy.
func New(policy AdaptivePolicy) *Planner {
	if policy == nil {
		policy = DefaultAdaptivePolicy
	}
	return &Planner{adaptive: policy}
}

// Plan validates the phase's task specs, assigns waves per the execution
// strategy, and returns the immutable team plus its task set.
func (p *Planner) Plan(pc PhaseContext) (*models.AgentTeam, []models.AgentTask, error) {
	phase := pc.Phase.Name

	if len(pc.Specs) == 0 {
		return nil, nil, &PlanningError{Phase: phase, Reason: "no tasks declared"}
	}
	if pc.Phase.Budget.MaxTasks > 0 && len(pc.Specs) > pc.Phase.Budget.MaxTasks {
		return nil, nil, &PlanningError{Phase: phase,
			Reason: fmt.Sprintf("%d tasks exceed phase budget of %d", len(pc.Specs), pc.Phase.Budget.MaxTasks)}
	}
	if err := validateRoleMix(pc); err != nil {
		return nil, nil, err
	}

	strategy := pc.Strategy
	if strategy == models.StrategyAdaptive {
		strategy = p.adaptive(pc.Specs)
		if strategy == models.StrategyAdaptive {
			return nil, nil, &PlanningError{Phase: phase, Reason: "adaptive policy must resolve to a concrete strategy"}
		}
	}

	tasks, err := buildTasks(pc, strategy)
	if err != nil {
		return nil, nil, err
	}

	// Hard invariants regardless of strategy: acyclic and wave-consistent.
	if models.HasCyclicDependencies(tasks) {
		return nil, nil, &PlanningError{Phase: phase, Reason: "task dependencies contain a cycle"}
	}
	if err := models.ValidateWaves(tasks); err != nil {
		return nil, nil, &PlanningError{Phase: phase, Reason: err.Error()}
	}

	team := &models.AgentTeam{
		ID:          uuid.NewString(),
		RunID:       pc.RunID,
		PhaseNumber: pc.Phase.Number,
		Strategy:    strategy,
		Isolation:   pc.Isolation,
		PlanSummary: summarize(pc, strategy, tasks),
		CreatedAt:   time.Now().UTC(),
	}
	for i := range tasks {
		tasks[i].TeamID = team.ID
	}
	return team, tasks, nil
}

// validateRoleMix fails planning when the agent role mix cannot satisfy the
// phase's required outputs.
func validateRoleMix(pc PhaseContext) error {
	roles := make(map[models.AgentRole]bool)
	for _, s := range pc.Specs {
		if !models.ValidRole(s.Role) {
			return &PlanningError{Phase: pc.Phase.Name,
				Reason: fmt.Sprintf("task %q has unknown role %q", s.Name, s.Role)}
		}
		roles[s.Role] = true
	}
	if pc.Phase.RequiresReview && !roles[models.RoleReviewer] {
		return &PlanningError{Phase: pc.Phase.Name,
			Reason: "phase requires review but no task has the reviewer role"}
	}
	return nil
}

// buildTasks assigns IDs and waves. Task IDs are derived from declaration
// order so merge order stays deterministic across replans.
func buildTasks(pc PhaseContext, strategy models.ExecutionStrategy) ([]models.AgentTask, error) {
	idByName := make(map[string]string, len(pc.Specs))
	tasks := make([]models.AgentTask, 0, len(pc.Specs))

	for i, spec := range pc.Specs {
		if spec.Name == "" {
			return nil, &PlanningError{Phase: pc.Phase.Name, Reason: fmt.Sprintf("task %d has no name", i)}
		}
		if _, dup := idByName[spec.Name]; dup {
			return nil, &PlanningError{Phase: pc.Phase.Name, Reason: fmt.Sprintf("duplicate task name %q", spec.Name)}
		}
		id := fmt.Sprintf("%s-p%d-%02d", pc.RunID, pc.Phase.Number, i+1)
		idByName[spec.Name] = id
		tasks = append(tasks, models.AgentTask{
			ID:          id,
			Name:        spec.Name,
			Description: spec.Description,
			Role:        spec.Role,
			Optional:    spec.Optional,
			Status:      models.TaskPending,
		})
	}

	for i, spec := range pc.Specs {
		for _, dep := range spec.DependsOn {
			depID, ok := idByName[dep]
			if !ok {
				return nil, &PlanningError{Phase: pc.Phase.Name,
					Reason: fmt.Sprintf("task %q depends on unknown task %q", spec.Name, dep)}
			}
			tasks[i].DependsOn = append(tasks[i].DependsOn, depID)
		}
		sort.Strings(tasks[i].DependsOn)
	}

	switch strategy {
	case models.StrategySequential:
		// Each task gets its own wave in declaration order.
		for i := range tasks {
			tasks[i].Wave = i
		}
	case models.StrategyParallel:
		// All independent tasks in wave 0; declared dependencies make the
		// set non-independent and are rejected.
		for i := range tasks {
			if len(tasks[i].DependsOn) > 0 {
				return nil, &PlanningError{Phase: pc.Phase.Name,
					Reason: fmt.Sprintf("parallel strategy requires independent tasks, %q has dependencies", pc.Specs[i].Name)}
			}
			tasks[i].Wave = 0
		}
	case models.StrategyWavePipeline:
		if err := assignDepthWaves(tasks, pc.Phase.Name); err != nil {
			return nil, err
		}
	default:
		return nil, &PlanningError{Phase: pc.Phase.Name, Reason: fmt.Sprintf("unknown execution strategy %q", strategy)}
	}

	return tasks, nil
}

// assignDepthWaves groups tasks by dependency depth: roots at wave 0, every
// other task at 1 + the maximum wave of its dependencies.
func assignDepthWaves(tasks []models.AgentTask, phase string) error {
	if models.HasCyclicDependencies(tasks) {
		return &PlanningError{Phase: phase, Reason: "task dependencies contain a cycle"}
	}

	byID := make(map[string]*models.AgentTask, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	depth := make(map[string]int, len(tasks))
	var walk func(id string) int
	walk = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		t := byID[id]
		d := 0
		for _, dep := range t.DependsOn {
			if dd := walk(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}

	for i := range tasks {
		tasks[i].Wave = walk(tasks[i].ID)
	}
	return nil
}

// summarize produces the human-readable plan summary carried on the team.
func summarize(pc PhaseContext, strategy models.ExecutionStrategy, tasks []models.AgentTask) string {
	waves := 0
	for _, t := range tasks {
		if t.Wave+1 > waves {
			waves = t.Wave + 1
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d task(s) in %d wave(s), %s execution, %s isolation",
		len(tasks), waves, strategy, pc.Isolation)
	if headline := IssueHeadline(pc.Issue.Body); headline != "" {
		fmt.Fprintf(&sb, " for %q", headline)
	}
	return sb.String()
}
