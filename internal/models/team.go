package models

import (
	"errors"
	"fmt"
	"time"
)

// ExecutionStrategy selects how a team's tasks are spread across waves.
type ExecutionStrategy string

const (
	StrategyParallel     ExecutionStrategy = "parallel"
	StrategySequential   ExecutionStrategy = "sequential"
	StrategyWavePipeline ExecutionStrategy = "wave_pipeline"
	StrategyAdaptive     ExecutionStrategy = "adaptive"
)

// IsolationStrategy selects the workspace species tasks execute in.
type IsolationStrategy string

const (
	IsolationWorktree  IsolationStrategy = "worktree"
	IsolationContainer IsolationStrategy = "container"
	IsolationHybrid    IsolationStrategy = "hybrid"
	IsolationShared    IsolationStrategy = "shared"
)

// AgentRole identifies the kind of agent a task is executed by.
type AgentRole string

const (
	RolePlanner         AgentRole = "planner"
	RoleCoder           AgentRole = "coder"
	RoleTester          AgentRole = "tester"
	RoleReviewer        AgentRole = "reviewer"
	RoleBrowserVerifier AgentRole = "browser_verifier"
	RoleTestVerifier    AgentRole = "test_verifier"
)

// ValidRole reports whether r is one of the known agent roles.
func ValidRole(r AgentRole) bool {
	switch r {
	case RolePlanner, RoleCoder, RoleTester, RoleReviewer, RoleBrowserVerifier, RoleTestVerifier:
		return true
	}
	return false
}

// AgentTeam is the planner's output for one phase: the chosen strategies plus
// the task graph. Immutable once created, 1:1 with the phase that spawned it.
type AgentTeam struct {
	ID          string
	RunID       string
	PhaseNumber int
	Strategy    ExecutionStrategy
	Isolation   IsolationStrategy
	PlanSummary string
	CreatedAt   time.Time
}

// TaskStatus represents the current state of an agent task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal returns true once the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// AgentTask is one node in a team's dependency graph.
type AgentTask struct {
	ID           string
	TeamID       string
	Name         string
	Description  string
	Role         AgentRole
	Wave         int      // execution wave, strictly greater than every dependency's wave
	DependsOn    []string // task IDs that must complete before this task starts
	Optional     bool     // failure does not block promotion to the next wave
	Status       TaskStatus
	WorktreePath string // isolation handle: filesystem worktree, if any
	ContainerID  string // isolation handle: container, if any
	Branch       string // branch the task's changes land on
	Error        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Validate checks that the task has all required fields.
func (t *AgentTask) Validate() error {
	if t.ID == "" {
		return errors.New("task ID is required")
	}
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if !ValidRole(t.Role) {
		return fmt.Errorf("task %s: unknown role %q", t.ID, t.Role)
	}
	return nil
}

// ValidateTasks checks that task IDs are unique and every dependency refers
// to a task in the same set.
func ValidateTasks(tasks []AgentTask) error {
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		if err := tasks[i].Validate(); err != nil {
			return err
		}
		if seen[tasks[i].ID] {
			return fmt.Errorf("task %s: duplicate task ID", tasks[i].ID)
		}
		seen[tasks[i].ID] = true
	}
	for i := range tasks {
		for _, dep := range tasks[i].DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %s (%s): depends on non-existent task %s", tasks[i].ID, tasks[i].Name, dep)
			}
		}
	}
	return nil
}

// ValidateWaves checks the wave invariant: every task's wave is strictly
// greater than the maximum wave of its dependencies.
func ValidateWaves(tasks []AgentTask) error {
	byID := make(map[string]*AgentTask, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	for i := range tasks {
		for _, dep := range tasks[i].DependsOn {
			d, ok := byID[dep]
			if !ok {
				return fmt.Errorf("task %s: depends on non-existent task %s", tasks[i].ID, dep)
			}
			if tasks[i].Wave <= d.Wave {
				return fmt.Errorf("task %s in wave %d must come after dependency %s in wave %d",
					tasks[i].ID, tasks[i].Wave, dep, d.Wave)
			}
		}
	}
	return nil
}

// HasCyclicDependencies detects circular dependencies in a task set
// using DFS with color marking (white=unvisited, gray=visiting, black=visited).
func HasCyclicDependencies(tasks []AgentTask) bool {
	graph := make(map[string][]string)
	taskSet := make(map[string]bool)

	for i := range tasks {
		taskSet[tasks[i].ID] = true
		graph[tasks[i].ID] = []string{}
	}

	// Build edges: if task A depends on B, then B -> A.
	for i := range tasks {
		for _, dep := range tasks[i].DependsOn {
			if dep == tasks[i].ID {
				return true // self-reference
			}
			if taskSet[dep] {
				graph[dep] = append(graph[dep], tasks[i].ID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)

	colors := make(map[string]int, len(taskSet))
	for id := range taskSet {
		colors[id] = white
	}

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, neighbor := range graph[node] {
			if colors[neighbor] == gray {
				return true // back edge
			}
			if colors[neighbor] == white && dfs(neighbor) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range taskSet {
		if colors[id] == white {
			if dfs(id) {
				return true
			}
		}
	}

	return false
}
