package pipeline

import (
	"fmt"
	"strings"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/planner"
)

// specsForPhase derives a team phase's task declarations from the planning
// context. The most recent phase output carrying a markdown task list wins;
// the issue body is the fallback, and an issue without a task list yields a
// single task covering the whole change. Phases requiring review get a
// reviewer task depending on every other task.
func specsForPhase(phase models.PipelinePhase, issue models.Issue, priorOutputs []string) []planner.TaskSpec {
	items := planItems(issue, priorOutputs)

	specs := make([]planner.TaskSpec, 0, len(items)+1)
	for i, item := range items {
		specs = append(specs, planner.TaskSpec{
			Name:        fmt.Sprintf("task-%02d", i+1),
			Description: item,
			Role:        models.RoleCoder,
		})
	}

	if phase.RequiresReview {
		deps := make([]string, len(specs))
		for i, s := range specs {
			deps[i] = s.Name
		}
		specs = append(specs, planner.TaskSpec{
			Name:        "review",
			Description: "Review the combined changes of this phase for correctness and regressions.",
			Role:        models.RoleReviewer,
			DependsOn:   deps,
		})
	}

	return specs
}

// planItems picks the task list the team is built from: the latest prior
// output with list items, else the issue body, else the issue itself as a
// single unit of work.
func planItems(issue models.Issue, priorOutputs []string) []string {
	for i := len(priorOutputs) - 1; i >= 0; i-- {
		if items := planner.IssueTaskItems(priorOutputs[i]); len(items) > 0 {
			return items
		}
	}
	if items := planner.IssueTaskItems(issue.Body); len(items) > 0 {
		return items
	}

	headline := planner.IssueHeadline(issue.Body)
	if headline == "" {
		headline = issue.Title
	}
	return []string{fmt.Sprintf("Implement: %s", headline)}
}

// directPrompt is the task description for a phase run as a single agent
// invocation rather than a team.
func directPrompt(phase models.PipelinePhase, issue models.Issue, priorOutputs []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Phase %q of resolving issue %s: %s\n\n", phase.Name, issue.ID, issue.Title)
	if strings.TrimSpace(issue.Body) != "" {
		sb.WriteString(issue.Body)
		sb.WriteString("\n")
	}
	if len(priorOutputs) > 0 {
		sb.WriteString("\nOutput of earlier phases:\n")
		for _, out := range priorOutputs {
			if strings.TrimSpace(out) == "" {
				continue
			}
			sb.WriteString(out)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

// roleForPhase maps a direct-invocation phase to its agent role.
func roleForPhase(name string) models.AgentRole {
	switch strings.ToLower(name) {
	case "plan", "design":
		return models.RolePlanner
	case "review":
		return models.RoleReviewer
	case "test", "verify":
		return models.RoleTester
	default:
		return models.RoleCoder
	}
}
