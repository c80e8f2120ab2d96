package agent

import (
	"fmt"
	"strings"

	"github.com/harrison/foreman/internal/models"
)

// streamContract tells the agent how to shape its output so every chunk maps
// onto a typed event.
const streamContract = `Emit newline-delimited JSON chunks: {"type":"thinking"|"tool_use"|"text"|"signal"|"error", ...}. Use {"type":"signal","signal":"progress"|"blocker"|"pivot","reason":"..."} for out-of-band notifications. Commit your work to the current branch before finishing.`

var rolePrompts = map[models.AgentRole]string{
	models.RolePlanner:         "You are a planning agent. Break the requested change into concrete steps and record them; do not modify source files.",
	models.RoleCoder:           "You are a coding agent. Implement the described change in this workspace and commit it.",
	models.RoleTester:          "You are a testing agent. Write or extend tests covering the described change and commit them.",
	models.RoleReviewer:        "You are a review agent. Review the changes on this branch for correctness and report findings; do not rewrite code.",
	models.RoleBrowserVerifier: "You are a browser verification agent. Exercise the running application in a browser and report what you observed.",
	models.RoleTestVerifier:    "You are a test verification agent. Run the build and test commands and report pass or fail with evidence.",
}

// buildRequest assembles the invocation for one task in its workspace.
func buildRequest(task models.AgentTask, workDir, containerID string) Request {
	var sb strings.Builder
	sb.WriteString(task.Name)
	if task.Description != "" {
		sb.WriteString("\n\n")
		sb.WriteString(task.Description)
	}

	system := rolePrompts[task.Role]
	if system == "" {
		system = rolePrompts[models.RoleCoder]
	}

	return Request{
		Prompt:       sb.String(),
		SystemPrompt: fmt.Sprintf("%s %s", system, streamContract),
		WorkDir:      workDir,
		ContainerID:  containerID,
	}
}
