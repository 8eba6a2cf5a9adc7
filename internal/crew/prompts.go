package crew

import (
	"fmt"
	"strings"

	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/plan"
	"github.com/marcus/planrunner/internal/reviewloop"
)

func buildImplementPrompt(task reviewloop.TaskSpec, guidelines string) string {
	return fmt.Sprintf(`You are an implementation agent working through a project plan.

## Task %s: %s
Type: %s
%s
## Acceptance Criteria
%s
%s## Instructions
0. You are running autonomously. Do not ask questions. If the task is ambiguous, choose the smallest scope that satisfies the acceptance criteria.
1. Implement the task in the current repository.
2. Run the project's tests and any checks needed to show each criterion is met.
3. Commit your changes with a concise message and record the commit id.
4. If something outside your control prevents the task from being done, stop and report it as blocked.
5. Output only valid JSON (no markdown, no extra text). The output is read by a machine. Use this schema:

{
  "status": "complete" or "blocked",
  "summary": "what was done",
  "commit_id": "sha of your commit",
  "blocked_reason": "why the task cannot be done (blocked only)",
  "evidence": {
    "summary": "how you verified the work",
    "commands": [{"name": "go test ./...", "passed": true, "output": "short excerpt"}]
  }
}
`, task.ID, task.Title, task.Type, taskBody(task), criteriaList(task.AcceptanceCriteria), section(guidelines))
}

func buildReviewPrompt(target reviewloop.TargetSpec, evidence *plan.Evidence, guidelines string) string {
	return fmt.Sprintf(`You are a code review agent. Review the work done for %s: %s.

%s
## Commits
%s
## Evidence From The Implementer
%s
%s## Instructions
1. Inspect the commits and the current code. Do not modify anything.
2. Check every acceptance criterion against the code and the evidence.
3. Look for bugs, missing tests, and integration problems between tasks. Treat violations of the project guidelines as issues.
4. Report each problem once, with a stable location (file:line or file) and a short description.
5. Use severity "critical" for broken behavior or unmet criteria, "important" for real defects that do not block, and "minor" for polish.
6. Output only valid JSON (no markdown, no extra text). Use this schema:

{
  "issues": [
    {"severity": "critical", "location": "file.go:42", "description": "what is wrong", "detail": "optional context"}
  ],
  "evidence": {
    "summary": "what you checked",
    "commands": [{"name": "go test ./...", "passed": true}]
  }
}

Return "issues": [] ONLY if the work is correct and complete.
`, target.Target, target.Title, targetTasks(target), commitList(target.CommitIDs), evidenceText(evidence), section(guidelines))
}

func buildFixPrompt(target reviewloop.TargetSpec, issues []ledger.Issue, guidelines string) string {
	var sb strings.Builder
	for i, issue := range issues {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, issue)
		if issue.Detail != "" {
			fmt.Fprintf(&sb, "   %s\n", issue.Detail)
		}
	}

	return fmt.Sprintf(`You are a fix agent. A reviewer found problems in %s: %s.

%s
## Issues (most severe first)
%s
%s## Instructions
0. You are running autonomously. Do not ask questions.
1. Address every issue listed. Do not stop after the first one.
2. Keep changes focused on the issues; do not refactor unrelated code.
3. Run the tests, then commit with a concise message.
4. Output only valid JSON (no markdown, no extra text). Use this schema:

{
  "summary": "what was changed for each issue",
  "commit_id": "sha of your commit",
  "evidence": {
    "summary": "how you verified the fixes",
    "commands": [{"name": "go test ./...", "passed": true}]
  }
}
`, target.Target, target.Title, targetTasks(target), sb.String(), section(guidelines))
}

func taskBody(task reviewloop.TaskSpec) string {
	var sb strings.Builder
	if task.JobStory != "" {
		fmt.Fprintf(&sb, "Job story: %s\n", task.JobStory)
	}
	if task.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", task.Description)
	}
	return sb.String()
}

func criteriaList(criteria []string) string {
	if len(criteria) == 0 {
		return "(none listed; use the description)\n"
	}
	var sb strings.Builder
	for _, c := range criteria {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	return sb.String()
}

func targetTasks(target reviewloop.TargetSpec) string {
	var sb strings.Builder
	if target.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", target.Description)
	}
	for _, t := range target.Tasks {
		fmt.Fprintf(&sb, "## Task %s: %s\n", t.ID, t.Title)
		sb.WriteString(taskBody(t))
		sb.WriteString("Acceptance criteria:\n")
		sb.WriteString(criteriaList(t.AcceptanceCriteria))
		sb.WriteString("\n")
	}
	return sb.String()
}

func commitList(ids []string) string {
	if len(ids) == 0 {
		return "(none recorded; review the working tree)\n"
	}
	return strings.Join(ids, "\n") + "\n"
}

func evidenceText(e *plan.Evidence) string {
	if e == nil {
		return "(none)\n"
	}
	var sb strings.Builder
	if e.Summary != "" {
		sb.WriteString(e.Summary + "\n")
	}
	for _, c := range e.Commands {
		state := "passed"
		if !c.Passed {
			state = "FAILED"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", c.Name, state)
	}
	if sb.Len() == 0 {
		return "(none)\n"
	}
	return sb.String()
}

// section returns s followed by a blank line, or "" when s is empty.
func section(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return s + "\n\n"
}
