package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/marcus/planrunner/internal/agents"
	"github.com/marcus/planrunner/internal/config"
	"github.com/marcus/planrunner/internal/crew"
	"github.com/marcus/planrunner/internal/db"
	"github.com/marcus/planrunner/internal/escalation"
	"github.com/marcus/planrunner/internal/integrations"
	"github.com/marcus/planrunner/internal/logging"
	"github.com/marcus/planrunner/internal/plan"
	"github.com/marcus/planrunner/internal/state"
	"github.com/marcus/planrunner/internal/ui"
)

// isInteractive reports whether stdin and stdout are terminals. Override in tests.
var isInteractive = func() bool {
	in, out := os.Stdin.Fd(), os.Stdout.Fd()
	return (isatty.IsTerminal(in) || isatty.IsCygwinTerminal(in)) &&
		(isatty.IsTerminal(out) || isatty.IsCygwinTerminal(out))
}

// newAgent creates the agent configured for one collaborator role.
func newAgent(role string, ac config.AgentConfig, timeout time.Duration) (agents.Agent, error) {
	a, err := agents.New(strings.ToLower(ac.Provider),
		agents.WithBinaryPath(ac.Binary),
		agents.WithDefaultTimeout(timeout),
		agents.WithSkipPermissions(ac.DangerouslySkipPermissions),
		agents.WithModel(ac.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("agents.%s: %w", role, err)
	}
	return a, nil
}

// crewSet holds the three collaborators of a run.
type crewSet struct {
	worker   *crew.Worker
	reviewer *crew.Reviewer
	fixer    *crew.Fixer
}

// buildCrew creates the worker, reviewer and fixer from config. Project
// guideline files in workDir are added to every prompt.
func buildCrew(ctx context.Context, cfg *config.Config, workDir string) (*crewSet, error) {
	timeout := cfg.AgentTimeoutDuration()
	opts := []crew.Option{
		crew.WithWorkDir(workDir),
		crew.WithTimeout(timeout),
		crew.WithLogger(logging.Component("crew")),
	}

	guidelines, err := integrations.NewManager(cfg).ReadAll(ctx, workDir)
	if err != nil {
		return nil, err
	}
	if text := guidelines.Prompt(); text != "" {
		opts = append(opts, crew.WithGuidelines(text))
	}

	worker, err := newAgent("worker", cfg.Agents.Worker, timeout)
	if err != nil {
		return nil, err
	}
	reviewer, err := newAgent("reviewer", cfg.Agents.Reviewer, timeout)
	if err != nil {
		return nil, err
	}
	fixer, err := newAgent("fixer", cfg.Agents.Fixer, timeout)
	if err != nil {
		return nil, err
	}

	return &crewSet{
		worker:   crew.NewWorker(worker, opts...),
		reviewer: crew.NewReviewer(reviewer, opts...),
		fixer:    crew.NewFixer(fixer, opts...),
	}, nil
}

// newDecider picks how escalations are decided. "auto" prompts on a
// terminal and defers otherwise.
func newDecider(mode string) (escalation.Decider, string, error) {
	switch mode {
	case "defer":
		return escalation.Defer, "defer", nil
	case "prompt":
		return ui.NewPrompter(), "prompt", nil
	case "", "auto":
		if isInteractive() {
			return ui.NewPrompter(), "prompt", nil
		}
		return escalation.Defer, "defer", nil
	}
	return nil, "", fmt.Errorf("unknown decision mode %q (supported: auto, prompt, defer)", mode)
}

// openJournal opens the run journal database.
func openJournal(cfg *config.Config) (*db.DB, *state.State, error) {
	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	st, err := state.New(database)
	if err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("init state: %w", err)
	}
	return database, st, nil
}

// parseTarget parses "1.2", "task 1.2", "2", "m2" or "milestone 2". A task
// reference returns a non-zero TaskID; a milestone reference returns only
// the index.
func parseTarget(s string) (int, plan.TaskID, error) {
	ref := strings.ToLower(strings.TrimSpace(s))
	ref = strings.TrimSpace(strings.TrimPrefix(ref, "task"))

	if strings.Contains(ref, ".") {
		id, err := plan.ParseTaskID(ref)
		if err != nil {
			return 0, plan.TaskID{}, fmt.Errorf("invalid task %q: %w", s, err)
		}
		return id.Milestone, id, nil
	}

	ref = strings.TrimPrefix(ref, "milestone")
	ref = strings.TrimSpace(strings.TrimPrefix(ref, "m"))
	n, err := strconv.Atoi(ref)
	if err != nil || n < 1 {
		return 0, plan.TaskID{}, fmt.Errorf("invalid target %q: want a task like 1.2 or a milestone like m1", s)
	}
	return n, plan.TaskID{}, nil
}

// targetName renders a parsed target the way the journal stores it.
func targetName(milestone int, task plan.TaskID) string {
	if !task.IsZero() {
		return "task " + task.String()
	}
	return fmt.Sprintf("milestone %d", milestone)
}

func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
