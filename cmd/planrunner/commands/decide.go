package commands

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/planrunner/internal/plan"
	"github.com/marcus/planrunner/internal/state"
	"github.com/marcus/planrunner/internal/store"
)

var decideCmd = &cobra.Command{
	Use:   "decide <plan.yaml> <target> <override|resolve|abandon|defer>",
	Short: "Record a decision on an escalated task or milestone",
	Long: `Record a human decision against an escalation without running the plan.

The target is a task like 1.2 or a milestone like m1. The decision is
written to the plan file and applied the next time the plan is resumed:
  override  reset the strike count and review again
  resolve   the issues were fixed by hand; mark clean
  abandon   stop the plan at this target
  defer     leave the escalation open

Examples:
  planrunner decide plan.yaml 2.3 override --note "false positive"
  planrunner decide plan.yaml m2 resolve`,
	Args: cobra.ExactArgs(3),
	RunE: runDecide,
}

func init() {
	decideCmd.Flags().String("note", "", "Note stored with the decision")
	rootCmd.AddCommand(decideCmd)
}

func runDecide(cmd *cobra.Command, args []string) error {
	note, _ := cmd.Flags().GetString("note")

	decision, err := parseDecision(args[2])
	if err != nil {
		return err
	}
	milestone, task, err := parseTarget(args[1])
	if err != nil {
		return err
	}

	planPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve plan path: %w", err)
	}
	st, err := store.Open(planPath)
	if err != nil {
		return fmt.Errorf("open plan: %w", err)
	}

	now := time.Now()
	update := store.DecisionUpdate{Milestone: milestone, Task: task, Decision: decision, Note: note, At: now}
	if err := st.Persist(update); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return err
	}
	database, journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	target := targetName(milestone, task)
	if err := journal.RecordDecision(state.DecisionRecord{
		PlanRef:   planPath,
		Target:    target,
		Decision:  decision,
		Source:    "cli",
		Note:      note,
		DecidedAt: now,
	}); err != nil {
		return err
	}

	fmt.Printf("recorded %s on %s\n", decision, target)
	if decision != plan.DecisionDefer {
		fmt.Printf("apply it with: planrunner resume %s\n", args[0])
	}
	return nil
}

func parseDecision(s string) (plan.Decision, error) {
	d := plan.Decision(strings.ToLower(strings.TrimSpace(s)))
	if d == plan.DecisionNone || !d.Valid() {
		return "", fmt.Errorf("unknown decision %q (supported: override, resolve, abandon, defer)", s)
	}
	return d, nil
}
