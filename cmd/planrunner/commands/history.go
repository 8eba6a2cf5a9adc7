package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/planrunner/internal/state"
	"github.com/marcus/planrunner/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show past runs",
	Long: `List recent runs from the journal, or show one run in detail: its
review cycles, fix attempts, escalations and status transitions.

A run id prefix is enough to select a run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions <plan.yaml> [target]",
	Short: "Show decisions recorded against a plan",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runDecisions,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to list")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(decisionsCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	styles := ui.DefaultStyles()
	if len(args) == 0 {
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := journal.Runs(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %s  %s  %-7s %s\n",
				styles.Highlight.Render(shortID(r.ID)),
				r.StartedAt.Local().Format("2006-01-02 15:04"),
				styles.Status(r.Status).Render(fmt.Sprintf("%-11s", r.Status)),
				r.Mode,
				styles.Muted.Render(filepath.Base(r.PlanRef)))
		}
		return nil
	}

	run, err := journal.Run(args[0])
	if err != nil {
		return err
	}
	return printRunDetail(journal, run, styles)
}

func printRunDetail(journal *state.State, run *state.RunRecord, styles *ui.Styles) error {
	label := func(s string) string { return styles.Label.Render(fmt.Sprintf("%-12s", s)) }

	fmt.Printf("%s %s\n", styles.Title.Render("Run"), run.ID)
	fmt.Printf("%s %s\n", label("plan"), run.PlanRef)
	fmt.Printf("%s %s\n", label("mode"), run.Mode)
	fmt.Printf("%s %s\n", label("granularity"), run.Granularity)
	fmt.Printf("%s %s\n", label("status"), styles.Status(run.Status).Render(run.Status))
	fmt.Printf("%s %s\n", label("started"), run.StartedAt.Local().Format(time.RFC3339))
	if !run.EndedAt.IsZero() {
		fmt.Printf("%s %s (%s)\n", label("ended"), run.EndedAt.Local().Format(time.RFC3339), formatDuration(run.EndedAt.Sub(run.StartedAt)))
	}
	if run.Error != "" {
		fmt.Printf("%s %s\n", label("error"), styles.StatusError.Render(run.Error))
	}

	cycles, err := journal.Cycles(run.ID)
	if err != nil {
		return err
	}
	if len(cycles) > 0 {
		fmt.Printf("\n%s\n", styles.Subtitle.Render("Review cycles"))
		for _, c := range cycles {
			result := styles.StatusOK.Render("clean")
			if !c.Clean {
				result = styles.StatusWarn.Render(fmt.Sprintf("%d issue(s)", len(c.Issues)))
			}
			fmt.Printf("  %-14s #%d %s\n", c.Target, c.Cycle, result)
		}
	}

	fixes, err := journal.Fixes(run.ID)
	if err != nil {
		return err
	}
	if len(fixes) > 0 {
		fmt.Printf("\n%s\n", styles.Subtitle.Render("Fixes"))
		for _, f := range fixes {
			detail := firstLine(f.Summary)
			if f.Error != "" {
				detail = styles.StatusError.Render("failed: " + f.Error)
			}
			fmt.Printf("  %-14s #%d %s\n", f.Target, f.Cycle, detail)
		}
	}

	escalations, err := journal.Escalations(run.ID)
	if err != nil {
		return err
	}
	if len(escalations) > 0 {
		fmt.Printf("\n%s\n", styles.Subtitle.Render("Escalations"))
		for _, e := range escalations {
			fmt.Printf("  %-14s %s %s\n", e.Target, styles.StatusError.Render(e.Reason), styles.Muted.Render(fmt.Sprintf("after %d cycles", e.Cycles)))
			if e.Report != nil {
				for _, issue := range e.Report.Issues {
					fmt.Printf("      [%s] %s x%d\n", issue.Severity, issue.Description, issue.Count)
				}
			}
		}
	}

	changes, err := journal.StatusChanges(run.ID)
	if err != nil {
		return err
	}
	if len(changes) > 0 {
		fmt.Printf("\n%s\n", styles.Subtitle.Render("Transitions"))
		for _, c := range changes {
			line := fmt.Sprintf("  %s %-14s %s", c.ChangedAt.Local().Format("15:04:05"), c.Target, styles.Status(c.Status).Render(c.Status))
			if c.Detail != "" {
				line += " " + styles.Muted.Render(c.Detail)
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runDecisions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	planPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve plan path: %w", err)
	}
	target := ""
	if len(args) == 2 {
		milestone, task, err := parseTarget(args[1])
		if err != nil {
			return err
		}
		target = targetName(milestone, task)
	}

	database, journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	records, err := journal.Decisions(planPath, target)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No decisions recorded.")
		return nil
	}

	styles := ui.DefaultStyles()
	for _, rec := range records {
		line := fmt.Sprintf("%s  %-14s %-9s %s",
			rec.DecidedAt.Local().Format("2006-01-02 15:04"),
			rec.Target,
			styles.Status(decisionStatus(rec.Decision)).Render(string(rec.Decision)),
			styles.Muted.Render(rec.Source))
		if rec.Note != "" {
			line += "  " + rec.Note
		}
		fmt.Println(line)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
