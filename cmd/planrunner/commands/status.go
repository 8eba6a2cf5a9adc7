package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/planrunner/internal/reporting"
	"github.com/marcus/planrunner/internal/store"
	"github.com/marcus/planrunner/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status <plan.yaml>",
	Short: "Show plan progress",
	Long: `Show milestone and task progress for a plan, along with the next
actions needed: pending escalation decisions and blocked tasks.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatusCmd,
}

func init() {
	statusCmd.Flags().Bool("save", false, "Also save the summary as markdown in the reports directory")
	rootCmd.AddCommand(statusCmd)
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := store.Load(args[0])
	if err != nil {
		return err
	}

	gen := reporting.NewGenerator(cfg)
	summary, err := gen.Generate(p)
	if err != nil {
		return err
	}

	styles := ui.DefaultStyles()
	fmt.Printf("%s  %s\n", styles.Title.Render(summary.PlanTitle),
		styles.Muted.Render(fmt.Sprintf("%d/%d tasks complete", summary.TasksComplete, summary.TasksTotal)))
	fmt.Println()

	for _, m := range summary.Milestones {
		status := string(m.Status)
		if status == "" {
			status = "pending"
		}
		fmt.Printf("  %s %s %s\n",
			styles.Label.Render(fmt.Sprintf("M%d", m.Index)),
			styles.Status(status).Render(fmt.Sprintf("%-12s", status)),
			styles.Value.Render(m.Title))
		detail := fmt.Sprintf("%d/%d complete", m.Complete, m.Total)
		if m.Blocked > 0 {
			detail += fmt.Sprintf(", %d blocked", m.Blocked)
		}
		if m.Escalated > 0 {
			detail += fmt.Sprintf(", %d escalated", m.Escalated)
		}
		fmt.Printf("      %s\n", styles.Muted.Render(detail))
	}

	if len(summary.NextActions) > 0 {
		fmt.Println()
		fmt.Println(styles.Subtitle.Render("Next"))
		for _, action := range summary.NextActions {
			fmt.Printf("  - %s\n", action)
		}
	}

	if save, _ := cmd.Flags().GetBool("save"); save {
		path := gen.SummaryPath(p.Ref)
		if err := gen.Save(summary, path); err != nil {
			return err
		}
		fmt.Printf("\nsaved to %s\n", path)
	}
	return nil
}
