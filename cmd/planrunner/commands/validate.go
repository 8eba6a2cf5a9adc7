package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/planrunner/internal/plan"
	"github.com/marcus/planrunner/internal/resolver"
	"github.com/marcus/planrunner/internal/store"
	"github.com/marcus/planrunner/internal/ui"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml>",
	Short: "Check a plan for structural problems",
	Long: `Load a plan and report every structural problem: bad milestone
sequencing, unknown statuses or types, asymmetric or dangling dependencies,
and dependency cycles within a milestone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		problems, err := validatePlan(args[0])
		if err != nil {
			return err
		}
		styles := ui.DefaultStyles()
		if len(problems) == 0 {
			fmt.Printf("%s %s\n", styles.StatusOK.Render("ok"), args[0])
			return nil
		}
		for _, p := range problems {
			fmt.Printf("%s %s\n", styles.StatusError.Render("x"), p)
		}
		return fmt.Errorf("%d problem(s) in %s", len(problems), args[0])
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// validatePlan returns the problems found in a plan file. An error is
// returned only when the file cannot be read at all.
func validatePlan(path string) ([]string, error) {
	p, err := store.Load(path)
	if err != nil {
		var malformed *plan.MalformedPlanError
		if errors.As(err, &malformed) {
			return malformed.Problems, nil
		}
		return nil, err
	}

	var problems []string
	for _, m := range p.Milestones {
		if _, err := resolver.Order(m.Tasks); err != nil {
			problems = append(problems, fmt.Sprintf("milestone %d: %v", m.Index, err))
		}
	}
	return problems, nil
}
