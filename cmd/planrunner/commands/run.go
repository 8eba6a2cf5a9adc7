package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/marcus/planrunner/internal/config"
	"github.com/marcus/planrunner/internal/logging"
	"github.com/marcus/planrunner/internal/orchestrator"
	"github.com/marcus/planrunner/internal/reporting"
	"github.com/marcus/planrunner/internal/state"
	"github.com/marcus/planrunner/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a plan",
	Long: `Execute a work plan from its first incomplete milestone.

Tasks are dispatched in dependency order. Depending on --granularity each
task, each milestone, or both go through review and fix cycles. Progress is
written to the plan file after every transition.

Escalations are decided according to --decision:
  auto     prompt on a terminal, defer otherwise (default)
  prompt   always show the decision prompt
  defer    leave escalations for 'planrunner decide'

Examples:
  planrunner run plan.yaml
  planrunner run plan.yaml --granularity both
  planrunner run plan.yaml --decision defer --work-dir ../app`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlanCommand(cmd, args[0], "run")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <plan.yaml>",
	Short: "Resume an interrupted plan",
	Long: `Resume a plan after an interruption.

Tasks and milestones left mid-flight are returned to pending and
re-dispatched. Completed work is kept. Escalated targets with a recorded
decision have that decision applied; undecided ones are asked about again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlanCommand(cmd, args[0], "resume")
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().String("granularity", "", "Review granularity: per_task, per_milestone, both")
		c.Flags().String("decision", "", "Escalation decisions: auto, prompt, defer")
		c.Flags().String("work-dir", "", "Directory the agents work in (default: plan directory)")
		c.Flags().Bool("no-report", false, "Do not write run results and report files")
		c.Flags().Bool("no-color", false, "Disable colored output")
		rootCmd.AddCommand(c)
	}
}

// runParams configures one orchestrator run.
type runParams struct {
	planPath    string
	mode        string // run, resume, daemon
	granularity string
	decision    string
	workDir     string
	noReport    bool
	onEvent     orchestrator.EventHandler
}

func runPlanCommand(cmd *cobra.Command, planPath, mode string) error {
	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return err
	}

	p := runParams{planPath: planPath, mode: mode}
	p.granularity, _ = cmd.Flags().GetString("granularity")
	p.decision, _ = cmd.Flags().GetString("decision")
	p.workDir, _ = cmd.Flags().GetString("work-dir")
	p.noReport, _ = cmd.Flags().GetBool("no-report")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\ninterrupt received, stopping after the current step...")
			cancel()
		case <-ctx.Done():
		}
	}()

	renderer := newLiveRenderer()
	p.onEvent = renderer.HandleEvent

	results, err := executeRun(ctx, cfg, p)
	if results != nil {
		renderer.printSummary(results)
	}
	if err != nil && errors.Is(err, context.Canceled) {
		fmt.Printf("run interrupted; continue with: planrunner resume %s\n", planPath)
		return nil
	}
	return err
}

// executeRun loads the plan, runs the orchestrator and records the outcome in
// the journal and the reports directory.
func executeRun(ctx context.Context, cfg *config.Config, p runParams) (*reporting.RunResults, error) {
	log := logging.Component(p.mode)

	planPath, err := filepath.Abs(p.planPath)
	if err != nil {
		return nil, fmt.Errorf("resolve plan path: %w", err)
	}

	var st *store.Store
	if p.mode == "run" {
		st, err = store.Open(planPath)
	} else {
		st, err = store.Resume(planPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}

	granularityName := p.granularity
	if granularityName == "" {
		granularityName = cfg.Orchestrator.Granularity
	}
	granularity, err := orchestrator.ParseGranularity(granularityName)
	if err != nil {
		return nil, err
	}

	decisionMode := p.decision
	if decisionMode == "" {
		decisionMode = cfg.Escalation.Decision
	}
	decider, decisionSource, err := newDecider(decisionMode)
	if err != nil {
		return nil, err
	}

	workDir := p.workDir
	if workDir == "" {
		workDir = cfg.Orchestrator.WorkDir
	}
	if workDir == "" {
		workDir = filepath.Dir(planPath)
	}
	team, err := buildCrew(ctx, cfg, workDir)
	if err != nil {
		return nil, err
	}

	database, journal, err := openJournal(cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = database.Close() }()

	if p.mode != "run" {
		if n, err := journal.MarkInterrupted(planPath); err != nil {
			log.Warnf("marking interrupted runs: %v", err)
		} else if n > 0 {
			log.Infof("closed %d interrupted run(s)", n)
		}
	}

	runID, err := journal.StartRun(planPath, p.mode, string(granularity))
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	runLog := log.WithRun(runID)
	runLog.InfoCtx("run starting", map[string]any{
		"plan":        planPath,
		"granularity": string(granularity),
		"decisions":   decisionSource,
		"work_dir":    workDir,
	})

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Granularity = granularity
	orchCfg.StrikeLimit = cfg.Orchestrator.StrikeLimit
	orchCfg.MaxCycles = cfg.Orchestrator.MaxCycles
	orchCfg.AgentTimeout = cfg.AgentTimeoutDuration()

	opts := []orchestrator.Option{
		orchestrator.WithWorker(team.worker),
		orchestrator.WithReviewer(team.reviewer),
		orchestrator.WithFixer(team.fixer),
		orchestrator.WithDecider(decider),
		orchestrator.WithJournal(journal, runID),
		orchestrator.WithConfig(orchCfg),
		orchestrator.WithLogger(logging.Component("orchestrator").WithRun(runID)),
	}
	if p.onEvent != nil {
		opts = append(opts, orchestrator.WithEventHandler(p.onEvent))
	}

	sum, runErr := orchestrator.New(opts...).Run(ctx, st)
	results := reporting.FromSummary(sum, runErr)

	if err := journal.FinishRun(runID, journalStatus(results.Status), results, runErr); err != nil {
		runLog.Errorf("recording run outcome: %v", err)
	}
	if !p.noReport {
		saveRunArtifacts(cfg, results, runLog)
	}
	return results, runErr
}

// saveRunArtifacts writes the JSON results and markdown report.
func saveRunArtifacts(cfg *config.Config, results *reporting.RunResults, log *logging.Logger) {
	dir := cfg.Storage.ReportsDir
	ts := results.StartTime
	if ts.IsZero() {
		ts = time.Now()
	}

	resultsPath := reporting.RunResultsPath(dir, ts)
	if err := reporting.SaveRunResults(results, resultsPath); err != nil {
		log.Warnf("saving run results: %v", err)
	}

	logPath := filepath.Join(logDir(cfg), logging.FileName(ts))
	reportPath := reporting.RunReportPath(dir, ts)
	if err := reporting.SaveRunReport(results, reportPath, logPath); err != nil {
		log.Warnf("saving run report: %v", err)
		return
	}
	log.Infof("run report saved to %s", reportPath)
}

// journalStatus maps a results status onto the journal's run status.
func journalStatus(status string) string {
	switch status {
	case "complete":
		return state.RunComplete
	case "interrupted":
		return state.RunInterrupted
	case "failed":
		return state.RunFailed
	default:
		return state.RunHalted
	}
}
