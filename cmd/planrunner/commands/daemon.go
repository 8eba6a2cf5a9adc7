package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/planrunner/internal/config"
	"github.com/marcus/planrunner/internal/logging"
	"github.com/marcus/planrunner/internal/scheduler"
)

const (
	pidFileName = "planrunner.pid"
)

// errPlanComplete stops the daemon once the plan has nothing left to do.
var errPlanComplete = errors.New("plan complete")

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage background daemon",
	Long:  `Start, stop, or check status of the planrunner background daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start <plan.yaml>",
	Short: "Start background daemon",
	Long: `Start the planrunner daemon as a background process.

The daemon resumes the plan according to the configured schedule (cron or
interval) and window. Escalations are always deferred; record decisions with
'planrunner decide' and the next scheduled resume applies them. The daemon
exits once the plan is complete.`,
	Args: cobra.ExactArgs(1),
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background daemon",
	Long:  `Stop the running planrunner daemon by sending SIGTERM.`,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Check if the planrunner daemon is running and show its schedule.`,
	RunE:  runDaemonStatus,
}

var daemonForegroundFlag bool

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForegroundFlag, "foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// pidFilePath returns the path to the PID file.
func pidFilePath() string {
	return filepath.Join(config.DataDir(), pidFileName)
}

// pidRecord is the PID file content: the process id and the plan it runs.
type pidRecord struct {
	PID  int
	Plan string
}

func writePidFile(planPath string) error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), planPath)
	return os.WriteFile(pidFilePath(), []byte(content), 0644)
}

func readPidFile() (pidRecord, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return pidRecord{}, err
	}
	return parsePidFile(string(data))
}

func parsePidFile(content string) (pidRecord, error) {
	first, rest, _ := strings.Cut(strings.TrimSpace(content), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return pidRecord{}, fmt.Errorf("invalid pid file: %w", err)
	}
	return pidRecord{PID: pid, Plan: strings.TrimSpace(rest)}, nil
}

func removePidFile() error {
	return os.Remove(pidFilePath())
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 checks liveness.
	return process.Signal(syscall.Signal(0)) == nil
}

func isDaemonRunning() (bool, pidRecord) {
	rec, err := readPidFile()
	if err != nil {
		return false, pidRecord{}
	}
	return isProcessRunning(rec.PID), rec
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if running, rec := isDaemonRunning(); running {
		return fmt.Errorf("daemon already running (pid %d, plan %s)", rec.PID, rec.Plan)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Schedule.Cron == "" && cfg.Schedule.Interval == "" {
		return fmt.Errorf("no schedule configured (set schedule.cron or schedule.interval)")
	}

	planPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve plan path: %w", err)
	}
	if _, err := os.Stat(planPath); err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	if daemonForegroundFlag {
		return runDaemonLoop(cmd, cfg, planPath)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}

	child := exec.Command(executable, "daemon", "start", planPath, "--foreground")
	child.Stdout = nil
	child.Stderr = nil
	child.Stdin = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("daemon started (pid %d)\n", child.Process.Pid)
	return nil
}

func runDaemonLoop(cmd *cobra.Command, cfg *config.Config, planPath string) error {
	if err := initLogging(cmd, cfg); err != nil {
		return err
	}
	log := logging.Component("daemon")

	if err := writePidFile(planPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = removePidFile() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Infof("received signal %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	sched, err := scheduler.NewFromConfig(&cfg.Schedule)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	sched.AddJob(func(jobCtx context.Context) error {
		err := resumeScheduled(jobCtx, cfg, planPath, log)
		if errors.Is(err, errPlanComplete) {
			log.Info("plan complete, stopping daemon")
			cancel()
			return nil
		}
		return err
	})

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	log.InfoCtx("daemon running", map[string]any{
		"plan":     planPath,
		"next_run": sched.NextRun().Format(time.RFC3339),
	})

	<-ctx.Done()

	if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		log.Errorf("stopping scheduler: %v", err)
	}
	log.Info("daemon stopped")
	return nil
}

// resumeScheduled runs one scheduled resume of the plan. It returns
// errPlanComplete when the plan has finished.
func resumeScheduled(ctx context.Context, cfg *config.Config, planPath string, log *logging.Logger) error {
	log.Info("scheduled resume starting")
	results, err := executeRun(ctx, cfg, runParams{
		planPath: planPath,
		mode:     "daemon",
		decision: "defer",
	})
	if err != nil {
		return err
	}
	log.InfoCtx("scheduled resume finished", map[string]any{
		"status":    results.Status,
		"completed": len(results.Completed),
		"blocked":   len(results.Blocked),
		"escalated": len(results.Escalated),
	})
	if results.Status == "complete" {
		return errPlanComplete
	}
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	running, rec := isDaemonRunning()
	if !running {
		if _, err := readPidFile(); err == nil {
			_ = removePidFile()
			fmt.Println("daemon not running (stale pid file removed)")
			return nil
		}
		fmt.Println("daemon not running")
		return nil
	}

	process, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	fmt.Printf("stopping daemon (pid %d)...\n", rec.PID)

	timeout := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-timeout:
			fmt.Println("daemon did not stop, sending SIGKILL")
			_ = process.Signal(syscall.SIGKILL)
			_ = removePidFile()
			return nil
		case <-tick.C:
			if !isProcessRunning(rec.PID) {
				fmt.Println("daemon stopped")
				_ = removePidFile()
				return nil
			}
		}
	}
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	running, rec := isDaemonRunning()
	if !running {
		fmt.Println("Status: not running")
		return nil
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", rec.PID)
	if rec.Plan != "" {
		fmt.Printf("Plan: %s\n", rec.Plan)
	}

	if cfg, err := config.Load(); err == nil {
		if cfg.Schedule.Cron != "" {
			fmt.Printf("Schedule: cron %s\n", cfg.Schedule.Cron)
		} else if d := cfg.ScheduleInterval(); d > 0 {
			fmt.Printf("Schedule: every %s\n", d)
		}
		if w := cfg.Schedule.Window; w != nil {
			fmt.Printf("Window: %s - %s", w.Start, w.End)
			if w.Timezone != "" {
				fmt.Printf(" (%s)", w.Timezone)
			}
			fmt.Println()
		}
	}

	fmt.Printf("PID file: %s\n", pidFilePath())
	return nil
}
