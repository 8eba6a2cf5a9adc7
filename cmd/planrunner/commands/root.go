// Package commands implements the planrunner CLI commands using cobra.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/planrunner/internal/config"
	"github.com/marcus/planrunner/internal/logging"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "planrunner",
	Short: "Run a milestone plan through implement, review and fix cycles",
	Long: `Planrunner executes a YAML work plan of milestones and tasks.

Each task is dispatched to a worker agent, reviewed, and fixed until the
review comes back clean. Issues that persist across consecutive reviews are
escalated to a human, who decides to override, resolve, abandon or defer.
The plan file is the record of progress: stop at any time and resume.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Also write logs to stderr")
}

// loadConfig reads the global and project configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// initLogging sets up the global logger from config.
func initLogging(cmd *cobra.Command, cfg *config.Config) error {
	lc := logging.Config{
		Level:         cfg.Logging.Level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		lc.Output = os.Stderr
	}
	if err := logging.Init(lc); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	return nil
}

// logDir returns the configured log directory.
func logDir(cfg *config.Config) string {
	if cfg != nil && cfg.Logging.Path != "" {
		return cfg.Logging.Path
	}
	return logging.DefaultConfig().Path
}
