// Package config handles loading and validating planrunner configuration.
// A global file is merged with a per-project file, and PLANRUNNER_*
// environment variables override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all planrunner configuration.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Escalation   EscalationConfig   `mapstructure:"escalation"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Integrations IntegrationsConfig `mapstructure:"integrations"`
}

// OrchestratorConfig controls the review loop.
type OrchestratorConfig struct {
	Granularity  string `mapstructure:"granularity"`   // per_task, per_milestone, both
	StrikeLimit  int    `mapstructure:"strike_limit"`  // consecutive cycles before escalation
	MaxCycles    int    `mapstructure:"max_cycles"`    // hard ceiling per target, 0 means strike_limit
	AgentTimeout string `mapstructure:"agent_timeout"` // duration string, e.g. "30m"
	WorkDir      string `mapstructure:"work_dir"`
}

// AgentsConfig selects the agent behind each collaborator role.
type AgentsConfig struct {
	Worker   AgentConfig `mapstructure:"worker"`
	Reviewer AgentConfig `mapstructure:"reviewer"`
	Fixer    AgentConfig `mapstructure:"fixer"`
}

// AgentConfig configures one CLI coding agent.
type AgentConfig struct {
	Provider                   string `mapstructure:"provider"` // claude, codex, gemini
	Binary                     string `mapstructure:"binary"`
	Model                      string `mapstructure:"model"`
	DangerouslySkipPermissions bool   `mapstructure:"dangerously_skip_permissions"`
}

// EscalationConfig controls how human decisions are obtained.
type EscalationConfig struct {
	Decision string `mapstructure:"decision"` // auto, prompt, defer
}

// StorageConfig locates the run journal and reports.
type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	ReportsDir string `mapstructure:"reports_dir"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// ScheduleConfig controls when the daemon resumes a plan.
type ScheduleConfig struct {
	Cron     string        `mapstructure:"cron"`
	Interval string        `mapstructure:"interval"`
	Window   *WindowConfig `mapstructure:"window"`
}

// WindowConfig limits scheduled runs to a time of day range. End is
// exclusive and may be earlier than Start for an overnight window.
type WindowConfig struct {
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

// IntegrationsConfig selects which project guideline files are passed to
// the agents.
type IntegrationsConfig struct {
	ClaudeMD bool `mapstructure:"claude_md"`
	AgentsMD bool `mapstructure:"agents_md"`
}

// Defaults.
const (
	DefaultGranularity    = "per_task"
	DefaultStrikeLimit    = 3
	DefaultMaxCycles      = 0 // ceiling equals strike_limit
	DefaultAgentTimeout   = "30m"
	DefaultProvider       = "claude"
	DefaultDecisionMode   = "auto"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultRetentionDays  = 7
	DefaultScheduleCron   = ""
	ProjectConfigName     = "planrunner.yaml"
	envPrefix             = "PLANRUNNER"
	globalConfigDirName   = "planrunner"
	globalConfigFileName  = "config.yaml"
	defaultDataDirName    = "planrunner"
	defaultJournalName    = "planrunner.db"
	defaultReportsDirName = "reports"
)

// Validation errors.
var (
	ErrInvalidGranularity  = errors.New("orchestrator.granularity must be per_task, per_milestone or both")
	ErrInvalidStrikeLimit  = errors.New("orchestrator.strike_limit must be at least 1")
	ErrInvalidMaxCycles    = errors.New("orchestrator.max_cycles must be at least strike_limit")
	ErrInvalidAgentTimeout = errors.New("orchestrator.agent_timeout must be a positive duration")
	ErrInvalidProvider     = errors.New("agents provider must be claude, codex or gemini")
	ErrInvalidDecisionMode = errors.New("escalation.decision must be auto, prompt or defer")
	ErrInvalidLogLevel     = errors.New("logging.level must be debug, info, warn or error")
	ErrInvalidLogFormat    = errors.New("logging.format must be json or text")
	ErrCronAndInterval     = errors.New("schedule.cron and schedule.interval are mutually exclusive")
)

// GlobalConfigPath returns ~/.config/planrunner/config.yaml.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", globalConfigDirName, globalConfigFileName)
}

// DataDir returns ~/.local/share/planrunner.
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", defaultDataDirName)
}

// Load reads the global config and the project config in the working
// directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working dir: %w", err)
	}
	return LoadFromPaths(cwd, GlobalConfigPath())
}

// LoadFromPaths reads globalPath, merges projectDir/planrunner.yaml over it,
// applies environment overrides, then validates.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if globalPath != "" {
		if _, err := os.Stat(globalPath); err == nil {
			v.SetConfigFile(globalPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("reading global config: %w", err)
			}
		}
	}

	if projectDir != "" {
		projectPath := filepath.Join(projectDir, ProjectConfigName)
		if _, err := os.Stat(projectPath); err == nil {
			v.SetConfigFile(projectPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("reading project config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Storage.DBPath = expandPath(cfg.Storage.DBPath)
	cfg.Storage.ReportsDir = expandPath(cfg.Storage.ReportsDir)
	cfg.Logging.Path = expandPath(cfg.Logging.Path)
	cfg.Orchestrator.WorkDir = expandPath(cfg.Orchestrator.WorkDir)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.granularity", DefaultGranularity)
	v.SetDefault("orchestrator.strike_limit", DefaultStrikeLimit)
	v.SetDefault("orchestrator.max_cycles", DefaultMaxCycles)
	v.SetDefault("orchestrator.agent_timeout", DefaultAgentTimeout)
	v.SetDefault("orchestrator.work_dir", "")

	for _, role := range []string{"worker", "reviewer", "fixer"} {
		v.SetDefault("agents."+role+".provider", DefaultProvider)
		v.SetDefault("agents."+role+".binary", "")
		v.SetDefault("agents."+role+".model", "")
		v.SetDefault("agents."+role+".dangerously_skip_permissions", true)
	}

	v.SetDefault("escalation.decision", DefaultDecisionMode)

	v.SetDefault("storage.db_path", filepath.Join(DataDir(), defaultJournalName))
	v.SetDefault("storage.reports_dir", filepath.Join(DataDir(), defaultReportsDirName))

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.path", filepath.Join(DataDir(), "logs"))
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.retention_days", DefaultRetentionDays)

	v.SetDefault("schedule.cron", DefaultScheduleCron)
	v.SetDefault("schedule.interval", "")

	v.SetDefault("integrations.claude_md", true)
	v.SetDefault("integrations.agents_md", true)
}

// Validate checks values that were set. Empty values are left for defaults.
func Validate(cfg *Config) error {
	switch cfg.Orchestrator.Granularity {
	case "", "per_task", "per_milestone", "both":
	default:
		return ErrInvalidGranularity
	}
	if cfg.Orchestrator.StrikeLimit < 0 {
		return ErrInvalidStrikeLimit
	}
	if cfg.Orchestrator.MaxCycles != 0 && cfg.Orchestrator.MaxCycles < cfg.Orchestrator.StrikeLimit {
		return ErrInvalidMaxCycles
	}
	if cfg.Orchestrator.AgentTimeout != "" {
		d, err := time.ParseDuration(cfg.Orchestrator.AgentTimeout)
		if err != nil || d <= 0 {
			return ErrInvalidAgentTimeout
		}
	}

	for role, a := range map[string]AgentConfig{
		"worker":   cfg.Agents.Worker,
		"reviewer": cfg.Agents.Reviewer,
		"fixer":    cfg.Agents.Fixer,
	} {
		switch a.Provider {
		case "", "claude", "codex", "gemini":
		default:
			return fmt.Errorf("agents.%s.provider %q: %w", role, a.Provider, ErrInvalidProvider)
		}
	}

	switch cfg.Escalation.Decision {
	case "", "auto", "prompt", "defer":
	default:
		return ErrInvalidDecisionMode
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}

	if cfg.Schedule.Cron != "" && cfg.Schedule.Interval != "" {
		return ErrCronAndInterval
	}
	if cfg.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(cfg.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron %q: %w", cfg.Schedule.Cron, err)
		}
	}
	if cfg.Schedule.Interval != "" {
		if d, err := time.ParseDuration(cfg.Schedule.Interval); err != nil || d <= 0 {
			return fmt.Errorf("schedule.interval %q: must be a positive duration", cfg.Schedule.Interval)
		}
	}
	return nil
}

// AgentTimeoutDuration returns the parsed agent timeout, or the default.
func (c *Config) AgentTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.Orchestrator.AgentTimeout); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultAgentTimeout)
	return d
}

// ScheduleInterval returns the parsed schedule interval, or zero.
func (c *Config) ScheduleInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.Interval)
	if err != nil {
		return 0
	}
	return d
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
