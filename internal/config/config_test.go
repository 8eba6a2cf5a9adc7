package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"empty is valid", Config{}, nil},
		{"bad granularity", Config{Orchestrator: OrchestratorConfig{Granularity: "per_plan"}}, ErrInvalidGranularity},
		{"negative strike limit", Config{Orchestrator: OrchestratorConfig{StrikeLimit: -1}}, ErrInvalidStrikeLimit},
		{"ceiling below strike limit", Config{Orchestrator: OrchestratorConfig{StrikeLimit: 3, MaxCycles: 2}}, ErrInvalidMaxCycles},
		{"bad timeout", Config{Orchestrator: OrchestratorConfig{AgentTimeout: "soon"}}, ErrInvalidAgentTimeout},
		{"zero timeout", Config{Orchestrator: OrchestratorConfig{AgentTimeout: "0s"}}, ErrInvalidAgentTimeout},
		{"bad provider", Config{Agents: AgentsConfig{Fixer: AgentConfig{Provider: "gpt"}}}, ErrInvalidProvider},
		{"bad decision mode", Config{Escalation: EscalationConfig{Decision: "vote"}}, ErrInvalidDecisionMode},
		{"bad log level", Config{Logging: LoggingConfig{Level: "verbose"}}, ErrInvalidLogLevel},
		{"bad log format", Config{Logging: LoggingConfig{Format: "xml"}}, ErrInvalidLogFormat},
		{"cron and interval", Config{Schedule: ScheduleConfig{Cron: "0 2 * * *", Interval: "1h"}}, ErrCronAndInterval},
		{"valid full config", Config{
			Orchestrator: OrchestratorConfig{Granularity: "both", StrikeLimit: 3, MaxCycles: 9, AgentTimeout: "45m"},
			Agents:       AgentsConfig{Worker: AgentConfig{Provider: "codex"}},
			Escalation:   EscalationConfig{Decision: "defer"},
			Logging:      LoggingConfig{Level: "debug", Format: "text"},
			Schedule:     ScheduleConfig{Cron: "*/30 * * * *"},
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateBadCron(t *testing.T) {
	err := Validate(&Config{Schedule: ScheduleConfig{Cron: "every night"}})
	if err == nil {
		t.Fatal("expected error for unparseable cron")
	}
}

func TestLoadFromPaths_Defaults(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadFromPaths(tmpDir, filepath.Join(tmpDir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if cfg.Orchestrator.Granularity != DefaultGranularity {
		t.Errorf("Granularity = %q, want %q", cfg.Orchestrator.Granularity, DefaultGranularity)
	}
	if cfg.Orchestrator.StrikeLimit != DefaultStrikeLimit {
		t.Errorf("StrikeLimit = %d, want %d", cfg.Orchestrator.StrikeLimit, DefaultStrikeLimit)
	}
	if cfg.Orchestrator.MaxCycles != DefaultMaxCycles {
		t.Errorf("MaxCycles = %d, want %d", cfg.Orchestrator.MaxCycles, DefaultMaxCycles)
	}
	if cfg.Agents.Reviewer.Provider != DefaultProvider {
		t.Errorf("Reviewer.Provider = %q, want %q", cfg.Agents.Reviewer.Provider, DefaultProvider)
	}
	if cfg.Escalation.Decision != DefaultDecisionMode {
		t.Errorf("Escalation.Decision = %q, want %q", cfg.Escalation.Decision, DefaultDecisionMode)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, DefaultLogLevel)
	}
	if cfg.AgentTimeoutDuration() != 30*time.Minute {
		t.Errorf("AgentTimeoutDuration = %v, want 30m", cfg.AgentTimeoutDuration())
	}
	if filepath.Base(cfg.Storage.DBPath) != "planrunner.db" {
		t.Errorf("DBPath = %q", cfg.Storage.DBPath)
	}
}

func TestLoadFromPaths_MergeConfigs(t *testing.T) {
	tmpDir := t.TempDir()

	globalPath := filepath.Join(tmpDir, "global", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(globalPath), 0755); err != nil {
		t.Fatal(err)
	}
	global := `
orchestrator:
  granularity: both
  strike_limit: 4
agents:
  worker:
    provider: codex
logging:
  level: warn
`
	if err := os.WriteFile(globalPath, []byte(global), 0644); err != nil {
		t.Fatal(err)
	}

	projectDir := filepath.Join(tmpDir, "project")
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		t.Fatal(err)
	}
	project := `
orchestrator:
  strike_limit: 2
escalation:
  decision: defer
`
	if err := os.WriteFile(filepath.Join(projectDir, ProjectConfigName), []byte(project), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPaths(projectDir, globalPath)
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}

	if cfg.Orchestrator.StrikeLimit != 2 {
		t.Errorf("StrikeLimit = %d, want 2 (project override)", cfg.Orchestrator.StrikeLimit)
	}
	if cfg.Orchestrator.Granularity != "both" {
		t.Errorf("Granularity = %q, want both (from global)", cfg.Orchestrator.Granularity)
	}
	if cfg.Agents.Worker.Provider != "codex" {
		t.Errorf("Worker.Provider = %q, want codex (from global)", cfg.Agents.Worker.Provider)
	}
	if cfg.Agents.Fixer.Provider != DefaultProvider {
		t.Errorf("Fixer.Provider = %q, want default", cfg.Agents.Fixer.Provider)
	}
	if cfg.Escalation.Decision != "defer" {
		t.Errorf("Decision = %q, want defer (project)", cfg.Escalation.Decision)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn (from global)", cfg.Logging.Level)
	}
}

func TestLoadFromPaths_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("PLANRUNNER_ORCHESTRATOR_GRANULARITY", "per_milestone")
	t.Setenv("PLANRUNNER_ESCALATION_DECISION", "prompt")

	cfg, err := LoadFromPaths(tmpDir, "")
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if cfg.Orchestrator.Granularity != "per_milestone" {
		t.Errorf("Granularity = %q, want per_milestone from env", cfg.Orchestrator.Granularity)
	}
	if cfg.Escalation.Decision != "prompt" {
		t.Errorf("Decision = %q, want prompt from env", cfg.Escalation.Decision)
	}
}

func TestLoadFromPaths_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	content := "orchestrator:\n  granularity: sometimes\n"
	if err := os.WriteFile(filepath.Join(tmpDir, ProjectConfigName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFromPaths(tmpDir, "")
	if !errors.Is(err, ErrInvalidGranularity) {
		t.Errorf("err = %v, want ErrInvalidGranularity", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		input    string
		expected string
	}{
		{"~/plans", filepath.Join(home, "plans")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}
	for _, tc := range tests {
		if got := expandPath(tc.input); got != tc.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestScheduleInterval(t *testing.T) {
	cfg := &Config{Schedule: ScheduleConfig{Interval: "90m"}}
	if got := cfg.ScheduleInterval(); got != 90*time.Minute {
		t.Errorf("ScheduleInterval = %v, want 90m", got)
	}
	if got := (&Config{}).ScheduleInterval(); got != 0 {
		t.Errorf("empty ScheduleInterval = %v, want 0", got)
	}
}
