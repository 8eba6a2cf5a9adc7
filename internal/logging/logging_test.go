package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"json to file", Config{Path: tmpDir, Level: "info", Format: "json"}, false},
		{"text format", Config{Path: tmpDir, Level: "debug", Format: "text"}, false},
		{"invalid level", Config{Path: tmpDir, Level: "loud"}, true},
		{"stderr only", Config{Level: "info"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil {
				_ = logger.Close()
			}
		})
	}
}

func TestLogFileCreated(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := New(Config{Path: tmpDir, Level: "debug"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.InfoCtx("task dispatched", map[string]any{"task": "1.2"})

	logFile := filepath.Join(tmpDir, FileName(time.Now()))
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), `"task":"1.2"`) {
		t.Errorf("log line missing field: %s", data)
	}
}

func TestComponentAndRunFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.WithComponent("orchestrator").WithRun("run-1").WarnCtx("blocked", map[string]any{
		"err": errors.New("worker failed"),
	})

	line := buf.String()
	for _, want := range []string{`"component":"orchestrator"`, `"run_id":"run-1"`, `"err":"worker failed"`, `"level":"warn"`} {
		if !strings.Contains(line, want) {
			t.Errorf("output missing %s: %s", want, line)
		}
	}
}

func TestLogLevelRouting(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf, Level: "warn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Log("info", "hidden", nil)
	logger.Log("error", "shown", nil)

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message written at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("error message missing")
	}
}

func TestLogRetention(t *testing.T) {
	tmpDir := t.TempDir()

	for _, age := range []int{10, 8, 3} {
		name := filepath.Join(tmpDir, FileName(time.Now().AddDate(0, 0, -age)))
		if err := os.WriteFile(name, []byte("test"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	logger, err := New(Config{Path: tmpDir, RetentionDays: 7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = logger.Close() }()

	// cleanup runs in a goroutine
	time.Sleep(100 * time.Millisecond)

	cutoff := time.Now().AddDate(0, 0, -7)
	entries, _ := os.ReadDir(tmpDir)
	for _, entry := range entries {
		if day, ok := FileDate(entry.Name()); ok && day.Before(cutoff) {
			t.Errorf("old log file should have been deleted: %s", entry.Name())
		}
	}
}

func TestLogFiles(t *testing.T) {
	tmpDir := t.TempDir()

	for _, age := range []int{0, 1, 2} {
		name := filepath.Join(tmpDir, FileName(time.Now().AddDate(0, 0, -age)))
		if err := os.WriteFile(name, []byte("test"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "other.log"), nil, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	files, err := LogFiles(tmpDir)
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3", len(files))
	}
	if files[0] < files[1] {
		t.Error("log files not sorted newest first")
	}
}

func TestFileDate(t *testing.T) {
	day, ok := FileDate("planrunner-2026-03-04.log")
	if !ok || day.Format("2006-01-02") != "2026-03-04" {
		t.Errorf("FileDate = %v, %v", day, ok)
	}
	if _, ok := FileDate("nightly-2026-03-04.log"); ok {
		t.Error("foreign prefix accepted")
	}
}

func TestGlobalLogger(t *testing.T) {
	if err := Init(Config{Path: t.TempDir()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c := Component("store"); c.component != "store" {
		t.Errorf("component = %q, want store", c.component)
	}
	if Get().Dir() == "" {
		t.Error("Dir() empty after Init with a path")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" || cfg.Format != "json" || cfg.RetentionDays != 7 {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
	if !strings.Contains(cfg.Path, filepath.Join("planrunner", "logs")) {
		t.Errorf("default path = %q", cfg.Path)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{"warn", false},
		{"error", false},
		{"trace", true},
		{"", true},
	}
	for _, tt := range tests {
		if _, err := parseLevel(tt.level); (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
		}
	}
}
