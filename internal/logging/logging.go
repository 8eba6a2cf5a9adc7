// Package logging provides structured logging for planrunner.
// Log files are written per day and pruned after a retention period.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FilePrefix names every log file: planrunner-YYYY-MM-DD.log.
const FilePrefix = "planrunner-"

const dateLayout = "2006-01-02"

// Logger wraps zerolog with component and run scoping.
type Logger struct {
	zl        zerolog.Logger
	component string
	logDir    string
	file      *os.File
	mu        sync.Mutex
}

// Config holds logging configuration.
type Config struct {
	Level         string    // debug, info, warn, error
	Path          string    // Log directory path
	Format        string    // json, text
	RetentionDays int       // Days to keep logs (default 7)
	Output        io.Writer // Extra sink, e.g. stderr for --verbose
}

// DefaultConfig returns default logging configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Level:         "info",
		Path:          filepath.Join(home, ".local", "share", "planrunner", "logs"),
		Format:        "json",
		RetentionDays: 7,
	}
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Init replaces the global logger.
func Init(cfg Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	logger, err := New(cfg)
	if err != nil {
		return err
	}
	if globalLogger != nil && globalLogger.file != nil {
		_ = globalLogger.file.Close()
	}
	globalLogger = logger
	return nil
}

// New creates a Logger. With no Path and no Output it writes to stderr.
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := &Logger{}
	var writers []io.Writer

	if cfg.Path != "" {
		logger.logDir = ExpandPath(cfg.Path)
		if err := os.MkdirAll(logger.logDir, 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(logger.currentLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		logger.file = f
		writers = append(writers, f)

		go logger.cleanOldLogs(cfg.RetentionDays)
	}
	if cfg.Output != nil {
		writers = append(writers, cfg.Output)
	}

	var output io.Writer
	switch len(writers) {
	case 0:
		output = os.Stderr
	case 1:
		output = writers[0]
	default:
		output = io.MultiWriter(writers...)
	}

	if cfg.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}

	logger.zl = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return logger, nil
}

// FileName returns the log file name for a given day.
func FileName(day time.Time) string {
	return FilePrefix + day.Format(dateLayout) + ".log"
}

// FileDate parses the day out of a log file name.
func FileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, ".log") {
		return time.Time{}, false
	}
	day, err := time.Parse(dateLayout, strings.TrimSuffix(strings.TrimPrefix(name, FilePrefix), ".log"))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func (l *Logger) currentLogPath() string {
	return filepath.Join(l.logDir, FileName(time.Now()))
}

func (l *Logger) cleanOldLogs(retentionDays int) {
	if l.logDir == "" {
		return
	}
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := FileDate(entry.Name())
		if ok && day.Before(cutoff) {
			_ = os.Remove(filepath.Join(l.logDir, entry.Name()))
		}
	}
}

// WithComponent returns a Logger tagged with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("component", component).Logger(),
		component: component,
		logDir:    l.logDir,
		file:      l.file,
	}
}

// WithRun returns a Logger tagged with a run id.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("run_id", runID).Logger(),
		component: l.component,
		logDir:    l.logDir,
		file:      l.file,
	}
}

// Dir returns the directory log files are written to, if any.
func (l *Logger) Dir() string {
	return l.logDir
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.zl.Info().Msg(msg)
}

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

// DebugCtx logs a debug message with fields.
func (l *Logger) DebugCtx(msg string, fields map[string]any) {
	withFields(l.zl.Debug(), fields).Msg(msg)
}

// InfoCtx logs an info message with fields.
func (l *Logger) InfoCtx(msg string, fields map[string]any) {
	withFields(l.zl.Info(), fields).Msg(msg)
}

// WarnCtx logs a warning message with fields.
func (l *Logger) WarnCtx(msg string, fields map[string]any) {
	withFields(l.zl.Warn(), fields).Msg(msg)
}

// ErrorCtx logs an error message with fields.
func (l *Logger) ErrorCtx(msg string, fields map[string]any) {
	withFields(l.zl.Error(), fields).Msg(msg)
}

// Log writes msg at the named level.
func (l *Logger) Log(level, msg string, fields map[string]any) {
	switch level {
	case "debug":
		l.DebugCtx(msg, fields)
	case "warn":
		l.WarnCtx(msg, fields)
	case "error":
		l.ErrorCtx(msg, fields)
	default:
		l.InfoCtx(msg, fields)
	}
}

// withFields adds fields in key order so output is stable.
func withFields(event *zerolog.Event, fields map[string]any) *zerolog.Event {
	if len(fields) == 0 {
		return event
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			event = event.AnErr(k, v)
		case fmt.Stringer:
			event = event.Str(k, v.String())
		default:
			event = event.Interface(k, v)
		}
	}
	return event
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// LogFiles returns log files in dir, newest first.
func LogFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(ExpandPath(dir))
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := FileDate(entry.Name()); ok {
			files = append(files, filepath.Join(ExpandPath(dir), entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// Get returns the global logger, or a stderr logger before Init.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return &Logger{
			zl: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	}
	return globalLogger
}

// Component returns a global logger tagged with the component name.
func Component(name string) *Logger {
	return Get().WithComponent(name)
}

// Nop returns a logger that discards everything. Tests use it.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
