package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marcus/planrunner/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View logs",
	Long: `View planrunner logs.

Displays recent log entries. Use --follow to stream logs in real-time and
--run to show only the lines of one run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		follow, _ := cmd.Flags().GetBool("follow")
		export, _ := cmd.Flags().GetString("export")
		runID, _ := cmd.Flags().GetString("run")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := logging.ExpandPath(logDir(cfg))
		filter := logFilter{runID: runID}

		if export != "" {
			return exportLogs(dir, export, filter)
		}
		if follow {
			return followLogs(dir, tail, filter)
		}
		return showLogs(os.Stdout, dir, tail, filter)
	},
}

func init() {
	logsCmd.Flags().IntP("tail", "n", 50, "Number of log lines to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().StringP("export", "e", "", "Export logs to file")
	logsCmd.Flags().String("run", "", "Only show lines for this run id (prefix)")
	rootCmd.AddCommand(logsCmd)
}

// logEntry represents a parsed JSON log line
type logEntry struct {
	Level     string    `json:"level"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type logFilter struct {
	runID string
}

func (f logFilter) match(line string) bool {
	if f.runID == "" {
		return true
	}
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return false
	}
	return strings.HasPrefix(entry.RunID, f.runID)
}

func logFiles(dir string) ([]string, error) {
	files, err := logging.LogFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading log dir: %w", err)
	}
	return files, nil
}

func showLogs(w io.Writer, dir string, n int, filter logFilter) error {
	files, err := logFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(w, "No log files found.")
		return nil
	}
	for _, line := range readLastLines(files, n, filter) {
		fmt.Fprintln(w, formatLogLine(line))
	}
	return nil
}

func followLogs(dir string, initialLines int, filter logFilter) error {
	files, err := logFiles(dir)
	if err != nil {
		return err
	}
	if len(files) > 0 && initialLines > 0 {
		for _, line := range readLastLines(files, initialLines, filter) {
			fmt.Println(formatLogLine(line))
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching log dir: %w", err)
	}

	currentFile := currentLogFile(dir)
	var file *os.File
	var reader *bufio.Reader
	if currentFile != "" {
		if file, err = os.Open(currentFile); err == nil {
			_, _ = file.Seek(0, io.SeekEnd)
			reader = bufio.NewReader(file)
		}
	}
	defer func() {
		if file != nil {
			_ = file.Close()
		}
	}()

	fmt.Println("--- Following logs (Ctrl+C to exit) ---")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// Date rollover starts a new file.
			if newFile := currentLogFile(dir); newFile != currentFile {
				if file != nil {
					_ = file.Close()
				}
				currentFile = newFile
				if file, err = os.Open(currentFile); err != nil {
					file, reader = nil, nil
					continue
				}
				reader = bufio.NewReader(file)
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && reader != nil {
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						break
					}
					line = strings.TrimSuffix(line, "\n")
					if filter.match(line) {
						fmt.Println(formatLogLine(line))
					}
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		}
	}
}

func exportLogs(dir, outFile string, filter logFilter) error {
	files, err := logFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no log files found")
	}

	out, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() { _ = out.Close() }()

	total := 0
	// Oldest first.
	for i := len(files) - 1; i >= 0; i-- {
		for _, line := range readFileLines(files[i]) {
			if !filter.match(line) {
				continue
			}
			if _, err := out.WriteString(line + "\n"); err != nil {
				return fmt.Errorf("writing export: %w", err)
			}
			total++
		}
	}

	fmt.Printf("Exported %d log lines to %s\n", total, outFile)
	return nil
}

func currentLogFile(dir string) string {
	path := filepath.Join(dir, logging.FileName(time.Now()))
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// readLastLines returns the last n matching lines across files, which are
// ordered newest first.
func readLastLines(files []string, n int, filter logFilter) []string {
	var lines []string
	for _, file := range files {
		if len(lines) >= n {
			break
		}
		var fileLines []string
		for _, line := range readFileLines(file) {
			if filter.match(line) {
				fileLines = append(fileLines, line)
			}
		}
		remaining := n - len(lines)
		if len(fileLines) > remaining {
			fileLines = fileLines[len(fileLines)-remaining:]
		}
		lines = append(fileLines, lines...)
	}
	return lines
}

func readFileLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// formatLogLine renders a JSON log line for the terminal. Lines that are not
// JSON are returned unchanged.
func formatLogLine(line string) string {
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Level == "" {
		return line
	}

	var b strings.Builder
	b.WriteString(entry.Time.Local().Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(formatLogLevel(entry.Level))
	if entry.Component != "" {
		fmt.Fprintf(&b, " [%s]", entry.Component)
	}
	b.WriteString(" ")
	b.WriteString(entry.Message)
	if entry.RunID != "" {
		fmt.Fprintf(&b, " run=%s", shortID(entry.RunID))
	}
	if entry.Error != "" {
		fmt.Fprintf(&b, " error=%s", entry.Error)
	}
	return b.String()
}

func formatLogLevel(level string) string {
	switch level {
	case "debug":
		return "DBG"
	case "info":
		return "INF"
	case "warn":
		return "WRN"
	case "error":
		return "ERR"
	}
	if len(level) > 3 {
		level = level[:3]
	}
	return strings.ToUpper(level)
}
