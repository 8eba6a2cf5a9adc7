// Package agents runs CLI coding agents headlessly. The crew package builds
// the plan's Worker, Reviewer and Fixer on top of them.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout is the default agent execution timeout (30 minutes).
const DefaultTimeout = 30 * time.Minute

// Agent is the interface for AI agent execution.
type Agent interface {
	// Name returns the agent identifier.
	Name() string

	// Execute runs a prompt and returns the output.
	Execute(ctx context.Context, opts ExecuteOptions) (*ExecuteResult, error)
}

// ExecuteOptions configures an agent execution.
type ExecuteOptions struct {
	Prompt  string        // The prompt/task for the agent
	WorkDir string        // Working directory for execution
	Files   []string      // Optional file paths to include as context
	Timeout time.Duration // Execution timeout (0 = default)
}

// ExecuteResult holds the outcome of an agent execution.
type ExecuteResult struct {
	Output   string        // Agent's text output
	JSON     []byte        // Structured JSON output if available
	ExitCode int           // Process exit code
	Duration time.Duration // Execution duration
	Error    string        // Error message if failed
}

// IsSuccess returns true if the execution succeeded.
func (r *ExecuteResult) IsSuccess() bool {
	return r.ExitCode == 0 && r.Error == ""
}

// ErrUnknownProvider is returned by New for an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown agent provider")

// New returns the agent for a provider name.
func New(provider string, opts ...Option) (Agent, error) {
	switch provider {
	case "", "claude":
		return NewClaudeAgent(opts...), nil
	case "codex":
		return NewCodexAgent(opts...), nil
	case "gemini":
		return NewGeminiAgent(opts...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}

// CommandRunner executes shell commands. Allows mocking in tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, dir string, stdin string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner is the default CommandRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns output.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, dir string, stdin string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, err
}

// cliAgent holds what every CLI agent shares. Providers differ only in the
// arguments they pass and how they wrap their output.
type cliAgent struct {
	name       string
	binaryPath string        // Path to the agent binary
	timeout    time.Duration // Default timeout
	runner     CommandRunner // Command executor (for testing)
	skipPerms  bool          // Run without interactive approvals
	model      string        // Model override; empty = CLI default

	args  func(a *cliAgent, prompt string) []string
	parse func(stdout []byte) (output string, structured []byte)
}

// Option configures an agent.
type Option func(*cliAgent)

// WithBinaryPath sets a custom path to the agent binary.
func WithBinaryPath(path string) Option {
	return func(a *cliAgent) {
		if path != "" {
			a.binaryPath = path
		}
	}
}

// WithDefaultTimeout sets the default execution timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(a *cliAgent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithRunner sets a custom command runner (for testing).
func WithRunner(r CommandRunner) Option {
	return func(a *cliAgent) {
		a.runner = r
	}
}

// WithSkipPermissions sets whether the agent may act without approvals.
// Headless runs need this; every provider defaults to true.
func WithSkipPermissions(enabled bool) Option {
	return func(a *cliAgent) {
		a.skipPerms = enabled
	}
}

// WithModel sets the model for providers that accept one.
func WithModel(model string) Option {
	return func(a *cliAgent) {
		a.model = model
	}
}

func newCLIAgent(name string, args func(*cliAgent, string) []string, opts []Option) cliAgent {
	a := cliAgent{
		name:       name,
		binaryPath: name,
		timeout:    DefaultTimeout,
		runner:     &ExecRunner{},
		skipPerms:  true,
		args:       args,
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// Name returns the provider name.
func (a *cliAgent) Name() string {
	return a.name
}

// Execute runs the agent non-interactively with the given prompt.
func (a *cliAgent) Execute(ctx context.Context, opts ExecuteOptions) (*ExecuteResult, error) {
	start := time.Now()

	timeout := a.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := a.args(a, opts.Prompt)

	var stdinContent string
	if len(opts.Files) > 0 {
		var err error
		stdinContent, err = buildFileContext(opts.Files)
		if err != nil {
			return &ExecuteResult{
				Error:    fmt.Sprintf("building file context: %v", err),
				Duration: time.Since(start),
			}, err
		}
	}

	stdout, stderr, exitCode, err := a.runner.Run(ctx, a.binaryPath, args, opts.WorkDir, stdinContent)

	result := &ExecuteResult{
		Output:   stdout,
		ExitCode: exitCode,
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Sprintf("timeout after %v", timeout)
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = stderr
		} else {
			result.Error = err.Error()
		}
		return result, err
	}

	if a.parse != nil {
		result.Output, result.JSON = a.parse([]byte(stdout))
	} else {
		result.JSON = ExtractJSON([]byte(stdout))
	}
	return result, nil
}

// Available checks if the agent binary is available in PATH.
func (a *cliAgent) Available() bool {
	_, err := exec.LookPath(a.binaryPath)
	return err == nil
}

// Version returns the agent CLI version.
func (a *cliAgent) Version() (string, error) {
	cmd := exec.Command(a.binaryPath, "--version")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("getting version: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// buildFileContext reads files and formats them as context.
func buildFileContext(files []string) (string, error) {
	var sb strings.Builder

	sb.WriteString("# Context Files\n\n")

	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}

		displayPath := path
		if abs, err := filepath.Abs(path); err == nil {
			displayPath = abs
		}

		fmt.Fprintf(&sb, "## File: %s\n\n```\n%s\n```\n\n", displayPath, string(content))
	}

	return sb.String(), nil
}

// ExtractJSON finds the first JSON object or array in output.
// Returns nil if no valid JSON found.
func ExtractJSON(output []byte) []byte {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return trimmed
	}

	for start := 0; start < len(output); start++ {
		opener := output[start]
		if opener != '{' && opener != '[' {
			continue
		}
		closer := byte('}')
		if opener == '[' {
			closer = ']'
		}

		// Find matching closer by counting nesting, skipping string contents.
		depth, inString, escaped := 0, false, false
		for i := start; i < len(output); i++ {
			c := output[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == opener:
				depth++
			case c == closer:
				depth--
			}
			if depth == 0 && !inString {
				if candidate := output[start : i+1]; json.Valid(candidate) {
					return candidate
				}
				break
			}
		}
	}
	return nil
}
