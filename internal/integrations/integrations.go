// Package integrations reads project guideline files (CLAUDE.md, AGENTS.md)
// from the agents' work directory so that every prompt carries the project's
// own conventions and constraints.
package integrations

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/marcus/planrunner/internal/config"
	"github.com/marcus/planrunner/internal/logging"
)

// maxContext bounds how much of one guideline file is copied into a prompt.
const maxContext = 8000

// Reader loads guidelines from one kind of project file.
type Reader interface {
	// Name returns the integration identifier.
	Name() string

	// Enabled returns true if this integration is configured.
	Enabled() bool

	// Read loads guidelines from dir. A missing file returns nil, nil.
	Read(ctx context.Context, dir string) (*Result, error)
}

// Result holds what one reader found.
type Result struct {
	// SourceFile is the file the result was read from.
	SourceFile string

	// Context is the file content to include in agent prompts.
	Context string

	// Hints are bullet points pulled from recognised sections.
	Hints []Hint
}

// Hint is one guideline extracted from a file.
type Hint struct {
	Type    HintType
	Content string
	Source  string
}

// HintType categorizes hints.
type HintType int

const (
	HintContext    HintType = iota // Background context
	HintConvention                 // Coding convention
	HintConstraint                 // Something the agent must not do
)

func (h HintType) String() string {
	switch h {
	case HintContext:
		return "context"
	case HintConvention:
		return "convention"
	case HintConstraint:
		return "constraint"
	default:
		return "unknown"
	}
}

// Manager coordinates the configured readers.
type Manager struct {
	readers []Reader
	logger  *logging.Logger
}

// NewManager creates a manager with the configured integrations.
func NewManager(cfg *config.Config) *Manager {
	var ic config.IntegrationsConfig
	if cfg != nil {
		ic = cfg.Integrations
	}
	return &Manager{
		readers: []Reader{
			&ClaudeMDReader{enabled: ic.ClaudeMD},
			&AgentsMDReader{enabled: ic.AgentsMD},
		},
		logger: logging.Component("integrations"),
	}
}

// Guidelines combines results from all readers.
type Guidelines struct {
	// Results by reader name.
	Results map[string]*Result

	// Hints from all sources, in reader order.
	Hints []Hint

	// Errors encountered (non-fatal).
	Errors []ReaderError
}

// ReaderError records a failed reader.
type ReaderError struct {
	Reader string
	Err    error
}

func (e ReaderError) Error() string {
	return e.Reader + ": " + e.Err.Error()
}

// ReadAll gathers results from all enabled readers. A failing reader is
// recorded in Errors and does not stop the others.
func (m *Manager) ReadAll(ctx context.Context, dir string) (*Guidelines, error) {
	g := &Guidelines{Results: make(map[string]*Result)}

	for _, r := range m.readers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.Enabled() {
			continue
		}
		result, err := r.Read(ctx, dir)
		if err != nil {
			m.logger.WarnCtx("reading guidelines", map[string]any{"reader": r.Name(), "error": err.Error()})
			g.Errors = append(g.Errors, ReaderError{Reader: r.Name(), Err: err})
			continue
		}
		if result == nil {
			continue
		}
		m.logger.DebugCtx("guidelines loaded", map[string]any{"reader": r.Name(), "file": result.SourceFile, "hints": len(result.Hints)})
		g.Results[r.Name()] = result
		g.Hints = append(g.Hints, result.Hints...)
	}
	return g, nil
}

// Prompt renders the guidelines as a prompt section. It returns "" when
// nothing was found.
func (g *Guidelines) Prompt(order ...string) string {
	if g == nil || len(g.Results) == 0 {
		return ""
	}
	if len(order) == 0 {
		order = []string{claudeMDName, agentsMDName}
	}

	var sb strings.Builder
	sb.WriteString("## Project guidelines\n")

	var constraints []string
	for _, h := range g.Hints {
		if h.Type == HintConstraint {
			constraints = append(constraints, h.Content)
		}
	}
	if len(constraints) > 0 {
		sb.WriteString("Hard constraints:\n")
		for _, c := range constraints {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}

	for _, name := range order {
		result, ok := g.Results[name]
		if !ok || strings.TrimSpace(result.Context) == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n### %s\n%s\n", filepath.Base(result.SourceFile), clip(result.Context, maxContext))
	}
	return sb.String()
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n..."
}

// findFile returns the content of the first candidate that exists in dir.
func findFile(dir string, candidates []string) (string, []byte, error) {
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			return path, data, nil
		}
		if !os.IsNotExist(err) {
			return "", nil, err
		}
	}
	return "", nil, nil
}

// sectionRule maps a header keyword to a section name. Rules are matched in
// order against the lowercased header.
type sectionRule struct {
	keyword string
	section string
}

var (
	headerRE = regexp.MustCompile(`^#+\s*(.+)`)
	bulletRE = regexp.MustCompile(`^\s*[-*]\s+(.+)`)
)

// scanSections walks markdown content and calls emit for every bullet with
// the section of the header above it ("" when no rule matched).
func scanSections(content string, rules []sectionRule, emit func(section, item string)) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	section := ""
	for scanner.Scan() {
		line := scanner.Text()
		if match := headerRE.FindStringSubmatch(line); match != nil {
			header := strings.ToLower(match[1])
			section = ""
			for _, r := range rules {
				if strings.Contains(header, r.keyword) {
					section = r.section
					break
				}
			}
			continue
		}
		if match := bulletRE.FindStringSubmatch(line); match != nil {
			emit(section, strings.TrimSpace(match[1]))
		}
	}
}
