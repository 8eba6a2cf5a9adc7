package integrations

import (
	"context"
)

const claudeMDName = "claude.md"

// ClaudeMDReader reads CLAUDE.md project instructions.
type ClaudeMDReader struct {
	enabled bool
}

func (r *ClaudeMDReader) Name() string {
	return claudeMDName
}

func (r *ClaudeMDReader) Enabled() bool {
	return r.enabled
}

// Read looks for CLAUDE.md in dir and extracts conventions and constraints.
func (r *ClaudeMDReader) Read(ctx context.Context, dir string) (*Result, error) {
	path, content, err := findFile(dir, []string{"CLAUDE.md", "claude.md", ".claude.md"})
	if err != nil || content == nil {
		return nil, err
	}
	return &Result{
		SourceFile: path,
		Context:    string(content),
		Hints:      parseClaudeMD(string(content)),
	}, nil
}

var claudeMDRules = []sectionRule{
	{"convention", "convention"},
	{"coding", "convention"},
	{"style", "convention"},
	{"constraint", "constraint"},
	{"restriction", "constraint"},
	{"safety", "constraint"},
	{"never", "constraint"},
}

// parseClaudeMD collects bullets under convention and constraint headers.
// Bullets elsewhere stay in the full context only.
func parseClaudeMD(content string) []Hint {
	var hints []Hint
	scanSections(content, claudeMDRules, func(section, item string) {
		switch section {
		case "convention":
			hints = append(hints, Hint{Type: HintConvention, Content: item, Source: claudeMDName})
		case "constraint":
			hints = append(hints, Hint{Type: HintConstraint, Content: item, Source: claudeMDName})
		}
	})
	return hints
}
