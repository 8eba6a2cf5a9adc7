package integrations

import (
	"context"
)

const agentsMDName = "agents.md"

// AgentsMDReader reads AGENTS.md agent behavior rules.
type AgentsMDReader struct {
	enabled bool
}

func (r *AgentsMDReader) Name() string {
	return agentsMDName
}

func (r *AgentsMDReader) Enabled() bool {
	return r.enabled
}

// Read looks for AGENTS.md in dir and extracts behavior rules.
func (r *AgentsMDReader) Read(ctx context.Context, dir string) (*Result, error) {
	path, content, err := findFile(dir, []string{"AGENTS.md", "agents.md", ".agents.md"})
	if err != nil || content == nil {
		return nil, err
	}
	return &Result{
		SourceFile: path,
		Context:    string(content),
		Hints:      parseAgentsMD(string(content)),
	}, nil
}

var agentsMDRules = []sectionRule{
	{"forbidden", "forbidden"},
	{"prohibited", "forbidden"},
	{"never", "forbidden"},
	{"don't", "forbidden"},
	{"allow", "allowed"},
	{"permitted", "allowed"},
	{"tool", "tools"},
	{"restrict", "tools"},
	{"safety", "safety"},
	{"constraint", "safety"},
	{"convention", "convention"},
	{"style", "convention"},
}

// parseAgentsMD turns bullets into hints according to their section.
func parseAgentsMD(content string) []Hint {
	var hints []Hint
	add := func(t HintType, text string) {
		hints = append(hints, Hint{Type: t, Content: text, Source: agentsMDName})
	}
	scanSections(content, agentsMDRules, func(section, item string) {
		switch section {
		case "forbidden":
			add(HintConstraint, "Never: "+item)
		case "tools":
			add(HintConstraint, "Tool restriction: "+item)
		case "safety":
			add(HintConstraint, item)
		case "allowed":
			add(HintContext, "Allowed: "+item)
		case "convention":
			add(HintConvention, item)
		default:
			add(HintContext, item)
		}
	})
	return hints
}
