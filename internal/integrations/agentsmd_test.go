package integrations

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestAgentsMDReader_Name(t *testing.T) {
	r := &AgentsMDReader{}
	if r.Name() != "agents.md" {
		t.Errorf("Name() = %q, want %q", r.Name(), "agents.md")
	}
}

func TestAgentsMDReader_Read_NoFile(t *testing.T) {
	r := &AgentsMDReader{enabled: true}
	result, err := r.Read(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if result != nil {
		t.Error("expected nil result for missing file")
	}
}

func TestAgentsMDReader_Read_Success(t *testing.T) {
	dir := t.TempDir()
	content := `# Agents

## Forbidden
- Force pushing
`
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r := &AgentsMDReader{enabled: true}
	result, err := r.Read(context.Background(), dir)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if len(result.Hints) != 1 || result.Hints[0].Content != "Never: Force pushing" {
		t.Errorf("Hints = %+v", result.Hints)
	}
}

func TestParseAgentsMD(t *testing.T) {
	content := `# Agent rules

- Be concise

## Allowed Actions
- Run tests

## Never do
- Delete migrations

## Tool restrictions
- No network access

## Safety
- Keep secrets out of logs

## Style
- gofmt everything
`
	hints := parseAgentsMD(content)

	want := []Hint{
		{Type: HintContext, Content: "Be concise", Source: "agents.md"},
		{Type: HintContext, Content: "Allowed: Run tests", Source: "agents.md"},
		{Type: HintConstraint, Content: "Never: Delete migrations", Source: "agents.md"},
		{Type: HintConstraint, Content: "Tool restriction: No network access", Source: "agents.md"},
		{Type: HintConstraint, Content: "Keep secrets out of logs", Source: "agents.md"},
		{Type: HintConvention, Content: "gofmt everything", Source: "agents.md"},
	}
	if len(hints) != len(want) {
		t.Fatalf("len(hints) = %d, want %d: %+v", len(hints), len(want), hints)
	}
	for i := range want {
		if hints[i] != want[i] {
			t.Errorf("hints[%d] = %+v, want %+v", i, hints[i], want[i])
		}
	}
}
