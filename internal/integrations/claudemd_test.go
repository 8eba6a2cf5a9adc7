package integrations

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestClaudeMDReader_Name(t *testing.T) {
	r := &ClaudeMDReader{}
	if r.Name() != "claude.md" {
		t.Errorf("Name() = %q, want %q", r.Name(), "claude.md")
	}
}

func TestClaudeMDReader_Enabled(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
	}{
		{"enabled", true},
		{"disabled", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ClaudeMDReader{enabled: tt.enabled}
			if r.Enabled() != tt.enabled {
				t.Errorf("Enabled() = %v, want %v", r.Enabled(), tt.enabled)
			}
		})
	}
}

func TestClaudeMDReader_Read_NoFile(t *testing.T) {
	r := &ClaudeMDReader{enabled: true}
	result, err := r.Read(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if result != nil {
		t.Error("expected nil result for missing file")
	}
}

func TestClaudeMDReader_Read_Success(t *testing.T) {
	dir := t.TempDir()
	content := `# Shop service

Checkout and cart APIs.

## Conventions
- Use table-driven tests
- Wrap errors with context

## Constraints
- Do not change the public API
`
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r := &ClaudeMDReader{enabled: true}
	result, err := r.Read(context.Background(), dir)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result.Context != content {
		t.Error("expected full file content as context")
	}
	if filepath.Base(result.SourceFile) != "CLAUDE.md" {
		t.Errorf("SourceFile = %q, want CLAUDE.md", result.SourceFile)
	}
	if len(result.Hints) != 3 {
		t.Errorf("len(Hints) = %d, want 3", len(result.Hints))
	}
}

func TestClaudeMDReader_Read_LowercaseName(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "claude.md"), []byte("# Test"), 0644); err != nil {
		t.Fatal(err)
	}

	r := &ClaudeMDReader{enabled: true}
	result, err := r.Read(context.Background(), dir)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if result == nil {
		t.Error("expected to find claude.md")
	}
}

func TestParseClaudeMD(t *testing.T) {
	content := `# Project

## Coding Style
- Use 4 spaces for indentation
- Prefer explicit error handling

## Background
- Started in 2019

## Constraints
- Do not modify public APIs
`
	hints := parseClaudeMD(content)

	var conventions, constraints int
	for _, h := range hints {
		switch h.Type {
		case HintConvention:
			conventions++
		case HintConstraint:
			constraints++
		default:
			t.Errorf("unexpected hint %v: %q", h.Type, h.Content)
		}
		if h.Source != "claude.md" {
			t.Errorf("Source = %q, want claude.md", h.Source)
		}
	}
	if conventions != 2 {
		t.Errorf("conventions = %d, want 2", conventions)
	}
	if constraints != 1 {
		t.Errorf("constraints = %d, want 1", constraints)
	}
}
