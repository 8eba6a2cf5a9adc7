package agents

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestNewClaudeAgent_Defaults(t *testing.T) {
	agent := NewClaudeAgent()

	if agent.binaryPath != "claude" {
		t.Errorf("binaryPath = %q, want %q", agent.binaryPath, "claude")
	}
	if agent.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", agent.timeout, DefaultTimeout)
	}
	if agent.runner == nil {
		t.Error("expected non-nil runner")
	}
	if !agent.skipPerms {
		t.Error("expected skipPerms to default to true")
	}
	if agent.Name() != "claude" {
		t.Errorf("Name() = %q, want %q", agent.Name(), "claude")
	}
}

func TestNewClaudeAgent_WithOptions(t *testing.T) {
	mockRunner := &MockRunner{}
	agent := NewClaudeAgent(
		WithBinaryPath("/custom/claude"),
		WithDefaultTimeout(5*time.Minute),
		WithRunner(mockRunner),
	)

	if agent.binaryPath != "/custom/claude" {
		t.Errorf("binaryPath = %q, want %q", agent.binaryPath, "/custom/claude")
	}
	if agent.timeout != 5*time.Minute {
		t.Errorf("timeout = %v, want %v", agent.timeout, 5*time.Minute)
	}
	if agent.runner != mockRunner {
		t.Error("expected custom runner")
	}
}

func TestClaudeArgs(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want []string
	}{
		{"defaults", nil, []string{"--print", "--dangerously-skip-permissions", "fix the bug"}},
		{"no skip", []Option{WithSkipPermissions(false)}, []string{"--print", "fix the bug"}},
		{"model", []Option{WithModel("opus")}, []string{"--print", "--dangerously-skip-permissions", "--model", "opus", "fix the bug"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockRunner{Stdout: "done"}
			agent := NewClaudeAgent(append(tt.opts, WithRunner(mock))...)
			if _, err := agent.Execute(context.Background(), ExecuteOptions{Prompt: "fix the bug"}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(mock.CapturedArgs, tt.want) {
				t.Errorf("args = %v, want %v", mock.CapturedArgs, tt.want)
			}
		})
	}
}

func TestClaudeAgent_Execute_Success(t *testing.T) {
	mock := &MockRunner{Stdout: "Task completed successfully"}
	agent := NewClaudeAgent(WithRunner(mock))

	result, err := agent.Execute(context.Background(), ExecuteOptions{
		Prompt:  "fix the bug",
		WorkDir: "/project",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsSuccess() {
		t.Error("expected IsSuccess() to be true")
	}
	if result.Output != "Task completed successfully" {
		t.Errorf("Output = %q, want %q", result.Output, "Task completed successfully")
	}
	if result.JSON != nil {
		t.Errorf("JSON = %s, want nil", result.JSON)
	}
	if mock.CapturedName != "claude" {
		t.Errorf("binary = %q, want %q", mock.CapturedName, "claude")
	}
	if mock.CapturedDir != "/project" {
		t.Errorf("dir = %q, want %q", mock.CapturedDir, "/project")
	}
}

func TestClaudeAgent_Execute_JSONOutput(t *testing.T) {
	mock := &MockRunner{Stdout: "Review done.\n{\"issues\":[{\"severity\":\"major\"}]}\n"}
	agent := NewClaudeAgent(WithRunner(mock))

	result, err := agent.Execute(context.Background(), ExecuteOptions{Prompt: "review"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.JSON) != `{"issues":[{"severity":"major"}]}` {
		t.Errorf("JSON = %s", result.JSON)
	}
}

func TestClaudeAgent_ImplementsAgentInterface(t *testing.T) {
	var _ Agent = (*ClaudeAgent)(nil)
}
