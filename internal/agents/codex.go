// codex.go implements the Agent interface for OpenAI Codex CLI.
package agents

// CodexAgent spawns Codex CLI for task execution.
type CodexAgent struct {
	cliAgent
}

// NewCodexAgent creates a Codex CLI agent.
func NewCodexAgent(opts ...Option) *CodexAgent {
	return &CodexAgent{cliAgent: newCLIAgent("codex", codexArgs, opts)}
}

// codexArgs runs codex in quiet, non-interactive mode.
func codexArgs(a *cliAgent, prompt string) []string {
	args := []string{"--quiet"}
	if a.skipPerms {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if prompt != "" {
		args = append(args, prompt)
	}
	return args
}
