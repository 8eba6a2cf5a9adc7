// claude.go implements the Agent interface for Claude Code CLI.
package agents

// ClaudeAgent spawns Claude Code CLI for task execution.
type ClaudeAgent struct {
	cliAgent
}

// NewClaudeAgent creates a Claude Code agent.
func NewClaudeAgent(opts ...Option) *ClaudeAgent {
	return &ClaudeAgent{cliAgent: newCLIAgent("claude", claudeArgs, opts)}
}

// claudeArgs runs claude --print with the prompt as the final argument.
func claudeArgs(a *cliAgent, prompt string) []string {
	args := []string{"--print"}
	if a.skipPerms {
		args = append(args, "--dangerously-skip-permissions")
	}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if prompt != "" {
		args = append(args, prompt)
	}
	return args
}
