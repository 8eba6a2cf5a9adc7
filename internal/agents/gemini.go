// gemini.go implements the Agent interface for Google Gemini CLI.
package agents

import "encoding/json"

// GeminiAgent spawns Gemini CLI for task execution.
type GeminiAgent struct {
	cliAgent
}

// NewGeminiAgent creates a Gemini CLI agent.
func NewGeminiAgent(opts ...Option) *GeminiAgent {
	a := &GeminiAgent{cliAgent: newCLIAgent("gemini", geminiArgs, opts)}
	a.parse = parseGeminiOutput
	return a
}

// geminiArgs runs gemini headless. The prompt must immediately follow -p.
func geminiArgs(a *cliAgent, prompt string) []string {
	var args []string
	if prompt != "" {
		args = append(args, "-p", prompt)
	}
	if a.model != "" {
		args = append(args, "-m", a.model)
	}
	if a.skipPerms {
		args = append(args, "-y")
	}
	return append(args, "--output-format", "json")
}

// geminiEnvelope is the wrapper gemini puts around its reply in JSON mode.
type geminiEnvelope struct {
	Response string `json:"response"`
}

// parseGeminiOutput unwraps the JSON envelope so callers see the reply text
// and any JSON inside it.
func parseGeminiOutput(stdout []byte) (string, []byte) {
	var env geminiEnvelope
	if err := json.Unmarshal(stdout, &env); err != nil || env.Response == "" {
		return string(stdout), ExtractJSON(stdout)
	}
	return env.Response, ExtractJSON([]byte(env.Response))
}
