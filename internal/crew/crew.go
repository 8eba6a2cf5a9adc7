// Package crew backs the review loop's Worker, Reviewer and Fixer with CLI
// coding agents. Each role sends a prompt that asks for a JSON reply and
// maps that reply onto the review loop's types.
package crew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/marcus/planrunner/internal/agents"
	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/logging"
	"github.com/marcus/planrunner/internal/plan"
	"github.com/marcus/planrunner/internal/reviewloop"
)

// ErrNoAgent is returned when a role is built without an agent.
var ErrNoAgent = errors.New("no agent configured")

// UnparsedReviewDescription is the issue reported when a reviewer reply
// carries no usable JSON.
const UnparsedReviewDescription = "review output could not be parsed"

// maxSummary bounds the free-text summary kept from an agent reply.
const maxSummary = 2000

type options struct {
	workDir    string
	timeout    time.Duration
	guidelines string
	logger     *logging.Logger
}

// Option configures a crew role.
type Option func(*options)

// WithWorkDir sets the directory the agent runs in.
func WithWorkDir(dir string) Option {
	return func(o *options) {
		o.workDir = dir
	}
}

// WithTimeout sets a per-call timeout. Zero uses the agent default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithGuidelines adds project guidelines to every prompt.
func WithGuidelines(text string) Option {
	return func(o *options) {
		o.guidelines = text
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: logging.Component("crew")}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// run executes prompt and returns the agent's structured reply, if any.
func run(ctx context.Context, agent agents.Agent, o options, role, prompt string) (*agents.ExecuteResult, error) {
	if agent == nil {
		return nil, ErrNoAgent
	}
	res, err := agent.Execute(ctx, agents.ExecuteOptions{
		Prompt:  prompt,
		WorkDir: o.workDir,
		Timeout: o.timeout,
	})
	if err != nil {
		msg := err.Error()
		if res != nil && res.Error != "" {
			msg = strings.TrimSpace(res.Error)
		}
		o.logger.WarnCtx("agent failed", map[string]any{
			"role":  role,
			"agent": agent.Name(),
			"error": msg,
		})
		return res, fmt.Errorf("%s agent %s: %w", role, agent.Name(), err)
	}
	o.logger.DebugCtx("agent finished", map[string]any{
		"role":     role,
		"agent":    agent.Name(),
		"duration": res.Duration.String(),
		"json":     res.JSON != nil,
	})
	return res, nil
}

// Worker implements plan tasks with an agent.
type Worker struct {
	agent agents.Agent
	opts  options
}

// NewWorker creates a Worker backed by agent.
func NewWorker(agent agents.Agent, opts ...Option) *Worker {
	return &Worker{agent: agent, opts: buildOptions(opts)}
}

type workerReply struct {
	Status        string         `json:"status"`
	Summary       string         `json:"summary"`
	CommitID      string         `json:"commit_id"`
	BlockedReason string         `json:"blocked_reason"`
	Evidence      *plan.Evidence `json:"evidence"`
}

// Implement asks the agent to implement task. A reply with status "blocked"
// becomes a *reviewloop.TaskBlockedError.
func (w *Worker) Implement(ctx context.Context, task reviewloop.TaskSpec) (*reviewloop.Result, error) {
	res, err := run(ctx, w.agent, w.opts, "worker", buildImplementPrompt(task, w.opts.guidelines))
	if err != nil {
		return nil, err
	}

	var reply workerReply
	if res.JSON == nil || json.Unmarshal(res.JSON, &reply) != nil {
		w.opts.logger.WarnCtx("worker reply had no JSON", map[string]any{"task": task.ID.String()})
		return &reviewloop.Result{Summary: truncate(res.Output)}, nil
	}

	if strings.EqualFold(reply.Status, "blocked") {
		reason := strings.TrimSpace(reply.BlockedReason)
		if reason == "" {
			reason = "worker reported the task as blocked"
		}
		return nil, &reviewloop.TaskBlockedError{Task: task.ID, Reason: reason}
	}

	evidence := reply.Evidence
	if evidence == nil && reply.Summary != "" {
		evidence = &plan.Evidence{Summary: reply.Summary}
	}
	return &reviewloop.Result{
		Summary:  truncate(reply.Summary),
		CommitID: strings.TrimSpace(reply.CommitID),
		Evidence: evidence,
	}, nil
}

// Reviewer reviews tasks and milestones with an agent.
type Reviewer struct {
	agent agents.Agent
	opts  options
}

// NewReviewer creates a Reviewer backed by agent.
func NewReviewer(agent agents.Agent, opts ...Option) *Reviewer {
	return &Reviewer{agent: agent, opts: buildOptions(opts)}
}

type reviewReply struct {
	Issues []struct {
		Severity    string `json:"severity"`
		Location    string `json:"location"`
		Description string `json:"description"`
		Detail      string `json:"detail"`
	} `json:"issues"`
	Evidence *plan.Evidence `json:"evidence"`
}

// Review asks the agent to review target. A reply without an issues array
// is reported as a single critical issue; an empty array means clean.
func (r *Reviewer) Review(ctx context.Context, target reviewloop.TargetSpec, evidence *plan.Evidence) (*reviewloop.Review, error) {
	res, err := run(ctx, r.agent, r.opts, "reviewer", buildReviewPrompt(target, evidence, r.opts.guidelines))
	if err != nil {
		return nil, err
	}

	var reply reviewReply
	if res.JSON == nil || json.Unmarshal(res.JSON, &reply) != nil || reply.Issues == nil {
		r.opts.logger.WarnCtx("reviewer reply unparsed", map[string]any{"target": target.Target.String()})
		return &reviewloop.Review{Issues: []ledger.Issue{{
			Severity:    ledger.SeverityCritical,
			Location:    "review",
			Description: UnparsedReviewDescription,
			Detail:      truncate(res.Output),
		}}}, nil
	}

	issues := make([]ledger.Issue, 0, len(reply.Issues))
	for _, i := range reply.Issues {
		loc := strings.TrimSpace(i.Location)
		desc := strings.TrimSpace(i.Description)
		if desc == "" {
			desc = blankDescription(loc)
		}
		issues = append(issues, ledger.Issue{
			Severity:    ledger.ParseSeverity(i.Severity),
			Location:    loc,
			Description: desc,
			Detail:      i.Detail,
		})
	}
	return &reviewloop.Review{Issues: issues, Evidence: reply.Evidence}, nil
}

// Fixer addresses review issues with an agent.
type Fixer struct {
	agent agents.Agent
	opts  options
}

// NewFixer creates a Fixer backed by agent.
func NewFixer(agent agents.Agent, opts ...Option) *Fixer {
	return &Fixer{agent: agent, opts: buildOptions(opts)}
}

type fixReply struct {
	Summary  string         `json:"summary"`
	CommitID string         `json:"commit_id"`
	Evidence *plan.Evidence `json:"evidence"`
}

// Fix asks the agent to address issues on target.
func (f *Fixer) Fix(ctx context.Context, target reviewloop.TargetSpec, issues []ledger.Issue) (*reviewloop.Result, error) {
	res, err := run(ctx, f.agent, f.opts, "fixer", buildFixPrompt(target, issues, f.opts.guidelines))
	if err != nil {
		return nil, err
	}

	var reply fixReply
	if res.JSON == nil || json.Unmarshal(res.JSON, &reply) != nil {
		return &reviewloop.Result{Summary: truncate(res.Output)}, nil
	}
	return &reviewloop.Result{
		Summary:  truncate(reply.Summary),
		CommitID: strings.TrimSpace(reply.CommitID),
		Evidence: reply.Evidence,
	}, nil
}

// blankDescription stands in for an issue the reviewer reported without
// describing it. The issue still counts against a clean review.
func blankDescription(location string) string {
	if location == "" {
		return "issue reported without a description"
	}
	return "issue reported at " + location + " without a description"
}

// truncate clips s to maxSummary bytes on a rune boundary.
func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSummary {
		return s
	}
	cut := maxSummary
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
