package orchestrator

import (
	"time"

	"github.com/marcus/planrunner/internal/escalation"
	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/plan"
)

// EventType classifies orchestrator lifecycle events.
type EventType int

const (
	EventRunStart       EventType = iota // run begins
	EventMilestoneStart                  // milestone work begins
	EventTaskStart                       // task is about to be dispatched
	EventCycle                           // a review cycle was recorded
	EventFix                             // a fix attempt was recorded
	EventEscalation                      // a target was escalated
	EventDecision                        // a human decision was applied
	EventTaskEnd                         // task reached a resting state
	EventMilestoneEnd                    // milestone reached a resting state
	EventLog                             // internal log message
	EventRunEnd                          // run finished
)

// Event carries data about an orchestrator lifecycle event.
type Event struct {
	Type     EventType
	Time     time.Time
	Target   ledger.Target
	Title    string
	Cycle    int
	Issues   []ledger.Issue
	Clean    bool
	Fix      *ledger.Fix
	Report   *escalation.Report
	Decision plan.Decision
	Status   string         // resting status for end events
	Message  string         // human-readable message
	Level    string         // "info", "warn", "error"
	Fields   map[string]any // structured fields
	Duration time.Duration  // for end events: elapsed time
	Error    string
}

// EventHandler is a callback that receives orchestrator events.
type EventHandler func(Event)
