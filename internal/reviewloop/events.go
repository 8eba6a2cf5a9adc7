package reviewloop

import (
	"time"

	"github.com/marcus/planrunner/internal/escalation"
	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/plan"
)

// EventType classifies loop events.
type EventType int

const (
	EventDispatched EventType = iota // worker returned a result
	EventCycle                       // a review cycle was recorded
	EventFix                         // a fix attempt was recorded
	EventEscalated                   // the gate fired
)

// Event carries data about a loop transition.
type Event struct {
	Type     EventType
	Time     time.Time
	Target   ledger.Target
	State    State
	Cycle    int
	Issues   []ledger.Issue
	Evidence *plan.Evidence
	Clean    bool
	Fix      *ledger.Fix
	Result   *Result
	Report   *escalation.Report
}

// EventHandler receives loop events.
type EventHandler func(Event)
