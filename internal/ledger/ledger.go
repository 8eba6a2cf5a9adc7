package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus/planrunner/internal/plan"
)

// Cycle is one recorded review of a target.
type Cycle struct {
	Number   int
	Issues   []Issue
	Evidence *plan.Evidence
	Fixes    []Fix
	At       time.Time
}

// Fix is one fixer invocation made in response to a cycle's issues.
type Fix struct {
	Cycle    int
	Issues   int
	Summary  string
	CommitID string
	Error    string
}

// Persisting is an open fingerprint with its consecutive-cycle count.
type Persisting struct {
	Fingerprint string
	Issue       Issue
	Count       int
	FirstSeen   int
}

type history struct {
	cycles     []Cycle
	open       map[string]*Persisting
	resetAfter int // cycle number at the last human override
}

// Ledger stores review history per target.
type Ledger struct {
	mu      sync.RWMutex
	targets map[Target]*history
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{targets: make(map[Target]*history)}
}

func (l *Ledger) get(target Target) *history {
	h, ok := l.targets[target]
	if !ok {
		h = &history{open: make(map[string]*Persisting)}
		l.targets[target] = h
	}
	return h
}

// Record folds a review cycle into the target's history. cycle must be the
// next number after the last recorded cycle. A fingerprint's count grows
// only while it keeps appearing in consecutive cycles; fingerprints missing
// from this cycle leave the active set.
func (l *Ledger) Record(target Target, cycle int, issues []Issue, evidence *plan.Evidence) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.get(target)
	if want := len(h.cycles) + 1; cycle != want {
		return fmt.Errorf("ledger: %s: cycle %d out of sequence, want %d", target, cycle, want)
	}

	open := make(map[string]*Persisting, len(issues))
	recorded := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		fp := issue.Fingerprint()
		if _, dup := open[fp]; dup {
			continue
		}
		recorded = append(recorded, issue)
		p := &Persisting{Fingerprint: fp, Issue: issue, Count: 1, FirstSeen: cycle}
		if prev, ok := h.open[fp]; ok {
			p.Count = prev.Count + 1
			p.FirstSeen = prev.FirstSeen
		}
		open[fp] = p
	}
	h.open = open
	h.cycles = append(h.cycles, Cycle{
		Number:   cycle,
		Issues:   recorded,
		Evidence: evidence.Clone(),
		At:       time.Now(),
	})
	return nil
}

// RecordFix attaches a fix attempt to the most recent cycle. A successful
// fix marks that cycle's issues as fix-applied.
func (l *Ledger) RecordFix(target Target, fix Fix) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.targets[target]
	if !ok || len(h.cycles) == 0 {
		return fmt.Errorf("ledger: %s: fix recorded before any review", target)
	}
	last := &h.cycles[len(h.cycles)-1]
	fix.Cycle = last.Number
	last.Fixes = append(last.Fixes, fix)
	if fix.Error == "" {
		for i := range last.Issues {
			last.Issues[i].FixApplied = true
		}
	}
	return nil
}

// IsClean is true iff the most recent cycle reported zero issues of any
// severity. A target with no cycles is not clean.
func (l *Ledger) IsClean(target Target) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.targets[target]
	if !ok || len(h.cycles) == 0 {
		return false
	}
	return len(h.cycles[len(h.cycles)-1].Issues) == 0
}

// PersistingIssues returns open fingerprints with their consecutive counts,
// most severe first, then by first appearance.
func (l *Ledger) PersistingIssues(target Target) []Persisting {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.targets[target]
	if !ok {
		return nil
	}
	out := make([]Persisting, 0, len(h.open))
	for _, p := range h.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(a, b int) bool {
		wa, wb := out[a].Issue.Severity.Weight(), out[b].Issue.Severity.Weight()
		if wa != wb {
			return wa > wb
		}
		if out[a].FirstSeen != out[b].FirstSeen {
			return out[a].FirstSeen < out[b].FirstSeen
		}
		return out[a].Fingerprint < out[b].Fingerprint
	})
	return out
}

// MaxCount returns the highest consecutive count among open fingerprints.
func (l *Ledger) MaxCount(target Target) int {
	highest := 0
	for _, p := range l.PersistingIssues(target) {
		if p.Count > highest {
			highest = p.Count
		}
	}
	return highest
}

// Cycles returns the number of recorded cycles.
func (l *Ledger) Cycles(target Target) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if h, ok := l.targets[target]; ok {
		return len(h.cycles)
	}
	return 0
}

// CyclesSinceReset returns the cycles recorded after the last override.
func (l *Ledger) CyclesSinceReset(target Target) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if h, ok := l.targets[target]; ok {
		return len(h.cycles) - h.resetAfter
	}
	return 0
}

// Latest returns the most recent cycle.
func (l *Ledger) Latest(target Target) (Cycle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.targets[target]
	if !ok || len(h.cycles) == 0 {
		return Cycle{}, false
	}
	return copyCycle(h.cycles[len(h.cycles)-1]), true
}

// History returns a copy of every recorded cycle, oldest first.
func (l *Ledger) History(target Target) []Cycle {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.targets[target]
	if !ok {
		return nil
	}
	out := make([]Cycle, len(h.cycles))
	for i, c := range h.cycles {
		out[i] = copyCycle(c)
	}
	return out
}

// ResetCounts zeroes every persistence count after a human override. History
// is kept so later reports still show earlier attempts.
func (l *Ledger) ResetCounts(target Target) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.targets[target]
	if !ok {
		return
	}
	for _, p := range h.open {
		p.Count = 0
	}
	h.resetAfter = len(h.cycles)
}

// Clear drops the target's history once it reaches a terminal state.
func (l *Ledger) Clear(target Target) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.targets, target)
}

func copyCycle(c Cycle) Cycle {
	c.Issues = append([]Issue(nil), c.Issues...)
	c.Fixes = append([]Fix(nil), c.Fixes...)
	c.Evidence = c.Evidence.Clone()
	return c
}
