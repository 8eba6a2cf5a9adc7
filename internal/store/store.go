// Package store owns the plan artifact on disk. It is the only writer of the
// plan file: every change goes through Persist, which applies one or more
// mutations and rewrites the whole file atomically.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcus/planrunner/internal/logging"
	"github.com/marcus/planrunner/internal/plan"
)

// Sentinel errors returned by mutations.
var (
	ErrEvidenceRequired    = errors.New("task cannot be complete without evidence")
	ErrUnknownTask         = errors.New("unknown task")
	ErrUnknownMilestone    = errors.New("unknown milestone")
	ErrNotEscalated        = errors.New("target is not escalated")
	ErrMilestoneIncomplete = errors.New("milestone has incomplete tasks")
)

// Store holds a loaded plan and serializes writes to its file.
type Store struct {
	mu     sync.Mutex
	path   string
	plan   *plan.Plan
	logger *logging.Logger
}

// Load reads and validates a plan file.
func Load(ref string) (*plan.Plan, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	p, err := plan.Decode(data)
	if err != nil {
		return nil, err
	}
	p.Ref = ref
	return p, nil
}

// Open loads a plan file into a Store.
func Open(ref string) (*Store, error) {
	p, err := Load(ref)
	if err != nil {
		return nil, err
	}
	return &Store{
		path:   ref,
		plan:   p,
		logger: logging.Component("store"),
	}, nil
}

// Resume opens a plan and returns every transient state to pending so an
// interrupted run can pick up from the artifact alone. Complete and escalated
// work is kept. The normalized plan is written back when anything changed.
func Resume(ref string) (*Store, error) {
	s, err := Open(ref)
	if err != nil {
		return nil, err
	}

	n := Normalize(s.plan)
	if n > 0 {
		s.logger.InfoCtx("normalized interrupted plan", map[string]any{"plan": ref, "reset": n})
		if err := s.write(s.plan); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Normalize resets transient task and milestone states to pending and
// returns how many were reset.
func Normalize(p *plan.Plan) int {
	n := 0
	for _, m := range p.Milestones {
		switch m.Status {
		case plan.MilestoneInProgress, plan.MilestoneReviewing:
			m.Status = plan.MilestonePending
			n++
		}
		for _, t := range m.Tasks {
			switch t.Status {
			case plan.TaskDispatched, plan.TaskAwaitingReview, plan.TaskBlocked:
				t.Status = plan.TaskPending
				t.BlockedReason = ""
				n++
			}
		}
	}
	return n
}

// Path returns the plan file path.
func (s *Store) Path() string {
	return s.path
}

// Plan returns the live plan. Callers read it but change it only through
// Persist.
func (s *Store) Plan() *plan.Plan {
	return s.plan
}

// Snapshot returns a deep copy of the plan.
func (s *Store) Snapshot() *plan.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.Clone()
}

// Persist applies mutations and writes the plan. The mutations are checked
// against a copy first; if any is rejected, or the write fails, neither the
// file nor the in-memory plan changes.
func (s *Store) Persist(mutations ...Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.plan.Clone()
	for _, m := range mutations {
		if err := m.Apply(next); err != nil {
			return fmt.Errorf("persist %s: %w", m, err)
		}
	}
	if err := plan.Validate(next); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if err := s.write(next); err != nil {
		return err
	}

	// Apply to the live plan so pointers held by callers stay current.
	for _, m := range mutations {
		if err := m.Apply(s.plan); err != nil {
			return fmt.Errorf("persist %s: %w", m, err)
		}
	}
	for _, m := range mutations {
		s.logger.DebugCtx("persisted", map[string]any{"mutation": m.String()})
	}
	return nil
}

// write encodes p and replaces the plan file: temp file in the same
// directory, fsync, rename, then fsync of the directory.
func (s *Store) write(p *plan.Plan) error {
	data, err := plan.Encode(p)
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.path, data)
}

// WriteFileAtomic replaces path with data so readers see either the old or
// the new content, never a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming plan file: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening plan dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing plan dir: %w", err)
	}
	return nil
}
