// Package scheduler runs jobs on a cron expression or a fixed interval,
// optionally limited to a time of day window. The daemon command uses it to
// resume a plan until the plan completes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/planrunner/internal/config"
	"github.com/marcus/planrunner/internal/logging"
)

var (
	ErrNoSchedule     = errors.New("no cron expression or interval configured")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// TimeOfDay is an hour and minute on a 24 hour clock.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM". A single digit hour is accepted.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Window is a daily time range. End is exclusive; End before Start wraps
// past midnight.
type Window struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
}

// Contains reports whether t falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	now := t.Hour()*60 + t.Minute()
	start, end := w.Start.Minutes(), w.End.Minutes()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// Scheduler runs its jobs on every tick.
type Scheduler struct {
	mu       sync.Mutex
	cronExpr string
	schedule cron.Schedule
	interval time.Duration
	window   *Window
	jobs     []Job
	logger   *logging.Logger

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time
}

// New creates a scheduler with no schedule.
func New() *Scheduler {
	return &Scheduler{logger: logging.Component("scheduler")}
}

// NewFromConfig creates a scheduler from the schedule section of the config.
func NewFromConfig(cfg *config.ScheduleConfig) (*Scheduler, error) {
	if cfg == nil || (cfg.Cron == "" && cfg.Interval == "") {
		return nil, ErrNoSchedule
	}
	s := New()
	if cfg.Cron != "" {
		if err := s.SetCron(cfg.Cron); err != nil {
			return nil, err
		}
	} else {
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("parsing interval %q: %w", cfg.Interval, err)
		}
		if err := s.SetInterval(d); err != nil {
			return nil, err
		}
	}
	if cfg.Window != nil {
		if err := s.SetWindow(cfg.Window); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetCron schedules runs with a standard five field cron expression.
func (s *Scheduler) SetCron(expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronExpr = expr
	s.schedule = sched
	s.interval = 0
	return nil
}

// SetInterval schedules runs every d.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("interval must be positive, got %v", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	s.cronExpr = ""
	s.schedule = nil
	return nil
}

// SetWindow limits runs to a daily window. Ticks outside it are skipped.
func (s *Scheduler) SetWindow(cfg *config.WindowConfig) error {
	start, err := ParseTimeOfDay(cfg.Start)
	if err != nil {
		return fmt.Errorf("window start: %w", err)
	}
	end, err := ParseTimeOfDay(cfg.End)
	if err != nil {
		return fmt.Errorf("window end: %w", err)
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("window timezone: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = &Window{Start: start, End: end, Location: loc}
	return nil
}

// AddJob registers a job. Jobs run in order on each tick.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// IsInWindow reports whether t is inside the configured window. With no
// window every time is.
func (s *Scheduler) IsInWindow(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window == nil || s.window.Contains(t)
}

// IsRunning reports whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns when the next tick is due, or zero when not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Start begins the scheduler loop. It stops when ctx is cancelled or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.schedule == nil && s.interval <= 0 {
		return ErrNoSchedule
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.nextRun = s.next(time.Now())

	s.logger.InfoCtx("scheduler started", map[string]any{
		"cron":     s.cronExpr,
		"interval": s.interval.String(),
		"next_run": s.nextRun.Format(time.RFC3339),
	})

	go s.loop(ctx, done)
	return nil
}

// Stop ends the loop and waits for a running job to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	done := s.done
	s.cancel()
	s.running = false
	s.nextRun = time.Time{}
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
	return nil
}

// next must be called with mu held.
func (s *Scheduler) next(from time.Time) time.Time {
	if s.schedule != nil {
		return s.schedule.Next(from)
	}
	return from.Add(s.interval)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.running = false
			s.nextRun = time.Time{}
		}
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		wait := time.Until(s.nextRun)
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			s.tick(ctx, now)
			s.mu.Lock()
			s.nextRun = s.next(time.Now())
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.IsInWindow(now) {
		s.logger.DebugCtx("outside run window, skipping", map[string]any{"time": now.Format(time.RFC3339)})
		return
	}

	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for i, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job(ctx); err != nil {
			s.logger.ErrorCtx("scheduled job failed", map[string]any{"job": i, "error": err.Error()})
		}
	}
}
