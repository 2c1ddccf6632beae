package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/pushwatch/internal/clock"
)

// ErrSkipped is recorded when a job was due but could not start.
var ErrSkipped = errors.New("scheduler: job skipped")

// Job is a named unit of periodic work. Exactly one of Every and Cron is set.
type Job struct {
	Name  string
	Every time.Duration
	Cron  *CronExpr
	// RunAtStart fires an interval job on the first tick instead of waiting
	// a full interval.
	RunAtStart bool
	// Lock, when set, must be acquired for the run; a run that finds it held
	// by another process is skipped.
	Lock *FileLock
	Run  func(ctx context.Context) error
}

// Config holds scheduler settings.
type Config struct {
	TickInterval time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{TickInterval: time.Second}
}

// JobStats is a snapshot of one job's history.
type JobStats struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	Skipped   int64     `json:"skipped"`
	Failures  int64     `json:"failures"`
	LastStart time.Time `json:"last_start,omitempty"`
	LastEnd   time.Time `json:"last_end,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

type jobState struct {
	job    *Job
	flight chan struct{}

	// guarded by Scheduler.mu
	next     time.Time
	lastCron time.Time
	stats    JobStats
}

// Scheduler dispatches registered jobs from a single ticking source.
type Scheduler struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup
}

// New creates a Scheduler. A nil clock uses wall time and a nil logger uses
// slog.Default().
func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		clock:  clock.OrReal(clk),
		logger: logger,
		jobs:   make(map[string]*jobState),
	}
}

// Register adds or replaces a job.
func (s *Scheduler) Register(job *Job) error {
	switch {
	case job == nil || job.Name == "":
		return errors.New("scheduler: job name is required")
	case job.Run == nil:
		return fmt.Errorf("scheduler: job %s has no Run func", job.Name)
	case (job.Every > 0) == (job.Cron != nil):
		return fmt.Errorf("scheduler: job %s needs exactly one of Every or Cron", job.Name)
	}

	st := &jobState{job: job, flight: make(chan struct{}, 1)}
	st.stats.Name = job.Name
	if job.Cron != nil {
		st.stats.Schedule = "cron " + job.Cron.String()
	} else {
		st.stats.Schedule = "every " + job.Every.String()
		if !job.RunAtStart {
			st.next = s.clock.Now().Add(job.Every)
		}
	}

	s.mu.Lock()
	s.jobs[job.Name] = st
	s.mu.Unlock()
	s.logger.Info("Scheduler job registered", "name", job.Name, "schedule", st.stats.Schedule)
	return nil
}

// Unregister removes a job. A run already in flight finishes normally.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Run ticks until ctx is cancelled, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", len(s.Stats()))
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx, s.clock.Now())
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("Scheduler stopped")
			return nil
		case now := <-ticker.C():
			s.tick(ctx, now)
		}
	}
}

// Trigger starts a job immediately, subject to the same single-flight guard.
// It reports whether the job started.
func (s *Scheduler) Trigger(ctx context.Context, name string) bool {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.dispatch(ctx, st, s.clock.Now())
}

// Wait blocks until every dispatched run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// tick dispatches every job due at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*jobState
	for _, st := range s.jobs {
		if st.job.Cron != nil {
			minute := now.Truncate(time.Minute)
			if st.job.Cron.Matches(now) && !minute.Equal(st.lastCron) {
				st.lastCron = minute
				due = append(due, st)
			}
			continue
		}
		if !now.Before(st.next) {
			st.next = now.Add(st.job.Every)
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	for _, st := range due {
		s.dispatch(ctx, st, now)
	}
}

// dispatch starts st in its own goroutine unless it is already running or
// its file lock is held elsewhere.
func (s *Scheduler) dispatch(ctx context.Context, st *jobState, now time.Time) bool {
	select {
	case st.flight <- struct{}{}:
	default:
		s.skip(st, "still running")
		return false
	}

	if st.job.Lock != nil {
		acquired, err := st.job.Lock.TryLock()
		if err != nil || !acquired {
			<-st.flight
			reason := "lock held by another process"
			if err != nil {
				reason = err.Error()
			}
			s.skip(st, reason)
			return false
		}
	}

	s.mu.Lock()
	st.stats.Running = true
	st.stats.LastStart = now
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-st.flight }()
		if st.job.Lock != nil {
			defer func() {
				if err := st.job.Lock.Unlock(); err != nil {
					s.logger.Warn("Scheduler lock release failed", "job", st.job.Name, "error", err)
				}
			}()
		}
		err := s.safeRun(ctx, st.job)
		s.finish(st, err)
	}()
	return true
}

func (s *Scheduler) safeRun(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

func (s *Scheduler) finish(st *jobState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.stats.Running = false
	st.stats.LastEnd = s.clock.Now()
	switch {
	case errors.Is(err, ErrSkipped):
		st.stats.Skipped++
		s.logger.Debug("Scheduler job declined to run", "job", st.job.Name)
	case err != nil:
		st.stats.Runs++
		st.stats.Failures++
		st.stats.LastError = err.Error()
		s.logger.Warn("Scheduler job failed", "job", st.job.Name, "error", err)
	default:
		st.stats.Runs++
		st.stats.LastError = ""
	}
}

func (s *Scheduler) skip(st *jobState, reason string) {
	s.mu.Lock()
	st.stats.Skipped++
	s.mu.Unlock()
	s.logger.Info("Scheduler job skipped", "job", st.job.Name, "reason", reason)
}

// Stats returns per-job snapshots sorted by name.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, st := range s.jobs {
		js := st.stats
		if st.job.Cron != nil {
			js.NextRun = st.job.Cron.Next(s.clock.Now())
		} else {
			js.NextRun = st.next
		}
		out = append(out, js)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
