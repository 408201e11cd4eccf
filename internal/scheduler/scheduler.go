package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Evothesis/server-infrastructure/common/logging"
)

// ErrBusy is returned when a pass for the same stage is already running in
// this process.
var ErrBusy = errors.New("pass already running")

// Guard keeps at most one pass per stage running in this process. Scheduled,
// event-driven and manual passes share one Guard.
type Guard struct {
	mu      sync.Mutex
	running map[string]bool
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{running: make(map[string]bool)}
}

// TryRun runs fn unless stage is already running, in which case it returns
// ErrBusy without calling fn.
func (g *Guard) TryRun(stage string, fn func()) error {
	g.mu.Lock()
	if g.running[stage] {
		g.mu.Unlock()
		return ErrBusy
	}
	g.running[stage] = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.running, stage)
		g.mu.Unlock()
	}()
	fn()
	return nil
}

// Running reports whether stage has a pass in flight.
func (g *Guard) Running(stage string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[stage]
}

// Job is one periodic pass. A zero Interval disables it.
type Job struct {
	Stage    string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler runs each enabled job immediately and then on its interval.
type Scheduler struct {
	mu       sync.Mutex
	jobs     []Job
	guard    *Guard
	logger   *logging.Logger
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	runs     map[string]int64
	busySkip map[string]int64
}

// New creates a scheduler. A nil guard gets a private one.
func New(jobs []Job, guard *Guard, logger *logging.Logger) *Scheduler {
	if guard == nil {
		guard = NewGuard()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		jobs:     jobs,
		guard:    guard,
		logger:   logger.With(logging.Service("scheduler")),
		runs:     make(map[string]int64),
		busySkip: make(map[string]int64),
	}
}

// Start launches one loop per enabled job. The loops exit when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			s.logger.Info("periodic pass disabled", logging.Stage(job.Stage))
			continue
		}
		s.logger.Info("periodic pass scheduled", logging.Stage(job.Stage), "interval", job.Interval.String())
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	return nil
}

// Stop cancels every loop and waits for in-flight passes to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	// Run immediately on startup to drain any backlog.
	s.tick(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	err := s.guard.TryRun(job.Stage, func() { job.Run(ctx) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(err, ErrBusy) {
		s.busySkip[job.Stage]++
		s.logger.Debug("previous pass still running, skipping tick", logging.Stage(job.Stage))
		return
	}
	s.runs[job.Stage]++
}

// Stats reports how many ticks ran and how many were skipped as busy, per
// stage.
func (s *Scheduler) Stats() (runs, skipped map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs = make(map[string]int64, len(s.runs))
	skipped = make(map[string]int64, len(s.busySkip))
	for k, v := range s.runs {
		runs[k] = v
	}
	for k, v := range s.busySkip {
		skipped[k] = v
	}
	return runs, skipped
}
