// Package scheduler fires fetch cycles on an interval or cron expression.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/fetcher"
)

// Runner runs one fetch cycle.
type Runner interface {
	RunCycle(ctx context.Context) (fetcher.CycleResult, error)
}

// Config selects the schedule. Cron, when set, overrides Interval.
type Config struct {
	Interval   time.Duration
	Cron       string
	RunOnStart bool
}

// Scheduler triggers Runner on a schedule. Cycles never overlap: a tick that arrives while a
// cycle is running is skipped, and Trigger waits for the running cycle to finish.
type Scheduler struct {
	cron   *gocron.Scheduler
	runner Runner
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex // serializes cycles
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler in UTC.
func New(runner Runner, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		cron:   s,
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
}

// Start schedules the fetch job and starts the scheduler. Jobs run with a context derived
// from ctx; cancelling ctx or calling Stop aborts a running cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	var (
		job *gocron.Job
		err error
	)
	if s.cfg.Cron != "" {
		job, err = s.cron.Cron(s.cfg.Cron).Do(s.tick)
	} else {
		sched := s.cron.Every(s.cfg.Interval)
		if !s.cfg.RunOnStart {
			sched = sched.WaitForSchedule()
		}
		job, err = sched.Do(s.tick)
	}
	if err != nil {
		s.cancel()
		return fmt.Errorf("schedule fetch job: %w", err)
	}

	s.cron.StartAsync()
	if s.cfg.Cron != "" && s.cfg.RunOnStart {
		// Cron jobs wait for their first match; run the initial cycle ourselves.
		go s.tick()
	}

	s.logger.Info("Fetch scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("cron", s.cfg.Cron),
		zap.Bool("run_on_start", s.cfg.RunOnStart),
		zap.Time("next_run", job.NextRun()),
	)
	return nil
}

// Stop stops future ticks and cancels a running cycle.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.cron.Stop()
}

// Trigger runs one cycle now, waiting for any running cycle first.
func (s *Scheduler) Trigger(ctx context.Context) (fetcher.CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner.RunCycle(ctx)
}

// NextRun reports when the next scheduled cycle fires, or the zero time before Start.
func (s *Scheduler) NextRun() time.Time {
	_, next := s.cron.NextRun()
	return next
}

func (s *Scheduler) tick() {
	if !s.mu.TryLock() {
		s.logger.Warn("Previous fetch cycle still running, skipping tick")
		return
	}
	defer s.mu.Unlock()

	if s.baseCtx.Err() != nil {
		return
	}
	if _, err := s.runner.RunCycle(s.baseCtx); err != nil {
		s.logger.Error("Fetch cycle failed", zap.Error(err))
	}
}
