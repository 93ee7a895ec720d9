package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPollInterval is the interval between sweeps.
const DefaultPollInterval = 60 * time.Second

// Ticker is the part of the Coordinator the scheduler drives.
type Ticker interface {
	Tick(ctx context.Context) (*SweepReport, error)
}

// Scheduler runs a sweep on a fixed interval. A sweep still running when
// the next one is due is skipped.
type Scheduler struct {
	ticker   Ticker
	interval time.Duration
	logger   Logger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	initial sync.WaitGroup
	onSweep func(*SweepReport, error)
}

// NewScheduler creates a scheduler. A non-positive interval means
// DefaultPollInterval.
func NewScheduler(t Ticker, interval time.Duration, logger Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Scheduler{ticker: t, interval: interval, logger: logger}
}

// OnSweep registers fn to run after every scheduled sweep, including
// skipped and failed ones. Call before Start.
func (s *Scheduler) OnSweep(fn func(*SweepReport, error)) {
	s.mu.Lock()
	s.onSweep = fn
	s.mu.Unlock()
}

// Expr returns the cron schedule expression.
func (s *Scheduler) Expr() string {
	return fmt.Sprintf("@every %s", s.interval)
}

// Start schedules the sweep job and runs one sweep immediately in the
// background. Sweeps are cancelled when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cl := cronLogger{s.logger}
	sched, err := cron.ParseStandard(s.Expr())
	if err != nil {
		return fmt.Errorf("parsing sweep schedule: %w", err)
	}

	// One wrapped job serves the scheduled runs and the initial sweep so
	// they share the skip guard.
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.runOnce))

	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithLogger(cl))
	c.Schedule(sched, job)
	c.Start()
	s.cron = c
	s.running = true

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		job.Run()
	}()

	s.logger.Info("sweep scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) runOnce() {
	s.mu.Lock()
	ctx, onSweep := s.ctx, s.onSweep
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	report, err := s.ticker.Tick(ctx)
	var sweepErr *SweepError
	switch {
	case errors.As(err, &sweepErr):
		s.logger.Warn("sweep completed with failures",
			"failed", len(sweepErr.Failures),
			"devices", sweepErr.Total,
			"failed_devices", sweepErr.DeviceIDs(),
		)
	case errors.Is(err, ErrTickInProgress):
		s.logger.Debug("sweep skipped: previous sweep still running")
	case err != nil:
		s.logger.Error("sweep failed", "error", err)
	default:
		s.logger.Debug("sweep completed", "devices", len(report.Results))
	}

	if onSweep != nil {
		onSweep(report, err)
	}
}

// Stop stops scheduling, cancels a running sweep and waits for it to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.cancel()
	s.mu.Unlock()

	<-c.Stop().Done()
	s.initial.Wait()
	s.logger.Info("sweep scheduler stopped")
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	l Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
