/*
scheduler.go - Scheduled expiry sweeps

PURPOSE:
  Runs crm.Ledger.SweepExpired on a cron schedule so active subscriptions
  whose paid period has ended move to expired without an external job.

DESIGN:
  - robfig/cron with the standard five-field parser plus descriptors
    (@daily, @every 15m)
  - SkipIfStillRunning: a slow sweep is never overlapped by the next tick
  - The sweep itself is a single set-based UPDATE and idempotent, so
    running it from several replicas is safe

CONFIGURATION:
  - SWEEP_ENABLED: whether the scheduler is started (default: true)
  - SWEEP_SCHEDULE: cron spec (default: @daily)

USAGE:
  s, err := NewExpiryScheduler(ledger, "@daily", logger)
  s.Start()
  // ... later
  s.Stop(ctx)

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual run)
  - crm/ledger.go: SweepExpired
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/partner-crm/crm"
	"go.uber.org/zap"
)

// sweepTimeout bounds one scheduled run.
const sweepTimeout = 5 * time.Minute

// Sweeper is the part of crm.Ledger the scheduler drives.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

var _ Sweeper = (*crm.Ledger)(nil)

// ExpiryScheduler runs the expiry sweeper on a cron schedule.
type ExpiryScheduler struct {
	sweeper  Sweeper
	schedule string
	logger   *zap.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
	lastRun time.Time
	lastN   int64
	lastErr error
}

// NewExpiryScheduler validates schedule and registers the sweep job.
func NewExpiryScheduler(sweeper Sweeper, schedule string, logger *zap.Logger) (*ExpiryScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ExpiryScheduler{
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger.Named("scheduler"),
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		s.RunNow(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("expiry scheduler started", zap.String("schedule", s.schedule))
}

// Stop stops scheduling and waits for a running sweep, or for ctx.
func (s *ExpiryScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("expiry scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("expiry scheduler stop timed out", zap.Error(ctx.Err()))
	}
}

// RunNow performs one sweep immediately and records its outcome.
func (s *ExpiryScheduler) RunNow(ctx context.Context) (int64, error) {
	n, err := s.sweeper.SweepExpired(ctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastN = n
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
	}
	return n, err
}

// LastRun reports when the last sweep finished and what it did.
func (s *ExpiryScheduler) LastRun() (at time.Time, expired int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastN, s.lastErr
}
