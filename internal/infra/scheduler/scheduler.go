package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const sweepTimeout = time.Minute

// CatchUpRunner is what the sweep drives; app.StatusScheduler implements it.
type CatchUpRunner interface {
	CatchUpAndArm(ctx context.Context) error
}

// CatchUpScheduler periodically re-runs the catch-up cycle. It heals timers
// lost to failed executions and announcements dropped while the listener
// was disconnected.
type CatchUpScheduler struct {
	cronEngine *cron.Cron
	runner     CatchUpRunner
	logger     *logrus.Entry
	cronSpec   string
}

func NewCatchUpScheduler(runner CatchUpRunner, logger *logrus.Entry, cronSpec string, loc *time.Location) *CatchUpScheduler {
	if loc == nil {
		loc = time.Local
	}
	return &CatchUpScheduler{
		// A sweep that overruns its interval is skipped rather than stacked.
		cronEngine: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		runner:   runner,
		logger:   logger.WithField("component", "catch_up_cron"),
		cronSpec: cronSpec,
	}
}

func (s *CatchUpScheduler) Start() error {
	s.logger.WithField("spec", s.cronSpec).Info("Starting catch-up sweep")
	if _, err := s.cronEngine.AddFunc(s.cronSpec, s.sweep); err != nil {
		return fmt.Errorf("could not add catch-up cron job %q: %w", s.cronSpec, err)
	}
	s.cronEngine.Start()
	return nil
}

func (s *CatchUpScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	s.logger.Debug("Catch-up sweep triggered")
	if err := s.runner.CatchUpAndArm(ctx); err != nil {
		s.logger.WithError(err).Error("Catch-up sweep failed")
	}
}

func (s *CatchUpScheduler) Stop() {
	s.logger.Info("Stopping catch-up sweep...")
	ctx := s.cronEngine.Stop() // waits for a running sweep
	<-ctx.Done()
	s.logger.Info("Catch-up sweep stopped")
}
