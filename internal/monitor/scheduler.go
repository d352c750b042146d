package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"wishlist-parser/internal/logger"
)

// Scheduler triggers Sweep on a cron spec in UTC. A tick is skipped while the
// previous sweep is still running. Run a single Scheduler per deployment.
type Scheduler struct {
	cron    *cron.Cron
	monitor *PriceMonitor
	spec    string
	log     *zap.Logger
}

func NewScheduler(m *PriceMonitor, spec string, log *zap.Logger) *Scheduler {
	cl := logger.NewCronLogger(log.Named("cron"))
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		monitor: m,
		spec:    spec,
		log:     log.Named("scheduler"),
	}
}

// Start registers the sweep and starts the cron loop. ctx bounds every sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule price sweep %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.log.Info("price sweep scheduled", zap.String("spec", s.spec))
	return nil
}

// Stop halts the scheduler and returns a context done once a running sweep finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs one sweep with the configured batch size.
func (s *Scheduler) RunOnce(ctx context.Context) {
	report, err := s.monitor.Sweep(ctx, 0)
	if err != nil {
		s.log.Error("price sweep aborted", zap.Error(err), zap.Int("items", report.Total))
	}
}
