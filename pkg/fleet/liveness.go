package fleet

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reaper evicts sessions with no inbound traffic past the idle timeout. It
// only touches in-memory state; durable status is the sweep's job.
type Reaper struct {
	logger      *zap.Logger
	registry    *Registry
	interval    time.Duration
	idleTimeout time.Duration
}

func NewReaper(logger *zap.Logger, registry *Registry, interval, idleTimeout time.Duration) *Reaper {
	return &Reaper{
		logger:      logger,
		registry:    registry,
		interval:    interval,
		idleTimeout: idleTimeout,
	}
}

// Run blocks until ctx is cancelled, checking for idle sessions every
// interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce()
		case <-ctx.Done():
			r.logger.Info("connection reaper stopped")
			return
		}
	}
}

// RunOnce closes and removes every session idle past the timeout.
func (r *Reaper) RunOnce() int {
	deadline := time.Now().Add(-r.idleTimeout)
	reaped := 0

	for _, sess := range r.registry.All() {
		if sess.LastSeen().After(deadline) {
			continue
		}
		r.logger.Info("reaping idle session",
			zap.String("session_id", sess.ID()),
			zap.String("controller_id", sess.ControllerID()),
			zap.Time("last_seen", sess.LastSeen()))
		sess.Close()
		r.registry.Remove(sess)
		reaped++
	}
	return reaped
}

// Sweep reclassifies durable controller records between online and offline
// from their last_sync stamp. It runs on a cron schedule and never consults
// the connection registry, so the two liveness views stay independent.
type Sweep struct {
	logger    *zap.Logger
	store     *ControllerStore
	interval  time.Duration
	threshold time.Duration
	cron      *cron.Cron
}

func NewSweep(logger *zap.Logger, store *ControllerStore, interval, threshold time.Duration) *Sweep {
	return &Sweep{
		logger:    logger,
		store:     store,
		interval:  interval,
		threshold: threshold,
	}
}

// Start schedules the sweep. Stop cancels it.
func (s *Sweep) Start() error {
	s.cron = cron.New()
	schedule := "@every " + s.interval.String()
	if _, err := s.cron.AddFunc(schedule, func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("staleness sweep scheduled", zap.String("schedule", schedule))
	return nil
}

func (s *Sweep) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunOnce performs one sweep pass. Maintenance and error records are left
// alone in both directions.
func (s *Sweep) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	cut := now.Add(-s.threshold)

	offline, err := s.store.MarkOffline(ctx, cut)
	if err != nil {
		s.logger.Error("staleness sweep failed to mark offline", zap.Error(err))
	}
	online, err := s.store.MarkOnline(ctx, cut)
	if err != nil {
		s.logger.Error("staleness sweep failed to mark online", zap.Error(err))
	}
	if offline > 0 || online > 0 {
		s.logger.Info("staleness sweep reclassified controllers",
			zap.Int64("marked_offline", offline),
			zap.Int64("marked_online", online))
	}
}
