// Package cleanup runs the periodic maintenance pass: idle sessions are
// reaped and old turn history is pruned.
package cleanup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// sweepParser accepts standard 5-field cron specs plus @every descriptors.
var sweepParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Reaper terminates sessions idle for longer than the given duration.
type Reaper interface {
	ReapIdle(idleFor time.Duration) int
}

// Pruner deletes stored turns older than the given age.
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Config holds sweeper configuration.
type Config struct {
	Schedule  string        // cron spec or @every descriptor
	IdleAfter time.Duration // sessions idle this long are terminated
	Retention time.Duration // stored turns older than this are deleted

	Reaper Reaper
	Pruner Pruner // nil disables history pruning
}

// Sweeper drives the maintenance schedule.
type Sweeper struct {
	cfg  Config
	cron *cron.Cron
}

// New validates the schedule and builds a sweeper.
func New(cfg Config) (*Sweeper, error) {
	if _, err := sweepParser.Parse(cfg.Schedule); err != nil {
		return nil, err
	}
	return &Sweeper{
		cfg:  cfg,
		cron: cron.New(cron.WithParser(sweepParser)),
	}, nil
}

// Start runs one sweep immediately and then follows the schedule.
func (s *Sweeper) Start() {
	s.Sweep()
	_, _ = s.cron.AddFunc(s.cfg.Schedule, s.Sweep)
	s.cron.Start()
	logger.Info("cleanup started (schedule=%s, idle=%v, retention=%v)",
		s.cfg.Schedule, s.cfg.IdleAfter, s.cfg.Retention)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("cleanup stopped")
}

// Sweep performs one maintenance pass.
func (s *Sweeper) Sweep() {
	if s.cfg.Reaper != nil && s.cfg.IdleAfter > 0 {
		if n := s.cfg.Reaper.ReapIdle(s.cfg.IdleAfter); n > 0 {
			logger.Info("reaped %d idle sessions", n)
		}
	}
	if s.cfg.Pruner != nil && s.cfg.Retention > 0 {
		n, err := s.cfg.Pruner.Prune(context.Background(), s.cfg.Retention)
		if err != nil {
			logger.Error("pruning turn history: %v", err)
		} else if n > 0 {
			logger.Info("pruned %d stored turns", n)
		}
	}
}
