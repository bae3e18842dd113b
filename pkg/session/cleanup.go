package session

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule runs the TTL sweep hourly
const DefaultSweepSchedule = "@hourly"

// Sweeper periodically removes sessions idle past their TTL
type Sweeper struct {
	manager  *Manager
	schedule string
	cron     *cron.Cron
	running  bool
}

// NewSweeper creates a sweeper over the manager. An empty schedule uses
// DefaultSweepSchedule.
func NewSweeper(manager *Manager, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		manager:  manager,
		schedule: schedule,
	}
}

// Start schedules the sweep and runs one immediately
func (s *Sweeper) Start() error {
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.running = true

	go s.sweep()

	log.Info().Str("schedule", s.schedule).Msg("Session sweeper started")
	return nil
}

// Stop halts scheduled sweeps
func (s *Sweeper) Stop() error {
	if !s.running {
		return fmt.Errorf("sweeper is not running")
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false

	log.Info().Msg("Session sweeper stopped")
	return nil
}

// IsRunning reports whether the sweeper is active
func (s *Sweeper) IsRunning() bool {
	return s.running
}

// SweepNow runs one sweep immediately
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	return s.manager.Sweep(ctx)
}

func (s *Sweeper) sweep() {
	if _, err := s.manager.Sweep(context.Background()); err != nil {
		log.Error().Err(err).Msg("Session sweep failed")
	}
}
