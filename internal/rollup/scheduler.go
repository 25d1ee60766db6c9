package rollup

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maximugisha/smart-farm-power-control/internal/config"
)

// Scheduler invokes the daily generation once per day at the configured
// local time, logically for the previous completed day. A failed run is
// surfaced to the log and retried on the next slot; idempotent upserts make
// re-runs safe.
type Scheduler struct {
	generator *Generator
	hour      int
	minute    int
	location  *time.Location
	logger    zerolog.Logger

	now func() time.Time
}

// NewScheduler creates the daily rollup scheduler.
func NewScheduler(cfg *config.Config, generator *Generator) *Scheduler {
	location, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.TimeZone).Msg("Invalid timezone, using UTC")
		location = time.UTC
	}

	return &Scheduler{
		generator: generator,
		hour:      cfg.Rollup.Hour,
		minute:    cfg.Rollup.Minute,
		location:  location,
		logger:    log.With().Str("component", "rollup_scheduler").Logger(),
		now:       time.Now,
	}
}

// Run blocks, firing a generation for yesterday at each scheduled slot until
// the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.nextFire(s.now())
		s.logger.Debug().Time("next_run", next).Msg("Waiting for next rollup slot")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		yesterday := s.now().In(s.location).AddDate(0, 0, -1)
		count, err := s.generator.GenerateDailySummary(ctx, yesterday)
		if err != nil {
			s.logger.Error().Err(err).
				Str("date", yesterday.Format("2006-01-02")).
				Msg("Scheduled rollup failed, will retry next slot")
			continue
		}
		s.logger.Info().
			Str("date", yesterday.Format("2006-01-02")).
			Int("summaries", count).
			Msg("Scheduled rollup complete")
	}
}

// nextFire computes the next HH:MM slot strictly after now.
func (s *Scheduler) nextFire(now time.Time) time.Time {
	local := now.In(s.location)
	fire := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.location)
	if !fire.After(local) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}
