package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/localpkd/forensics-engine/internal/analysis"
)

// Scheduler triggers the daily analysis run at the configured hour. A run
// already in flight is skipped, not queued: the next slot picks it up.
type Scheduler struct {
	cron     *cron.Cron
	pipeline *analysis.Pipeline
	log      zerolog.Logger
}

// New wires the daily trigger. hour must already be validated to 0–23.
func New(pipeline *analysis.Pipeline, hour int, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		pipeline: pipeline,
		log:      log.With().Str("component", "scheduler").Logger(),
	}

	spec := fmt.Sprintf("0 %d * * *", hour)
	if _, err := s.cron.AddFunc(spec, s.runScheduled); err != nil {
		return nil, fmt.Errorf("failed to register analysis schedule %q: %w", spec, err)
	}

	s.log.Info().Int("hour", hour).Msg("daily analysis scheduled")
	return s, nil
}

func (s *Scheduler) runScheduled() {
	s.log.Info().Msg("scheduled analysis triggered")
	if err := s.pipeline.RunSync(context.Background()); err != nil {
		if errors.Is(err, analysis.ErrStateConflict) {
			s.log.Warn().Msg("scheduled analysis skipped: a run is already in progress")
			return
		}
		// Details were already logged by the pipeline.
		s.log.Error().Msg("scheduled analysis run failed")
	}
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop without waiting for in-flight jobs.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
