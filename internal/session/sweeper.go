package session

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// DefaultRetention is how long a session may sit idle before the sweep removes it.
const DefaultRetention = 24 * time.Hour

// SweepFunc is one unit of periodic cleanup.
type SweepFunc func(ctx context.Context, now time.Time) error

type sweepJob struct {
	name string
	fn   SweepFunc
}

// Sweeper runs cleanup jobs on a cron schedule ("@hourly" by default).
type Sweeper struct {
	schedule string
	jobs     []sweepJob
	logger   zerolog.Logger
}

// NewSweeper validates schedule and returns a sweeper with no jobs.
func NewSweeper(schedule string, logger zerolog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = "@hourly"
	}
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	return &Sweeper{
		schedule: schedule,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}, nil
}

// Add registers a named job. Jobs run in registration order.
func (w *Sweeper) Add(name string, fn SweepFunc) {
	w.jobs = append(w.jobs, sweepJob{name: name, fn: fn})
}

// ExpireSessions returns a job that runs store.ExpireStale with retention.
func ExpireSessions(store *Store, retention time.Duration, onExpired func(ids []string)) SweepFunc {
	return func(_ context.Context, now time.Time) error {
		removed := store.ExpireStale(now, retention)
		if onExpired != nil && len(removed) > 0 {
			onExpired(removed)
		}
		return nil
	}
}

// RunOnce runs every job against now. A failing job is logged and does not
// stop the others.
func (w *Sweeper) RunOnce(ctx context.Context, now time.Time) {
	for _, job := range w.jobs {
		if err := job.fn(ctx, now); err != nil {
			w.logger.Error().Err(err).Str("job", job.name).Msg("sweep job failed")
			continue
		}
		w.logger.Debug().Str("job", job.name).Msg("sweep job done")
	}
}

// Next returns the next scheduled run strictly after from.
func (w *Sweeper) Next(from time.Time) (time.Time, error) {
	return gronx.NextTickAfter(w.schedule, from, false)
}

// Run blocks, sweeping on schedule until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	w.logger.Info().Str("schedule", w.schedule).Int("jobs", len(w.jobs)).Msg("sweeper started")

	for {
		next, err := w.Next(time.Now())
		if err != nil {
			return fmt.Errorf("computing next sweep: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info().Msg("sweeper stopped")
			return nil
		case t := <-timer.C:
			w.RunOnce(ctx, t)
		}
	}
}
