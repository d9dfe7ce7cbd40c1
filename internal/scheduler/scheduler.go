package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per cycle. cycle counts from 1.
type TickFunc func(ctx context.Context, cycle int) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// MaxCycles stops the loop after that many ticks; zero runs until cancelled.
	MaxCycles int
	// Immediate runs the first tick right away instead of after one interval.
	Immediate    bool
	StartupDelay time.Duration
}

// Scheduler drives the polling cadence. Ticks never overlap: the next wait
// starts when the previous tick returns.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick every interval until ctx is cancelled or
// MaxCycles is reached. Tick errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	for cycle := 1; s.opts.MaxCycles <= 0 || cycle <= s.opts.MaxCycles; cycle++ {
		if cycle > 1 || !s.opts.Immediate {
			s.logger.Debug().Dur("interval", s.opts.Interval).Int("cycle", cycle).Msg("waiting for next cycle")
			if err := sleep(ctx, s.opts.Interval); err != nil {
				return err
			}
		}

		started := time.Now()
		if err := tick(ctx, cycle); err != nil {
			s.logger.Error().Err(err).Int("cycle", cycle).Msg("cycle failed")
		} else {
			s.logger.Debug().Int("cycle", cycle).Dur("took", time.Since(started)).Msg("cycle complete")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	s.logger.Info().Int("cycles", s.opts.MaxCycles).Msg("max cycles reached")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
