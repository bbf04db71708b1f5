package feedmind

import (
	"context"
	"errors"
	"time"
)

// Scheduler runs the engine continuously: fetch cycles on an interval
// and digests at fixed local times of day.
type Scheduler struct {
	engine *Engine
	cfg    ScheduleConfig
}

// NewScheduler builds a scheduler for the engine using its configured
// schedule.
func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{engine: engine, cfg: engine.cfg.Schedule}
}

// Run blocks until ctx is cancelled. An immediate fetch cycle runs at
// startup; afterwards cycles follow FetchInterval and digests fire the
// first minute matching each entry of DigestTimes. Cycle and digest
// errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.FetchInterval
	if interval <= 0 {
		interval = time.Hour
	}

	s.cycle(ctx)

	fetchTicker := time.NewTicker(interval)
	defer fetchTicker.Stop()
	minuteTicker := time.NewTicker(time.Minute)
	defer minuteTicker.Stop()

	var lastDigest string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fetchTicker.C:
			s.cycle(ctx)
		case now := <-minuteTicker.C:
			if key, due := s.digestDue(now, lastDigest); due {
				lastDigest = key
				s.digest(ctx)
			}
		}
	}
}

// digestDue reports whether a digest should fire at now. The key
// identifies the date and minute, so each configured time fires at most
// once per day and fires again on later days.
func (s *Scheduler) digestDue(now time.Time, last string) (string, bool) {
	key := now.Format("2006-01-02 15:04")
	if key == last {
		return last, false
	}
	minute := now.Format("15:04")
	for _, t := range s.cfg.DigestTimes {
		if t == minute {
			return key, true
		}
	}
	return last, false
}

func (s *Scheduler) cycle(ctx context.Context) {
	res, err := s.engine.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.engine.logger.Error("scheduled_cycle_failed", "error", err)
		return
	}
	s.engine.logger.Info("scheduled_cycle_done", "fetched", res.Fetched, "productive", res.Productive)
}

func (s *Scheduler) digest(ctx context.Context) {
	_, err := s.engine.SendDigest(ctx)
	if err != nil {
		if errors.Is(err, ErrNothingToCurate) {
			s.engine.logger.Info("digest_skipped_empty")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		s.engine.logger.Error("scheduled_digest_failed", "error", err)
	}
}
