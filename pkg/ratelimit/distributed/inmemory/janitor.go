package inmemory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Janitor purges expired keys of a store on a cron schedule.
type Janitor struct {
	cron *cron.Cron
}

// StartJanitor purges expired keys on schedule, a cron expression with an
// optional seconds field or a descriptor such as "@every 30s". Runs never
// overlap.
func (s *Store[K]) StartJanitor(schedule string) (*Janitor, error) {
	logger := cron.PrintfLogger(slog.NewLogLogger(s.config.Logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if n := s.Purge(); n > 0 {
			s.config.Logger.Debug("purged expired buckets", "count", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	c.Start()
	return &Janitor{cron: c}, nil
}

// Stop stops the schedule and waits for a running purge to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
