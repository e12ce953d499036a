// Package sweep periodically re-triggers fanout for shifts that remain
// unclaimed, so escalation fires even when no external trigger arrives.
package sweep

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shiftcast/internal/domain"
	logx "shiftcast/pkg/logx"
)

type Config struct {
	Enabled bool
	// Schedule is a cron expression ("*/1 * * * *", "@every 1m") or a plain
	// Go duration ("30s"). Default "@every 1m".
	Schedule string
}

// Advancer is the slice of the coordinator the sweeper drives.
type Advancer interface {
	Advance(ctx context.Context, shiftID string) (domain.FanoutState, error)
	UnclaimedShifts(now time.Time) []domain.Shift
}

type Service struct {
	cfg   Config
	coord Advancer
	log   logx.Logger
	now   func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, coord Advancer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, coord: coord, log: log, now: time.Now}
}

// normalizeSchedule maps the config schedule onto a robfig/cron spec.
// Plain Go durations become "@every d"; cron expressions pass through.
func normalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "@every 1m", nil
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid sweep schedule %q (use cron like '*/1 * * * *' or duration like '30s')", raw)
	}
	if d <= 0 {
		return "", fmt.Errorf("sweep schedule must be > 0")
	}
	return "@every " + d.String(), nil
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("sweeper disabled")
		return nil
	}

	spec, err := normalizeSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(spec, func() { s.sweepOnce(ctx) }); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("sweeper started", logx.String("schedule", spec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeper stopped")
}

// sweepOnce advances every open shift once. Advance itself is idempotent,
// so a sweep overlapping an external trigger is harmless.
func (s *Service) sweepOnce(ctx context.Context) {
	open := s.coord.UnclaimedShifts(s.now())
	if len(open) == 0 {
		return
	}
	start := time.Now()
	failed := 0
	for _, shift := range open {
		if _, err := s.coord.Advance(ctx, shift.ID); err != nil {
			failed++
			s.log.Warn("sweep advance failed", logx.String("shift", shift.ID), logx.Err(err))
		}
	}
	s.log.Debug("sweep finished",
		logx.Int("open", len(open)),
		logx.Int("failed", failed),
		logx.Duration("dur", time.Since(start)))
}
