// Package cron runs the periodic housekeeping sweep: purging old
// task_events/system_logs rows and reporting the dead-letter queue's
// backlog, on a schedule parsed from a standard 5-field cron expression.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// dlqSize is the slice of *broker.Broker the sweep needs, narrowed so tests
// can fake a backlog without a live Redis connection.
type dlqSize interface {
	DLQLen(ctx context.Context) (int64, error)
}

// retentionStore is the slice of *store.Store the sweep needs.
type retentionStore interface {
	PurgeOldTaskEvents(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeOldSystemLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the dependencies for the housekeeping scheduler.
type Config struct {
	Store         retentionStore
	Broker        dlqSize
	CronExpr      string        // e.g. "0 3 * * *"; defaults to daily at 03:00
	RetentionDays int           // rows older than this are purged; defaults to 30
	TickInterval  time.Duration // how often the loop checks for a due fire; defaults to 1 minute
}

// Scheduler fires the housekeeping sweep once per due cron tick.
type Scheduler struct {
	store         retentionStore
	broker        dlqSize
	schedule      cronlib.Schedule
	retentionDays int
	tickInterval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	cronExpr := cfg.CronExpr
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 30
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	return &Scheduler{
		store:         cfg.Store,
		broker:        cfg.Broker,
		schedule:      schedule,
		retentionDays: retentionDays,
		tickInterval:  tickInterval,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("cron: housekeeping scheduler started", "retention_days", s.retentionDays)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("cron: housekeeping scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	next := s.schedule.Next(time.Now())
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			s.Sweep(ctx)
			next = s.schedule.Next(now)
		}
	}
}

// Sweep runs one housekeeping pass: purge task_events/system_logs rows
// older than the retention window, and log the DLQ backlog size.
func (s *Scheduler) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	if n, err := s.store.PurgeOldTaskEvents(ctx, cutoff); err != nil {
		slog.Error("cron: purge task_events failed", "error", err)
	} else if n > 0 {
		slog.Info("cron: purged old task_events", "count", n, "cutoff", cutoff)
	}

	if n, err := s.store.PurgeOldSystemLogs(ctx, cutoff); err != nil {
		slog.Error("cron: purge system_logs failed", "error", err)
	} else if n > 0 {
		slog.Info("cron: purged old system_logs", "count", n, "cutoff", cutoff)
	}

	if s.broker == nil {
		return
	}
	dlqLen, err := s.broker.DLQLen(ctx)
	if err != nil {
		slog.Error("cron: read dlq length failed", "error", err)
		return
	}
	if dlqLen > 0 {
		slog.Warn("cron: dead-letter queue backlog", "length", dlqLen)
	}
}
