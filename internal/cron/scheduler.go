// Package cron fires configured chat schedules (periodic balance re-queries
// and similar) through the command dispatcher.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/botfleet/internal/command"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Dispatcher is the slice of the command layer the scheduler drives.
// Satisfied by *command.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req command.Request) ([]command.Result, error)
}

// RunStore persists fire timestamps so restarts don't lose track of when a
// schedule last ran. May be nil.
type RunStore interface {
	MarkScheduleRun(name string, at time.Time) error
}

// Schedule is one recurring chat command.
type Schedule struct {
	Name    string
	Cron    string
	Command string
	Target  string // account id or "all"
}

type Config struct {
	Dispatcher Dispatcher
	Store      RunStore
	Logger     *slog.Logger
	Schedules  []Schedule
	Interval   time.Duration // tick interval; defaults to 30 seconds if zero
}

type entry struct {
	schedule Schedule
	spec     cronlib.Schedule
	next     time.Time
}

// Scheduler ticks at a fixed interval and fires every schedule whose next
// run time has passed.
type Scheduler struct {
	dispatcher Dispatcher
	store      RunStore
	logger     *slog.Logger
	interval   time.Duration
	entries    []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every schedule's cron expression up front so a bad
// expression fails startup instead of being discovered at fire time.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		logger:     logger.With("component", "cron"),
		interval:   interval,
	}
	for _, sched := range cfg.Schedules {
		spec, err := cronParser.Parse(sched.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: parse cron %q: %w", sched.Name, sched.Cron, err)
		}
		if sched.Target == "" {
			sched.Target = command.TargetAll
		}
		s.entries = append(s.entries, &entry{schedule: sched, spec: spec})
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "schedules", len(s.entries), "interval", s.interval)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every due entry and advances its next run time. The first tick
// only arms each entry, so schedules that were due while the daemon was down
// do not fire at boot.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if e.next.IsZero() {
			e.next = e.spec.Next(now)
			continue
		}
		if now.Before(e.next) {
			continue
		}
		s.fire(ctx, e, now)
		e.next = e.spec.Next(now)
	}
}

// Tick forces one scheduling pass at the given time.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.tick(ctx, now)
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	results, err := s.dispatcher.Dispatch(ctx, command.Request{
		Action:  command.ActionSay,
		Target:  e.schedule.Target,
		Message: e.schedule.Command,
		Origin:  "schedule:" + e.schedule.Name,
	})
	if err != nil {
		s.logger.Error("schedule dispatch failed", "schedule", e.schedule.Name, "error", err)
		return
	}

	applied := 0
	for _, res := range results {
		if res.Outcome == command.OutcomeApplied {
			applied++
		}
	}
	if s.store != nil {
		if err := s.store.MarkScheduleRun(e.schedule.Name, now); err != nil {
			s.logger.Warn("persist schedule run failed", "schedule", e.schedule.Name, "error", err)
		}
	}
	s.logger.Info("schedule fired", "schedule", e.schedule.Name,
		"command", e.schedule.Command, "applied", applied, "next_run_at", e.spec.Next(now))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
