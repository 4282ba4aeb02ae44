// Package scheduler runs the consolidation engine on a cron schedule with a
// redis lease so only one instance works at a time.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/novamind/recall/config"
	"github.com/novamind/recall/internal/consolidate"
)

// Runner is the consolidation entry point the scheduler drives.
type Runner interface {
	Run(ctx context.Context) consolidate.Report
}

// ErrBusy is reported when a run is requested while another holds the lease.
var ErrBusy = fmt.Errorf("consolidation already running")

type Scheduler struct {
	runner  Runner
	rdb     *redis.Client
	cfg     config.ConsolidationConfig
	logger  *log.Logger
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	lastRun *time.Time
	now     func() time.Time
}

func New(runner Runner, rdb *redis.Client, cfg config.ConsolidationConfig, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return &Scheduler{
		runner: runner,
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the ticker loop. The loop checks the schedule every minute
// and fires at most one run per due window.
func (s *Scheduler) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop signals the loop to exit and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()
	if !isDue(s.cfg.Schedule, last, s.now()) {
		return
	}
	report, err := s.run(context.Background())
	if err != nil {
		if err == ErrBusy {
			s.logger.Printf("skipping scheduled run: %v", err)
		} else {
			s.logger.Printf("scheduled run failed: %v", err)
		}
		return
	}
	s.logger.Printf("scheduled run finished: merged=%d patterns=%d skills=%d decayed=%d pruned=%d errors=%d",
		report.Merged, report.PatternsFound, report.NewSkills, report.Decayed, report.Pruned, len(report.Errors))
}

// RunImmediate triggers a consolidation run outside the schedule. It shares
// the lease with the scheduled path, so a concurrent run yields a report
// carrying ErrBusy instead of a second run.
func (s *Scheduler) RunImmediate(ctx context.Context) consolidate.Report {
	report, err := s.run(ctx)
	if err != nil {
		report.StartedAt = s.now()
		report.CompletedAt = report.StartedAt
		report.Errors = append(report.Errors, err.Error())
	}
	return report
}

func (s *Scheduler) run(ctx context.Context) (consolidate.Report, error) {
	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, s.cfg.LockKey, "1", s.cfg.LockTTL).Result()
		if err != nil {
			return consolidate.Report{}, fmt.Errorf("acquiring consolidation lease: %w", err)
		}
		if !ok {
			return consolidate.Report{}, ErrBusy
		}
		defer s.rdb.Del(context.Background(), s.cfg.LockKey)
	}

	report := s.runner.Run(ctx)
	s.mu.Lock()
	t := report.CompletedAt
	s.lastRun = &t
	s.mu.Unlock()
	return report, nil
}

// isDue determines whether the schedule should fire now relative to the last
// run. Supports "@daily", "@hourly", and standard 5-field cron expressions;
// an unparsable spec falls back to @daily.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
