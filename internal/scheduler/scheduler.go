// Package scheduler drives the time based components. Each job runs in
// singleton mode so a slow cycle is skipped rather than stacked.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/lifecycle"
	"github.com/playmatatu/arena/internal/matchmaking"
)

// Cycler is one matchmaking pass.
type Cycler interface {
	RunMatchingCycle(ctx context.Context) (matchmaking.CycleReport, error)
}

// Sweeper is one lifecycle pass.
type Sweeper interface {
	Sweep(ctx context.Context) (lifecycle.SweepReport, error)
}

type Scheduler struct {
	sched gocron.Scheduler
	log   *zap.Logger
}

type Jobs struct {
	Matchmaker         Cycler
	MatchmakerInterval time.Duration
	Lifecycle          Sweeper
	SweepInterval      time.Duration
	// Timeout bounds a single run of any job.
	Timeout time.Duration
}

// New registers the jobs without starting them. ctx is the parent of every run.
func New(ctx context.Context, jobs Jobs, log *zap.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Scheduler{sched: sched, log: log.Named("scheduler")}

	timeout := jobs.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	if jobs.Matchmaker != nil {
		if err := s.add("matchmaker", jobs.MatchmakerInterval, func() {
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if _, err := jobs.Matchmaker.RunMatchingCycle(runCtx); err != nil {
				s.log.Error("matching cycle failed", zap.Error(err))
			}
		}); err != nil {
			return nil, err
		}
	}
	if jobs.Lifecycle != nil {
		if err := s.add("lifecycle", jobs.SweepInterval, func() {
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if _, err := jobs.Lifecycle.Sweep(runCtx); err != nil {
				s.log.Error("lifecycle sweep failed", zap.Error(err))
			}
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name string, every time.Duration, fn func()) error {
	if every <= 0 {
		return fmt.Errorf("%s interval must be positive, got %s", name, every)
	}
	_, err := s.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register %s job: %w", name, err)
	}
	s.log.Info("job registered", zap.String("job", name), zap.Duration("every", every))
	return nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown stops scheduling and waits for running jobs to return.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
