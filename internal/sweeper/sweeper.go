// Package sweeper runs the periodic housekeeping jobs: expiring stale
// instances, purging old drift events and dropping expired shares.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reugn/go-quartz/job"
	quartzlogger "github.com/reugn/go-quartz/logger"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNotStarted = errors.New("sweeper is not started")

// Job is one housekeeping task. Run returns how many rows it removed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

type Sweeper struct {
	mu          sync.Mutex
	scheduler   quartz.Scheduler
	started     *atomic.Bool
	jobs        []Job
	logger      *zap.Logger
	stopTimeout time.Duration
}

func New(logger *zap.Logger, stopTimeout time.Duration, jobs ...Job) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, j := range jobs {
		if j.Name == "" || j.Run == nil {
			return nil, fmt.Errorf("sweeper job %q is incomplete", j.Name)
		}
		if j.Interval <= 0 {
			return nil, fmt.Errorf("sweeper job %q needs a positive interval", j.Name)
		}
	}
	sched, err := quartz.NewStdScheduler(quartz.WithLogger(quartzlogger.NewSimpleLogger(nil, quartzlogger.LevelOff)))
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		scheduler:   sched,
		started:     atomic.NewBool(false),
		jobs:        jobs,
		logger:      logger,
		stopTimeout: stopTimeout,
	}, nil
}

func (s *Sweeper) run(ctx context.Context, j Job) error {
	n, err := j.Run(ctx)
	if err != nil {
		s.logger.Warn("sweep failed", zap.String("job", j.Name), zap.Error(err))
		return fmt.Errorf("%s: %w", j.Name, err)
	}
	if n > 0 {
		s.logger.Info("sweep removed rows", zap.String("job", j.Name), zap.Int64("rows", n))
	}
	return nil
}

// Start schedules every job on its interval.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return nil
	}
	s.scheduler.Start(ctx)
	for _, j := range s.jobs {
		j := j
		fn := job.NewFunctionJob[bool](func(ctx context.Context) (bool, error) {
			if err := s.run(ctx, j); err != nil {
				return false, err
			}
			return true, nil
		})
		detail := quartz.NewJobDetail(fn, quartz.NewJobKey(j.Name))
		if err := s.scheduler.ScheduleJob(detail, quartz.NewSimpleTrigger(j.Interval)); err != nil {
			s.scheduler.Stop()
			return fmt.Errorf("schedule %s: %w", j.Name, err)
		}
	}
	s.started.Store(s.scheduler.IsStarted())
	s.logger.Info("sweeper started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// RunOnce runs every job now, concurrently, and returns the first failure.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		j := j
		g.Go(func() error { return s.run(ctx, j) })
	}
	return g.Wait()
}

// Scheduled reports how many jobs are on the scheduler.
func (s *Sweeper) Scheduled() (int, error) {
	if !s.started.Load() {
		return 0, ErrNotStarted
	}
	keys, err := s.scheduler.GetJobKeys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Sweeper) Stop(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.scheduler.Clear()
	s.scheduler.Stop()
	s.started.Store(false)
	if s.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stopTimeout)
		defer cancel()
	}
	s.scheduler.Wait(ctx)
	s.logger.Info("sweeper stopped")
}
