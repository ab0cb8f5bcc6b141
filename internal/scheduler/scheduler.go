// Package scheduler drives the engine's reconciliation entry points on
// fixed intervals plus two daily bookend runs. Serialization of overlapping
// runs is the engine's business (advisory locks); the scheduler only decides
// when to fire.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/davemott/paperledger/internal/storage"
)

// Job is a periodic engine entry point.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// DailyJob fires once per day at a wall-clock time in a location, e.g. the
// market-open and market-close bookend snapshots.
type DailyJob struct {
	Name     string
	At       string // "15:04"
	Location *time.Location
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs until its context is canceled. Every job failure is
// logged and absorbed; a missed or failed tick needs no compensation because
// each engine entry point re-reads the world from scratch.
type Scheduler struct {
	jobs   []Job
	daily  []DailyJob
	logger *logrus.Logger
	now    func() time.Time
}

// New creates a scheduler.
func New(logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{logger: logger, now: time.Now}
}

// Add registers a periodic job.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// AddDaily registers a daily at-time job.
func (s *Scheduler) AddDaily(job DailyJob) {
	s.daily = append(s.daily, job)
}

// Run blocks until ctx is canceled, then returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, job := range s.jobs {
		job := job
		g.Go(func() error { return s.runPeriodic(ctx, job) })
	}
	for _, job := range s.daily {
		job := job
		g.Go(func() error { return s.runDaily(ctx, job) })
	}
	return g.Wait()
}

func (s *Scheduler) runPeriodic(ctx context.Context, job Job) error {
	log := s.logger.WithField("job", job.Name)
	log.WithField("interval", job.Interval).Info("periodic job started")

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("periodic job stopped")
			return ctx.Err()
		case <-ticker.C:
			s.invoke(ctx, log, job.Run)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, job DailyJob) error {
	log := s.logger.WithField("job", job.Name)
	loc := job.Location
	if loc == nil {
		loc = time.UTC
	}
	at, err := time.ParseInLocation("15:04", job.At, loc)
	if err != nil {
		return err
	}
	log.WithField("at", job.At).Info("daily job started")

	for {
		now := s.now().In(loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("daily job stopped")
			return ctx.Err()
		case <-timer.C:
			s.invoke(ctx, log, job.Run)
		}
	}
}

// invoke runs one tick. A held advisory lock means a previous run is still
// going; that is a skip, not a failure.
func (s *Scheduler) invoke(ctx context.Context, log *logrus.Entry, run func(ctx context.Context) error) {
	start := s.now()
	err := run(ctx)
	switch {
	case err == nil:
		log.WithField("took", s.now().Sub(start)).Debug("tick completed")
	case errors.Is(err, storage.ErrLockHeld):
		log.Debug("previous run still in flight, tick skipped")
	case errors.Is(err, context.Canceled):
	default:
		log.WithError(err).Error("tick failed")
	}
}
