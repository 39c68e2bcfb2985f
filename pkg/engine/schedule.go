package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// scheduleParser accepts five-field specs, an optional leading seconds field
// and descriptors such as "@every 15m" or "@hourly".
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// JobScheduler reruns a job file on a cron schedule. The file is reloaded on
// every tick, and a tick that fires while the previous run is still going is
// skipped.
type JobScheduler struct {
	path     string
	spec     string
	schedule cron.Schedule
	logger   *logrus.Logger
}

// NewJobScheduler validates spec.
func NewJobScheduler(path, spec string, logger *logrus.Logger) (*JobScheduler, error) {
	schedule, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return &JobScheduler{path: path, spec: spec, schedule: schedule, logger: logger}, nil
}

// Next is the first activation after t.
func (s *JobScheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run blocks until ctx is done, handing each freshly loaded job to fn.
// In-flight runs are waited for before Run returns.
func (s *JobScheduler) Run(ctx context.Context, fn func(*Job)) error {
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		job, err := LoadJob(s.path)
		if err != nil {
			s.logger.WithError(err).WithField("path", s.path).Error("Skipping scheduled run: job failed to load")
			return
		}
		s.logger.WithFields(logrus.Fields{
			"path":   s.path,
			"run_id": job.RunID,
		}).Info("Starting scheduled run")
		fn(job)
	}))

	c.Start()
	s.logger.WithFields(logrus.Fields{
		"path":     s.path,
		"schedule": s.spec,
		"next":     s.Next(time.Now()).Format(time.RFC3339),
	}).Info("Job schedule started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Job schedule stopped")
	return nil
}
