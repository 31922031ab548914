/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules holds the cron expressions for each job. An empty expression disables the job.
type Schedules struct {
	QuoteSweep   string
	PolicyExpiry string
	LimboReport  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *zap.Logger
	schedules Schedules
}

func NewScheduler(jobs *Jobs, logger *zap.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number of jobs
// that were scheduled.
func (s *Scheduler) Start() int {
	registered := 0
	for _, job := range []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"quote sweep", s.schedules.QuoteSweep, s.jobs.DiscardExpiredQuotes},
		{"policy expiry", s.schedules.PolicyExpiry, s.jobs.ExpirePolicies},
		{"activation limbo report", s.schedules.LimboReport, s.jobs.ReportActivationLimbo},
	} {
		if job.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, job.fn); err != nil {
			s.logger.Error("failed to schedule job", zap.String("job", job.name), zap.Error(err))
			continue
		}
		s.logger.Info("scheduled job", zap.String("job", job.name), zap.String("schedule", job.schedule))
		registered++
	}

	s.cron.Start()
	return registered
}

// Stop stops the cron scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
