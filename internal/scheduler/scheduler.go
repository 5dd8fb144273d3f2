// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/accredit-backend/internal/config"
	"github.com/javajoker/accredit-backend/internal/metrics"
	"github.com/javajoker/accredit-backend/internal/services"
)

const TransferRetryJob = "transfer-retry"

type TransferRetrier interface {
	RetryFailedTransfers(ctx context.Context, limit int) (*services.RetrySummary, error)
}

type Scheduler struct {
	sched     gocron.Scheduler
	retrier   TransferRetrier
	batchSize int
	logger    logrus.FieldLogger
}

// New registers the settlement jobs. Nothing runs until Start.
func New(retrier TransferRetrier, cfg config.SettlementConfig, logger logrus.FieldLogger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{
		sched:     sched,
		retrier:   retrier,
		batchSize: cfg.RetryBatchSize,
		logger:    logger,
	}
	if s.batchSize <= 0 {
		s.batchSize = 50
	}

	interval := time.Duration(cfg.RetryInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.retryTransfers),
		gocron.WithName(TransferRetryJob),
		// A slow batch must not overlap the next one.
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s job: %w", TransferRetryJob, err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
	s.logger.WithField("jobs", len(s.sched.Jobs())).Info("Scheduler started")
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// RunNow triggers a job outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	for _, job := range s.sched.Jobs() {
		if job.Name() == name {
			return job.RunNow()
		}
	}
	return fmt.Errorf("job %q not found", name)
}

func (s *Scheduler) retryTransfers(ctx context.Context) {
	summary, err := s.retrier.RetryFailedTransfers(ctx, s.batchSize)
	if err != nil {
		metrics.SchedulerRunsTotal.WithLabelValues(TransferRetryJob, "error").Inc()
		s.logger.WithError(err).WithField("job", TransferRetryJob).Error("Scheduled job failed")
		return
	}

	metrics.SchedulerRunsTotal.WithLabelValues(TransferRetryJob, "ok").Inc()
	if summary.Attempted > 0 {
		s.logger.WithFields(logrus.Fields{
			"job":       TransferRetryJob,
			"attempted": summary.Attempted,
			"completed": summary.Completed,
			"failed":    summary.Failed,
		}).Info("Scheduled job finished")
	}
}
