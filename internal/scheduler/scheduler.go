// Package scheduler drives the background work: periodic domain
// reconciliation through the job queue, host detection and recovery of
// interrupted issuances.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/metrics"
	"github.com/leozw/certiroute/internal/queue"
)

type Queue interface {
	Push(ctx context.Context, job *queue.Job) (bool, error)
	Pop(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Length(ctx context.Context) (int64, error)
}

type RecordLister interface {
	ListRecords(ctx context.Context) ([]*core.DomainRecord, error)
}

// Scheduler enqueues a reconcile job for every domain record on each tick.
type Scheduler struct {
	records RecordLister
	queue   Queue
	metrics *metrics.Collector
	logger  *zap.Logger
	config  config.SchedulerConfig
}

func NewScheduler(records RecordLister, q Queue, collector *metrics.Collector, logger *zap.Logger, cfg config.SchedulerConfig) *Scheduler {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Minute
	}
	return &Scheduler{
		records: records,
		queue:   q,
		metrics: collector,
		logger:  logger.With(zap.String("component", "scheduler")),
		config:  cfg,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler", zap.Duration("reconcile_interval", s.config.ReconcileInterval))

	s.scheduleReconciles(ctx)

	ticker := time.NewTicker(s.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			return
		case <-ticker.C:
			s.scheduleReconciles(ctx)
		}
	}
}

func (s *Scheduler) scheduleReconciles(ctx context.Context) {
	records, err := s.records.ListRecords(ctx)
	if err != nil {
		s.logger.Error("Failed to list domain records", zap.Error(err))
		return
	}

	queued := 0
	for _, rec := range records {
		added, err := s.queue.Push(ctx, &queue.Job{Type: queue.JobDomainReconcile, RecordID: rec.ID})
		if err != nil {
			s.logger.Error("Failed to enqueue reconcile",
				zap.Error(err),
				zap.String("domain_record_id", rec.ID),
			)
			continue
		}
		if added {
			queued++
		} else {
			s.logger.Debug("Reconcile already queued", zap.String("fqdn", rec.FQDN))
		}
	}

	if n, err := s.queue.Length(ctx); err == nil {
		s.metrics.SetQueueSize(n)
	}
	s.logger.Info("Scheduled reconciles", zap.Int("records", len(records)), zap.Int("queued", queued))
}

// Every runs fn now and then on each interval until ctx is done. Errors are
// logged and the loop continues.
func Every(ctx context.Context, name string, interval time.Duration, logger *zap.Logger, fn func(context.Context) error) {
	if interval <= 0 {
		logger.Info("Periodic task disabled", zap.String("task", name))
		return
	}

	run := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Periodic task failed", zap.String("task", name), zap.Error(err))
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
