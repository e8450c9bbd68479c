package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/metrics"
	"github.com/leozw/certiroute/internal/queue"
	"github.com/leozw/certiroute/internal/registrar"
)

// Handler processes one job type.
type Handler func(ctx context.Context, job *queue.Job) error

type Reconciler interface {
	Reconcile(ctx context.Context, id string) (*registrar.ReconcileResult, error)
}

// ReconcileHandler runs the registrar's reconcile for the job's record. A
// record deleted since it was queued is not an error.
func ReconcileHandler(r Reconciler, logger *zap.Logger) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		res, err := r.Reconcile(ctx, job.RecordID)
		if core.IsKind(err, core.KindNotFound) {
			logger.Debug("Record gone before reconcile", zap.String("domain_record_id", job.RecordID))
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("Reconciled domain record",
			zap.String("domain_record_id", job.RecordID),
			zap.String("outcome", string(res.Outcome)),
		)
		return nil
	}
}

type Worker struct {
	id          int
	queue       Queue
	handlers    map[string]Handler
	metrics     *metrics.Collector
	logger      *zap.Logger
	jobTimeout  time.Duration
	pollTimeout time.Duration
}

func NewWorker(id int, q Queue, handlers map[string]Handler, collector *metrics.Collector, logger *zap.Logger, jobTimeout time.Duration) *Worker {
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	return &Worker{
		id:          id,
		queue:       q,
		handlers:    handlers,
		metrics:     collector,
		logger:      logger.With(zap.Int("worker_id", id)),
		jobTimeout:  jobTimeout,
		pollTimeout: 5 * time.Second,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Worker started")

	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopped")
			return
		}

		job, err := w.queue.Pop(ctx, w.pollTimeout)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("Failed to pop job", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	start := time.Now()

	handler, ok := w.handlers[job.Type]
	if !ok {
		w.logger.Error("No handler for job type", zap.String("job_type", job.Type))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	err := handler(jobCtx, job)
	took := time.Since(start)
	w.metrics.RecordJob(job.Type, took, err)

	if err != nil {
		w.logger.Error("Job failed",
			zap.Error(err),
			zap.String("job_type", job.Type),
			zap.String("record_id", job.RecordID),
			zap.Bool("retryable", core.Retryable(err)),
		)
		return
	}

	w.logger.Debug("Job completed",
		zap.String("job_type", job.Type),
		zap.String("record_id", job.RecordID),
		zap.Duration("queued_for", start.Sub(job.EnqueuedAt)),
		zap.Duration("duration", took),
	)
}
