package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mailrelay/internal/broker"
	"mailrelay/internal/models"
	"mailrelay/internal/state"
	"mailrelay/internal/store"
)

// Reaper reconciles the store with the broker. Two kinds of jobs can strand:
// a job stuck in queued whose publish was lost (ingress crashed between
// create and publish, or a retry re-publish failed), and a job stuck in
// processing whose consumer died after acknowledging. Both are re-published
// onto the primary queue; at-least-once semantics and the consumer's
// idempotency guard make duplicate re-publishes harmless.
type Reaper struct {
	store      store.EmailJobStore
	publisher  broker.DeliveryPublisher
	staleAfter time.Duration
	batchSize  int
	logger     *zap.Logger
	now        func() time.Time
}

func New(jobStore store.EmailJobStore, publisher broker.DeliveryPublisher, staleAfter time.Duration, batchSize int, logger *zap.Logger) *Reaper {
	return &Reaper{
		store:      jobStore,
		publisher:  publisher,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		logger:     logger,
		now:        time.Now,
	}
}

// Start runs the reconciler on the given cron schedule until ctx is
// cancelled.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reconciler pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// RunOnce performs a single reconciliation pass.
func (r *Reaper) RunOnce(ctx context.Context) error {
	cutoff := r.now().Add(-r.staleAfter)

	if err := r.republishStaleQueued(ctx, cutoff); err != nil {
		return err
	}
	return r.requeueStaleProcessing(ctx, cutoff)
}

func (r *Reaper) republishStaleQueued(ctx context.Context, cutoff time.Time) error {
	jobs, err := r.store.FindStale(ctx, state.StatusQueued, cutoff, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to scan stale queued jobs: %w", err)
	}

	for i := range jobs {
		job := &jobs[i]
		// bump updated_at first so the next pass does not pick it up again
		if err := r.store.Update(ctx, job); err != nil {
			r.logger.Error("failed to touch stale queued job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if err := r.publish(ctx, job); err != nil {
			continue
		}
		r.logger.Info("re-published stale queued job",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
		)
	}
	return nil
}

func (r *Reaper) requeueStaleProcessing(ctx context.Context, cutoff time.Time) error {
	jobs, err := r.store.FindStale(ctx, state.StatusProcessing, cutoff, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to scan stale processing jobs: %w", err)
	}

	for i := range jobs {
		job := &jobs[i]
		job.Status = state.StatusQueued
		if err := r.store.Update(ctx, job); err != nil {
			r.logger.Error("failed to requeue stale processing job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if err := r.publish(ctx, job); err != nil {
			continue
		}
		r.logger.Warn("requeued job stuck in processing",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
		)
	}
	return nil
}

func (r *Reaper) publish(ctx context.Context, job *models.EmailJob) error {
	opts := broker.PublishOptions{}
	if job.RequestID != nil {
		opts.RequestID = *job.RequestID
	}
	if err := r.publisher.Publish(ctx, models.NewDeliveryMessage(job), opts); err != nil {
		r.logger.Error("failed to re-publish stale job", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}
	return nil
}
