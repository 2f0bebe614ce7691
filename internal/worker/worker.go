package worker

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailrelay/internal/breaker"
	"mailrelay/internal/broker"
	"mailrelay/internal/mailer"
	"mailrelay/internal/models"
	"mailrelay/internal/retry"
	"mailrelay/internal/state"
	"mailrelay/internal/store"
)

// outcome is the acknowledgment decision for one delivery. A message is
// never silently dropped on an unexpected error: it is either acknowledged
// after the store reflects the result, or nacked without requeue so the
// dead-letter queue captures it for inspection.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeDeadLetter
)

// Consumer drives one job at a time through its status state machine. The
// broker's prefetch-1 delivery makes the load-mutate-persist sequence
// single-writer per job, so the store needs no locking discipline of its own.
type Consumer struct {
	store     store.EmailJobStore
	transport mailer.Transport
	breaker   *breaker.CircuitBreaker
	publisher broker.DeliveryPublisher
	policy    retry.Policy
	logger    *zap.Logger
	now       func() time.Time
}

func NewConsumer(
	jobStore store.EmailJobStore,
	transport mailer.Transport,
	cb *breaker.CircuitBreaker,
	publisher broker.DeliveryPublisher,
	policy retry.Policy,
	logger *zap.Logger,
) *Consumer {
	return &Consumer{
		store:     jobStore,
		transport: transport,
		breaker:   cb,
		publisher: publisher,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}
}

// Run processes deliveries until ctx is cancelled or the channel closes.
// Cancellation stops accepting new deliveries; the delivery currently being
// processed runs to completion on a detached context so a drain never
// abandons a half-finished attempt.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(context.WithoutCancel(ctx), d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	switch c.process(ctx, d.Body, d.Headers) {
	case outcomeAck:
		if err := d.Ack(false); err != nil {
			c.logger.Error("failed to ack delivery", zap.Error(err))
		}
	case outcomeDeadLetter:
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("failed to nack delivery", zap.Error(err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, body []byte, headers amqp.Table) outcome {
	msg, err := models.UnmarshalDeliveryMessage(body)
	if err != nil {
		c.logger.Error("malformed delivery message, dead-lettering", zap.Error(err))
		return outcomeDeadLetter
	}

	job, err := c.store.FindByID(ctx, msg.JobID)
	if err != nil {
		c.logger.Error("store lookup failed, dead-lettering",
			zap.String("job_id", msg.JobID),
			zap.Error(err),
		)
		return outcomeDeadLetter
	}
	if job == nil {
		// a crashed-before-enqueue race; nothing to recover, do not block the queue
		c.logger.Warn("job not found, discarding", zap.String("job_id", msg.JobID))
		return outcomeAck
	}

	// idempotency guard: broker-level redelivery of a completed job
	if state.IsTerminalSuccess(job.Status) {
		c.logger.Info("job already completed, discarding redelivery",
			zap.String("job_id", job.ID),
			zap.String("status", job.Status.String()),
		)
		return outcomeAck
	}

	if !state.IsValidTransition(job.Status, state.StatusProcessing) {
		c.logger.Warn("job in terminal state, discarding redelivery",
			zap.String("job_id", job.ID),
			zap.String("status", job.Status.String()),
		)
		return outcomeAck
	}

	job.Status = state.StatusProcessing
	if err := c.store.Update(ctx, job); err != nil {
		c.logger.Error("failed to persist processing status, dead-lettering",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return outcomeDeadLetter
	}

	sendErr := c.breaker.Execute(func() error {
		return c.transport.Send(ctx, job.Recipient, job.SubjectOrEmpty(), job.BodyOrEmpty())
	})

	switch {
	case sendErr == nil:
		return c.completeSent(ctx, job)
	case errors.Is(sendErr, breaker.ErrOpen):
		return c.completeCircuitOpen(ctx, job)
	default:
		return c.completeFailure(ctx, job, headers, sendErr)
	}
}

func (c *Consumer) completeSent(ctx context.Context, job *models.EmailJob) outcome {
	now := c.now()
	job.Status = state.StatusSent
	job.SentAt = &now
	job.ErrorMessage = nil
	if err := c.store.Update(ctx, job); err != nil {
		c.logger.Error("sent but failed to persist, dead-lettering",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return outcomeDeadLetter
	}
	c.logger.Info("email sent", zap.String("job_id", job.ID), zap.Int("retry_count", job.RetryCount))
	return outcomeAck
}

// completeCircuitOpen terminates the job without consuming retry budget: the
// transport was never invoked, so the failure says nothing about this job.
// The distinguishing error message lets operators tell these apart from
// exhausted retries in the store.
func (c *Consumer) completeCircuitOpen(ctx context.Context, job *models.EmailJob) outcome {
	msg := "circuit breaker open: delivery rejected without a transport attempt"
	job.Status = state.StatusFailed
	job.ErrorMessage = &msg
	if err := c.store.Update(ctx, job); err != nil {
		c.logger.Error("failed to persist circuit-open failure, dead-lettering",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return outcomeDeadLetter
	}
	c.logger.Warn("circuit open, job failed without transport attempt", zap.String("job_id", job.ID))
	return outcomeAck
}

func (c *Consumer) completeFailure(ctx context.Context, job *models.EmailJob, headers amqp.Table, sendErr error) outcome {
	// the header count survives redelivery even if an earlier store write was
	// lost, so take whichever attempt count is further along
	attempts := job.RetryCount
	if h := broker.RetryCountFromHeaders(headers); h > attempts {
		attempts = h
	}
	job.RetryCount = attempts + 1
	errMsg := sendErr.Error()
	job.ErrorMessage = &errMsg

	if !c.policy.ShouldRetry(job.RetryCount) {
		job.Status = state.StatusFailed
		if err := c.store.Update(ctx, job); err != nil {
			c.logger.Error("failed to persist terminal failure",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
		c.logger.Warn("retries exhausted, dead-lettering",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
		)
		return outcomeDeadLetter
	}

	job.Status = state.StatusQueued
	if err := c.store.Update(ctx, job); err != nil {
		c.logger.Error("failed to persist retry status, dead-lettering",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return outcomeDeadLetter
	}

	delay := c.policy.Delay(job.RetryCount)
	if err := c.publisher.PublishRetry(ctx, models.NewDeliveryMessage(job), delay); err != nil {
		// the job is already queued in the store; the reconciler picks it up
		c.logger.Error("failed to schedule retry, leaving job queued for the reconciler",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return outcomeAck
	}

	c.logger.Info("transport failed, retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.Duration("delay", delay),
		zap.String("error", errMsg),
	)
	return outcomeAck
}
