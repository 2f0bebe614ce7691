package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailrelay/internal/models"
)

const (
	headerRetryCount = "retry_count"
	headerRequestID  = "request_id"
)

// DeliveryPublisher hands serialized delivery jobs to the broker. Messages
// are always marked persistent and carry the retry count as a header so a
// redelivery keeps its attempt count without a store round trip. Publish
// failures are surfaced to the caller; there is no internal retry.
type DeliveryPublisher interface {
	Publish(ctx context.Context, msg *models.DeliveryMessage, opts PublishOptions) error
	PublishRetry(ctx context.Context, msg *models.DeliveryMessage, delay time.Duration) error
}

type PublishOptions struct {
	RequestID string
	Priority  uint8
}

type Publisher struct {
	client *Client
	logger *zap.Logger
}

func NewPublisher(client *Client, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Publish routes the message to the primary queue.
func (p *Publisher) Publish(ctx context.Context, msg *models.DeliveryMessage, opts PublishOptions) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal delivery message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     opts.Priority,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			headerRetryCount: int64(msg.RetryCount),
			headerRequestID:  opts.RequestID,
		},
	}

	if err := p.client.channel.PublishWithContext(ctx, Exchange, EmailRoutingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", msg.JobID, err)
	}

	p.logger.Info("delivery job published",
		zap.String("job_id", msg.JobID),
		zap.Int("retry_count", msg.RetryCount),
	)
	return nil
}

// PublishRetry routes the message to the retry queue with a per-message TTL
// equal to the backoff delay. When the TTL expires the broker dead-letters
// the message back into the primary exchange, so the consumer slot is never
// blocked waiting out a backoff.
func (p *Publisher) PublishRetry(ctx context.Context, msg *models.DeliveryMessage, delay time.Duration) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal delivery message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Headers: amqp.Table{
			headerRetryCount: int64(msg.RetryCount),
		},
	}

	if err := p.client.channel.PublishWithContext(ctx, Exchange, RetryRoutingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish retry for job %s: %w", msg.JobID, err)
	}

	p.logger.Info("delivery job scheduled for retry",
		zap.String("job_id", msg.JobID),
		zap.Int("retry_count", msg.RetryCount),
		zap.Duration("delay", delay),
	)
	return nil
}

// RetryCountFromHeaders reads the attempt count carried in message headers,
// defaulting to zero when the header is absent or of an unexpected type.
func RetryCountFromHeaders(headers amqp.Table) int {
	v, ok := headers[headerRetryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}
