package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Topology names shared by the publisher, the topology manager and the
// consumer loop. The retry queue dead-letters expired messages back into the
// primary exchange, which realizes backoff as a broker-side delay instead of
// a blocking sleep in the consumer.
const (
	Exchange        = "notifications.direct"
	EmailRoutingKey = "email"
	EmailQueue      = "email.queue"

	DLXExchange   = "notifications.dlx"
	DLQRoutingKey = "failed"
	DeadQueue     = "failed.queue"

	RetryQueue      = "email.retry.queue"
	RetryRoutingKey = "email.retry"
)

type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger
}

// Dial connects to the broker, retrying with linear backoff up to attempts
// times. The pipeline cannot run without the broker, so callers treat a
// final failure as fatal.
func Dial(url string, attempts int, backoff time.Duration, logger *zap.Logger) (*Client, error) {
	if attempts < 1 {
		attempts = 1
	}

	var conn *amqp.Connection
	var err error
	for i := 1; i <= attempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		if i < attempts {
			wait := time.Duration(i) * backoff
			logger.Warn("broker connection failed, retrying",
				zap.Int("attempt", i),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	logger.Info("connected to broker")
	return &Client{conn: conn, channel: ch, logger: logger}, nil
}

// EnsureTopology declares the exchange, the primary queue with its
// dead-letter configuration, the dead-letter queue and the retry queue, and
// binds them. Declares are idempotent on the broker side; re-declaring with
// conflicting arguments returns an error that the caller must treat as a
// fatal configuration problem.
func (c *Client) EnsureTopology() error {
	if err := c.channel.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", Exchange, err)
	}
	if err := c.channel.ExchangeDeclare(DLXExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", DLXExchange, err)
	}

	if _, err := c.channel.QueueDeclare(EmailQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DLXExchange,
		"x-dead-letter-routing-key": DLQRoutingKey,
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", EmailQueue, err)
	}
	if err := c.channel.QueueBind(EmailQueue, EmailRoutingKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", EmailQueue, err)
	}

	if _, err := c.channel.QueueDeclare(DeadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", DeadQueue, err)
	}
	if err := c.channel.QueueBind(DeadQueue, DLQRoutingKey, DLXExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", DeadQueue, err)
	}

	if _, err := c.channel.QueueDeclare(RetryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    Exchange,
		"x-dead-letter-routing-key": EmailRoutingKey,
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", RetryQueue, err)
	}
	if err := c.channel.QueueBind(RetryQueue, RetryRoutingKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", RetryQueue, err)
	}

	c.logger.Info("broker topology ensured",
		zap.String("exchange", Exchange),
		zap.String("queue", EmailQueue),
		zap.String("dead_letter_queue", DeadQueue),
	)
	return nil
}

// Consume registers a consumer on the primary queue with at most one
// unacknowledged message in flight. Each call opens its own channel so that
// multiple consumer instances on one connection keep independent prefetch
// windows; acknowledgments travel on the delivery's own channel.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.Consume(
		EmailQueue,
		"",    // consumer tag
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register consumer on %s: %w", EmailQueue, err)
	}
	return msgs, nil
}

func (c *Client) Close() error {
	if err := c.channel.Close(); err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}
