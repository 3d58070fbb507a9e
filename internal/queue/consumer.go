package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

// DefaultMaxRetries is the number of retries before a message is
// dead-lettered.
const DefaultMaxRetries = 10

const retriesHeader = "x-retries"

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Channel is the part of an AMQP channel a Consumer needs.
type Channel interface {
	Publisher
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
}

// Consumer handles messages of one queue, one at a time.
type Consumer struct {
	ch         Channel
	queue      string
	handle     Handler
	maxRetries int
	// AfterMessage runs after each message, e.g. to log metrics.
	AfterMessage func(took time.Duration)
}

// NewConsumer creates a Consumer. maxRetries <= 0 means DefaultMaxRetries.
func NewConsumer(ch Channel, queueName string, handle Handler, maxRetries int) *Consumer {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Consumer{ch: ch, queue: queueName, handle: handle, maxRetries: maxRetries}
}

// Run consumes until ctx is done or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	// prefetch=1: only one message in flight.
	if err := c.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := c.ch.Consume(c.queue, c.queue+"_consumer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.queue, err)
	}

	logger.Info("[Queue] Listening for messages", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping consumer", "queue", c.queue)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("[Queue] Message channel closed", "queue", c.queue)
				return nil
			}
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	logger.Info("[Queue] Received message", "queue", c.queue)

	if err := c.handle(ctx, msg.Body); err != nil {
		logger.Error("[Queue] Error processing message", "queue", c.queue, "err", err)
		c.HandleFailure(ctx, msg, err)
	} else {
		if err := msg.Ack(false); err != nil {
			logger.Error("[Queue] Failed to ack message", "err", err)
		}
		logger.Info("[Queue] Message processed successfully", "queue", c.queue)
	}

	if c.AfterMessage != nil {
		c.AfterMessage(time.Since(start))
	}
}

// retries reads the retry counter header. The broker may hand integers
// back with a different width than they were published with.
func retries(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int16:
		return int(v)
	}
	return 0
}

// permanent reports whether retrying cannot help. Input errors and
// malformed messages go to the dead-letter queue right away.
func permanent(err error) bool {
	kind := common.KindOf(err)
	return kind.Category() == common.CategoryInput || kind == common.PermissionDenied
}

// HandleFailure routes a failed message to the retry queue with an
// incremented counter, or to the dead-letter queue once the counter
// reached the limit. The original delivery is acked after the republish
// and requeued if the republish fails.
func (c *Consumer) HandleFailure(ctx context.Context, msg amqp091.Delivery, cause error) {
	n := retries(msg.Headers)

	if n >= c.maxRetries || permanent(cause) {
		dlqName := DeadLetterQueue(c.queue)
		logger.Warn("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", n, "err", cause)
		if err := PublishFIFO(ctx, c.ch, dlqName, msg.ContentType, msg.Body, msg.Headers); err != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", err)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := RetryQueue(c.queue)
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retriesHeader] = int32(n + 1)

	if err := PublishFIFO(ctx, c.ch, retryName, msg.ContentType, msg.Body, headers); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
