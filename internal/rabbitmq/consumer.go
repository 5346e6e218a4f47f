package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes incoming deliveries
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages message consumption from RabbitMQ. Each subscription
// gets a dedicated channel so a failure on one queue does not tear down
// the others.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	logger        *slog.Logger
	mu            sync.Mutex
	subscriptions map[string]*consumerSubscription
	closed        bool
}

type consumerSubscription struct {
	channel *amqp.Channel
	cancel  context.CancelFunc
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count applied to each subscription
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
		subscriptions: make(map[string]*consumerSubscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming from a queue and invokes handler per delivery.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConsumerClosed
	}
	if _, exists := c.subscriptions[queue]; exists {
		return fmt.Errorf("already consuming from queue: %s", queue)
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel for queue %s: %w", queue, err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS on queue %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to consume from queue %s: %w", queue, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.subscriptions[queue] = &consumerSubscription{channel: ch, cancel: cancel}

	go c.consumeLoop(subCtx, queue, deliveries, handler)

	return nil
}

// Unsubscribe stops consuming from a queue
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, exists := c.subscriptions[queue]
	if !exists {
		return fmt.Errorf("not consuming from queue: %s", queue)
	}
	delete(c.subscriptions, queue)

	sub.cancel()
	return sub.channel.Close()
}

// Close stops all subscriptions
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for queue, sub := range c.subscriptions {
		sub.cancel()
		sub.channel.Close()
		delete(c.subscriptions, queue)
	}
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("stopping consumption", "queue", queue, "reason", ctx.Err())
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}
			if err := handler(ctx, d); err != nil {
				c.logger.Error("delivery handler failed",
					"queue", queue,
					"deliveryTag", d.DeliveryTag,
					"error", err)
			}
		}
	}
}
