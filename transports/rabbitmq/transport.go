package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glimte/ordersaga-go/contracts"
	"github.com/glimte/ordersaga-go/internal/rabbitmq"
	"github.com/glimte/ordersaga-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// NewTransport creates a new RabbitMQ transport and declares the saga exchange
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(connectionString, cfg.ConnectionOptions...)

	if err := manager.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	transport := &Transport{
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, cfg.PublisherOptions...),
		consumer:  rabbitmq.NewConsumer(manager, cfg.ConsumerOptions...),
	}

	if err := transport.declareExchange(context.Background()); err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return transport, nil
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisherAdapter{publisher: t.publisher}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriberAdapter{consumer: t.consumer}
}

// CreateQueue creates a queue if it doesn't exist
func (t *Transport) CreateQueue(ctx context.Context, name string, options messaging.QueueOptions) error {
	channel, err := t.manager.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	defer channel.Close()

	args := make(amqp.Table)
	for k, v := range options.Args {
		args[k] = v
	}

	_, err = channel.QueueDeclare(
		name,
		options.Durable,
		options.AutoDelete,
		options.Exclusive,
		false, // no-wait
		args,
	)
	return err
}

// BindQueue creates a binding between queue and exchange
func (t *Transport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	channel, err := t.manager.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	defer channel.Close()

	return channel.QueueBind(
		queue,
		routingKey,
		exchange,
		false, // no-wait
		nil,   // args
	)
}

// Connect establishes connection to the broker
func (t *Transport) Connect(ctx context.Context) error {
	return t.manager.Connect(ctx)
}

// Close closes all resources
func (t *Transport) Close() error {
	t.consumer.Close()
	if t.publisher != nil {
		t.publisher.Close()
	}
	return t.manager.Close()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// ConnectionManager exposes the underlying connection for health checks
func (t *Transport) ConnectionManager() *rabbitmq.ConnectionManager {
	return t.manager
}

// declareExchange declares the saga topic exchange
func (t *Transport) declareExchange(ctx context.Context) error {
	channel, err := t.manager.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	defer channel.Close()

	return channel.ExchangeDeclare(
		messaging.DefaultExchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
}

// publisherAdapter adapts the RabbitMQ publisher to TransportPublisher
type publisherAdapter struct {
	publisher *rabbitmq.Publisher
}

// Publish implements TransportPublisher
func (p *publisherAdapter) Publish(ctx context.Context, exchange, routingKey string, envelope *contracts.Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	}

	if envelope.Headers != nil {
		msg.Headers = make(amqp.Table)
		for k, v := range envelope.Headers {
			msg.Headers[k] = v
		}
	}

	return p.publisher.Publish(ctx, exchange, routingKey, msg)
}

// Close implements TransportPublisher
func (p *publisherAdapter) Close() error {
	return p.publisher.Close()
}

// subscriberAdapter adapts the RabbitMQ consumer to TransportSubscriber
type subscriberAdapter struct {
	consumer *rabbitmq.Consumer
}

// Subscribe implements TransportSubscriber
func (s *subscriberAdapter) Subscribe(ctx context.Context, queue string, handler func(messaging.TransportDelivery) error, options messaging.SubscriptionOptions) error {
	return s.consumer.Subscribe(ctx, queue, func(ctx context.Context, delivery amqp.Delivery) error {
		return handler(&deliveryAdapter{delivery: delivery})
	})
}

// Unsubscribe implements TransportSubscriber
func (s *subscriberAdapter) Unsubscribe(queue string) error {
	return s.consumer.Unsubscribe(queue)
}

// Close implements TransportSubscriber
func (s *subscriberAdapter) Close() error {
	return s.consumer.Close()
}

// deliveryAdapter adapts amqp.Delivery to TransportDelivery
type deliveryAdapter struct {
	delivery amqp.Delivery
}

// Body implements TransportDelivery
func (d *deliveryAdapter) Body() []byte {
	return d.delivery.Body
}

// Acknowledge implements TransportDelivery
func (d *deliveryAdapter) Acknowledge() error {
	return d.delivery.Ack(false)
}

// Reject implements TransportDelivery
func (d *deliveryAdapter) Reject(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}

// Headers implements TransportDelivery
func (d *deliveryAdapter) Headers() map[string]interface{} {
	headers := make(map[string]interface{})
	for k, v := range d.delivery.Headers {
		headers[k] = v
	}
	return headers
}
