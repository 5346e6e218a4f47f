package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/ordersaga-go/contracts"
	"github.com/glimte/ordersaga-go/internal/reliability"
)

// DefaultExchange is the topic exchange all saga traffic flows through.
const DefaultExchange = "saga.messages"

// Publisher publishes domain messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg contracts.Message, options ...PublishOption) error
}

// MessagePublisher provides high-level message publishing on top of a
// transport publisher, with retry applied to transient send failures.
type MessagePublisher struct {
	transport   TransportPublisher
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// PublisherOption configures the MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		p.logger = logger
	}
}

// WithRetryPolicy sets the retry policy applied to each publish
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *MessagePublisher) {
		p.retryPolicy = policy
	}
}

// NewMessagePublisher creates a new message publisher
func NewMessagePublisher(transport TransportPublisher, options ...PublisherOption) *MessagePublisher {
	p := &MessagePublisher{
		transport:   transport,
		logger:      slog.Default(),
		retryPolicy: reliability.NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 3),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOptions configures message publishing
type PublishOptions struct {
	Exchange   string
	RoutingKey string
	Headers    map[string]interface{}
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithExchange sets the exchange name
func WithExchange(exchange string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Exchange = exchange
	}
}

// WithRoutingKey sets the routing key
func WithRoutingKey(routingKey string) PublishOption {
	return func(opts *PublishOptions) {
		opts.RoutingKey = routingKey
	}
}

// WithHeaders sets custom headers
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(map[string]interface{})
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// Publish publishes a message
func (p *MessagePublisher) Publish(ctx context.Context, msg contracts.Message, options ...PublishOption) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	opts := PublishOptions{
		Exchange:   DefaultExchange,
		RoutingKey: fmt.Sprintf("msg.%s", msg.GetType()),
		Headers:    make(map[string]interface{}),
	}

	for _, opt := range options {
		opt(&opts)
	}

	envelope, err := p.createEnvelope(msg, &opts)
	if err != nil {
		return err
	}

	publishFunc := func() error {
		return p.transport.Publish(ctx, opts.Exchange, opts.RoutingKey, envelope)
	}

	if err := reliability.Retry(ctx, p.retryPolicy, publishFunc); err != nil {
		p.logger.Error("failed to publish message",
			"messageId", msg.GetID(),
			"messageType", msg.GetType(),
			"exchange", opts.Exchange,
			"routingKey", opts.RoutingKey,
			"error", err,
		)
		return fmt.Errorf("failed to publish message %s: %w", msg.GetID(), err)
	}

	p.logger.Debug("message published",
		"messageId", msg.GetID(),
		"messageType", msg.GetType(),
		"routingKey", opts.RoutingKey,
	)

	return nil
}

// createEnvelope wraps the message for transport
func (p *MessagePublisher) createEnvelope(msg contracts.Message, opts *PublishOptions) (*contracts.Envelope, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message %s: %w", msg.GetID(), err)
	}

	opts.Headers["message-id"] = msg.GetID()
	opts.Headers["message-type"] = msg.GetType()
	if correlationID := msg.GetCorrelationID(); correlationID != "" {
		opts.Headers["correlation-id"] = correlationID
	}

	return &contracts.Envelope{
		ID:            msg.GetID(),
		Type:          msg.GetType(),
		Timestamp:     msg.GetTimestamp().UTC().Format(time.RFC3339),
		CorrelationID: msg.GetCorrelationID(),
		Headers:       opts.Headers,
		Body:          body,
	}, nil
}

// Close closes the publisher and releases resources
func (p *MessagePublisher) Close() error {
	return p.transport.Close()
}
