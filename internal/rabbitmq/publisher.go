package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher handles message publishing with publisher confirms. A single
// confirm-mode channel is shared and replaced lazily after connection loss.
type Publisher struct {
	manager        *ConnectionManager
	mu             sync.Mutex
	channel        *amqp.Channel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	closed         bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message and waits for the broker confirmation.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrConnectionClosed
	}

	ch, confirms, err := p.channelLocked()
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.dropChannelLocked()
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	select {
	case confirm, ok := <-confirms:
		if !ok {
			p.dropChannelLocked()
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
		}
		if !confirm.Ack {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
		}
		return nil

	case <-time.After(p.confirmTimeout):
		p.dropChannelLocked()
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishTimeout, Timestamp: time.Now()}

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the publisher channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.channel != nil {
		err := p.channel.Close()
		p.channel = nil
		return err
	}
	return nil
}

// channelLocked returns the confirm-mode channel, opening one if needed.
// Caller must hold p.mu.
func (p *Publisher) channelLocked() (*amqp.Channel, chan amqp.Confirmation, error) {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, p.confirms, nil
	}

	ch, err := p.manager.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to enable confirms: %w", err)
	}

	p.channel = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return p.channel, p.confirms, nil
}

// dropChannelLocked discards the channel so the next publish reopens it.
// Caller must hold p.mu.
func (p *Publisher) dropChannelLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
}
