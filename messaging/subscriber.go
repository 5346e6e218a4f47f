package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/ordersaga-go/contracts"
)

// EnvelopeHandler processes a decoded envelope from the bus.
type EnvelopeHandler interface {
	Handle(ctx context.Context, envelope *contracts.Envelope) error
}

// EnvelopeHandlerFunc is a function adapter for EnvelopeHandler
type EnvelopeHandlerFunc func(ctx context.Context, envelope *contracts.Envelope) error

// Handle implements EnvelopeHandler
func (f EnvelopeHandlerFunc) Handle(ctx context.Context, envelope *contracts.Envelope) error {
	return f(ctx, envelope)
}

// ErrorAction determines what to do with failed messages
type ErrorAction int

const (
	// Acknowledge drops the message as handled
	Acknowledge ErrorAction = iota
	// Retry requeues the message for redelivery
	Retry
	// Reject drops the message without requeue
	Reject
)

// ErrorHandler decides the fate of a message whose handler failed
type ErrorHandler interface {
	HandleError(ctx context.Context, envelope *contracts.Envelope, err error) ErrorAction
}

// DefaultErrorHandler logs the failure and drops the message. At-least-once
// delivery means a blind requeue would loop forever on a poison message.
type DefaultErrorHandler struct {
	Logger *slog.Logger
}

// HandleError implements ErrorHandler
func (h *DefaultErrorHandler) HandleError(ctx context.Context, envelope *contracts.Envelope, err error) ErrorAction {
	if h.Logger != nil {
		h.Logger.Error("message processing failed",
			"messageId", envelope.ID,
			"messageType", envelope.Type,
			"error", err,
		)
	}
	return Reject
}

// MessageSubscriber manages message consumption and envelope decoding
type MessageSubscriber struct {
	transport     TransportSubscriber
	logger        *slog.Logger
	errorHandler  ErrorHandler
	subscriptions map[string]EnvelopeHandler
	mu            sync.RWMutex
}

// SubscriberOption configures the MessageSubscriber
type SubscriberOption func(*MessageSubscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.logger = logger
	}
}

// WithErrorHandler sets the error handler
func WithErrorHandler(errorHandler ErrorHandler) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.errorHandler = errorHandler
	}
}

// NewMessageSubscriber creates a new message subscriber
func NewMessageSubscriber(transport TransportSubscriber, options ...SubscriberOption) *MessageSubscriber {
	s := &MessageSubscriber{
		transport:     transport,
		logger:        slog.Default(),
		subscriptions: make(map[string]EnvelopeHandler),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.errorHandler == nil {
		s.errorHandler = &DefaultErrorHandler{Logger: s.logger}
	}

	return s
}

// SubscriptionOption configures subscription behavior
type SubscriptionOption func(*SubscriptionOptions)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.PrefetchCount = count
	}
}

// Subscribe consumes envelopes from a queue and routes them to handler
func (s *MessageSubscriber) Subscribe(ctx context.Context, queue string, handler EnvelopeHandler, options ...SubscriptionOption) error {
	if queue == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	opts := SubscriptionOptions{
		PrefetchCount: 10,
	}
	for _, opt := range options {
		opt(&opts)
	}

	s.mu.Lock()
	if _, exists := s.subscriptions[queue]; exists {
		s.mu.Unlock()
		return fmt.Errorf("already subscribed to queue: %s", queue)
	}
	s.subscriptions[queue] = handler
	s.mu.Unlock()

	err := s.transport.Subscribe(ctx, queue, func(delivery TransportDelivery) error {
		s.handleDelivery(ctx, queue, delivery, handler)
		return nil
	}, opts)
	if err != nil {
		s.mu.Lock()
		delete(s.subscriptions, queue)
		s.mu.Unlock()
		return fmt.Errorf("failed to subscribe to queue %s: %w", queue, err)
	}

	s.logger.Info("subscribed to queue", "queue", queue)
	return nil
}

// Unsubscribe stops consuming from a queue
func (s *MessageSubscriber) Unsubscribe(queue string) error {
	s.mu.Lock()
	_, exists := s.subscriptions[queue]
	delete(s.subscriptions, queue)
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("not subscribed to queue: %s", queue)
	}
	return s.transport.Unsubscribe(queue)
}

// Close closes all subscriptions
func (s *MessageSubscriber) Close() error {
	s.mu.Lock()
	s.subscriptions = make(map[string]EnvelopeHandler)
	s.mu.Unlock()
	return s.transport.Close()
}

// handleDelivery decodes and dispatches a single delivery
func (s *MessageSubscriber) handleDelivery(ctx context.Context, queue string, delivery TransportDelivery, handler EnvelopeHandler) {
	var envelope contracts.Envelope
	if err := json.Unmarshal(delivery.Body(), &envelope); err != nil {
		s.logger.Error("failed to parse message envelope",
			"queue", queue,
			"error", err,
		)
		// Malformed payloads can never succeed on redelivery
		s.reject(delivery, false)
		return
	}

	if err := handler.Handle(ctx, &envelope); err != nil {
		switch s.errorHandler.HandleError(ctx, &envelope, err) {
		case Acknowledge:
			s.ack(delivery)
		case Retry:
			s.reject(delivery, true)
		case Reject:
			s.reject(delivery, false)
		}
		return
	}

	s.ack(delivery)
}

func (s *MessageSubscriber) ack(delivery TransportDelivery) {
	if err := delivery.Acknowledge(); err != nil {
		s.logger.Error("failed to ack message", "error", err)
	}
}

func (s *MessageSubscriber) reject(delivery TransportDelivery, requeue bool) {
	if err := delivery.Reject(requeue); err != nil {
		s.logger.Error("failed to reject message", "requeue", requeue, "error", err)
	}
}
