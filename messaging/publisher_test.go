package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/ordersaga-go/contracts"
	"github.com/glimte/ordersaga-go/internal/reliability"
)

type mockTransportPublisher struct {
	mock.Mock
}

func (m *mockTransportPublisher) Publish(ctx context.Context, exchange, routingKey string, envelope *contracts.Envelope) error {
	args := m.Called(ctx, exchange, routingKey, envelope)
	return args.Error(0)
}

func (m *mockTransportPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

type testCommand struct {
	contracts.BaseCommand
	Body string `json:"body"`
}

func newTestCommand() *testCommand {
	return &testCommand{
		BaseCommand: contracts.NewBaseCommand("TestCommand", "test-service"),
		Body:        "payload",
	}
}

func TestPublish(t *testing.T) {
	t.Run("wraps the message in an envelope on the default exchange", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		var envelope *contracts.Envelope
		transport.On("Publish", mock.Anything, DefaultExchange, "msg.TestCommand", mock.Anything).
			Run(func(args mock.Arguments) {
				envelope = args.Get(3).(*contracts.Envelope)
			}).
			Return(nil)

		publisher := NewMessagePublisher(transport)
		msg := newTestCommand()
		err := publisher.Publish(context.Background(), msg)

		require.NoError(t, err)
		require.NotNil(t, envelope)
		assert.Equal(t, msg.GetID(), envelope.ID)
		assert.Equal(t, "TestCommand", envelope.Type)
		assert.Equal(t, msg.GetID(), envelope.Headers["message-id"])
		assert.Equal(t, "TestCommand", envelope.Headers["message-type"])
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(envelope.Body, &decoded))
		assert.Equal(t, "payload", decoded["body"])
		transport.AssertExpectations(t)
	})

	t.Run("honors routing key and header options", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		var envelope *contracts.Envelope
		transport.On("Publish", mock.Anything, DefaultExchange, "saga.payment.requests", mock.Anything).
			Run(func(args mock.Arguments) {
				envelope = args.Get(3).(*contracts.Envelope)
			}).
			Return(nil)

		publisher := NewMessagePublisher(transport)
		err := publisher.Publish(context.Background(), newTestCommand(),
			WithRoutingKey("saga.payment.requests"),
			WithHeaders(map[string]interface{}{"x-tenant": "acme"}))

		require.NoError(t, err)
		assert.Equal(t, "acme", envelope.Headers["x-tenant"])
	})

	t.Run("propagates the correlation id", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		var envelope *contracts.Envelope
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				envelope = args.Get(3).(*contracts.Envelope)
			}).
			Return(nil)

		publisher := NewMessagePublisher(transport)
		msg := newTestCommand()
		msg.SetCorrelationID("ORD-1")
		require.NoError(t, publisher.Publish(context.Background(), msg))

		assert.Equal(t, "ORD-1", envelope.CorrelationID)
		assert.Equal(t, "ORD-1", envelope.Headers["correlation-id"])
	})

	t.Run("retries transient failures per the policy", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("connection reset")).Once()
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil).Once()

		publisher := NewMessagePublisher(transport,
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 2)))
		err := publisher.Publish(context.Background(), newTestCommand())

		require.NoError(t, err)
		transport.AssertExpectations(t)
	})

	t.Run("returns the wrapped error once the policy gives up", func(t *testing.T) {
		transport := &mockTransportPublisher{}
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("broker gone"))

		publisher := NewMessagePublisher(transport,
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 1)))
		err := publisher.Publish(context.Background(), newTestCommand())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to publish message")
		transport.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("rejects nil messages", func(t *testing.T) {
		publisher := NewMessagePublisher(&mockTransportPublisher{})

		assert.Error(t, publisher.Publish(context.Background(), nil))
	})
}
