package contracts

import (
	"time"
)

// Message is the base interface for everything that crosses the bus.
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// Command represents a request for a domain service to perform an action.
type Command interface {
	Message
	GetTargetService() string
}

// Event represents something that has happened in a domain service.
type Event interface {
	Message
	GetAggregateID() string
}
