package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/ordersaga-go/contracts"
)

// StepRequest is the outbound command asking a domain service to perform
// or undo one step of the saga.
type StepRequest struct {
	contracts.BaseCommand
	TransactionID string            `json:"transactionId"`
	Kind          string            `json:"requestKind"`
	Params        map[string]string `json:"params,omitempty"`
}

// NewStepRequest builds the request for the step's forward action.
func NewStepRequest(transactionID string, step Step, params map[string]string) *StepRequest {
	req := &StepRequest{
		BaseCommand:   contracts.NewBaseCommand(step.RequestKind(), step.String()),
		TransactionID: transactionID,
		Kind:          step.RequestKind(),
		Params:        params,
	}
	req.SetCorrelationID(transactionID)
	return req
}

// NewCompensationRequest builds the request that undoes a completed step.
func NewCompensationRequest(transactionID string, step Step, params map[string]string) *StepRequest {
	req := &StepRequest{
		BaseCommand:   contracts.NewBaseCommand(step.CompensationKind(), step.String()),
		TransactionID: transactionID,
		Kind:          step.CompensationKind(),
		Params:        params,
	}
	req.SetCorrelationID(transactionID)
	return req
}

// StepResponse is the inbound answer a domain service publishes for a
// step request.
type StepResponse struct {
	contracts.BaseEvent
	TransactionID string            `json:"transactionId"`
	Kind          string            `json:"responseKind"`
	Reason        string            `json:"reason,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
}

// NewStepResponse builds a response event. Domain services and tests use
// this; the coordinator itself only consumes responses.
func NewStepResponse(transactionID, kind, reason string) *StepResponse {
	resp := &StepResponse{
		BaseEvent:     contracts.NewBaseEvent(kind, transactionID),
		TransactionID: transactionID,
		Kind:          kind,
		Reason:        reason,
	}
	resp.SetCorrelationID(transactionID)
	return resp
}

// OrderCreated starts a saga from the bus, carrying the order id and any
// customer metadata that should ride along on every step request.
type OrderCreated struct {
	contracts.BaseEvent
	TransactionID string            `json:"transactionId"`
	Params        map[string]string `json:"params,omitempty"`
}

// NewOrderCreated builds an ORDER_CREATED event.
func NewOrderCreated(transactionID string, params map[string]string) *OrderCreated {
	ev := &OrderCreated{
		BaseEvent:     contracts.NewBaseEvent(KindOrderCreated, transactionID),
		TransactionID: transactionID,
		Params:        params,
	}
	ev.SetCorrelationID(transactionID)
	return ev
}

// UnmarshalFromEnvelope decodes the event from an envelope body and
// validates the fields the coordinator requires.
func (e *OrderCreated) UnmarshalFromEnvelope(envelope *contracts.Envelope) error {
	if err := json.Unmarshal(envelope.Body, e); err != nil {
		return fmt.Errorf("decode order event: %w", err)
	}
	if e.TransactionID == "" {
		return errors.New("order event missing transaction id")
	}
	return nil
}

// responseWire is the minimal shape the correlator needs from an inbound
// response body.
type responseWire struct {
	TransactionID string            `json:"transactionId"`
	Kind          string            `json:"responseKind"`
	Reason        string            `json:"reason"`
	Payload       map[string]string `json:"payload"`
	Timestamp     time.Time         `json:"timestamp"`
}
