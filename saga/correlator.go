package saga

import (
	"encoding/json"
	"log/slog"

	"github.com/glimte/ordersaga-go/contracts"
)

// Outcome is the uniform vocabulary a step resolves with, regardless of
// whether the cause was a service answer, a deadline, or the transport.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// CorrelatedOutcome is a response message resolved to the instance and
// step it answers.
type CorrelatedOutcome struct {
	TransactionID string
	Step          Step
	Outcome       Outcome
	Reason        string
	Payload       map[string]string
}

// Correlator maps inbound response envelopes to pending step waits.
// Anything it cannot place is logged and dropped; the dispatch loop
// never sees an error from malformed traffic.
type Correlator struct {
	logger *slog.Logger
}

// NewCorrelator creates a correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{logger: logger}
}

// Correlate extracts (instance, step, outcome) from an envelope. The
// second return value is false when the message should be dropped.
func (c *Correlator) Correlate(envelope *contracts.Envelope) (CorrelatedOutcome, bool) {
	var wire responseWire
	if err := json.Unmarshal(envelope.Body, &wire); err != nil {
		c.logger.Error("Dropping malformed response body",
			"envelopeId", envelope.ID,
			"type", envelope.Type,
			"error", err)
		return CorrelatedOutcome{}, false
	}

	if wire.TransactionID == "" {
		c.logger.Error("Dropping response without transaction id",
			"envelopeId", envelope.ID,
			"type", envelope.Type)
		return CorrelatedOutcome{}, false
	}

	kind := wire.Kind
	if kind == "" {
		kind = envelope.Type
	}

	step, success, ok := StepForResponseKind(kind)
	if !ok {
		c.logger.Warn("Dropping response with unknown kind",
			"transactionId", wire.TransactionID,
			"kind", kind)
		return CorrelatedOutcome{}, false
	}

	outcome := OutcomeSuccess
	reason := ""
	if !success {
		outcome = OutcomeFailure
		reason = wire.Reason
		if reason == "" {
			reason = step.String() + " failed"
		}
	}

	return CorrelatedOutcome{
		TransactionID: wire.TransactionID,
		Step:          step,
		Outcome:       outcome,
		Reason:        reason,
		Payload:       wire.Payload,
	}, true
}
