package saga

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/ordersaga-go/contracts"
)

func responseEnvelope(t *testing.T, body interface{}) *contracts.Envelope {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return &contracts.Envelope{
		ID:   "env-1",
		Type: "test",
		Body: data,
	}
}

func TestCorrelate(t *testing.T) {
	correlator := NewCorrelator(nil)

	t.Run("maps success responses to their step", func(t *testing.T) {
		envelope := responseEnvelope(t, NewStepResponse("ORD-1", KindPaymentCompleted, ""))

		outcome, ok := correlator.Correlate(envelope)

		require.True(t, ok)
		assert.Equal(t, "ORD-1", outcome.TransactionID)
		assert.Equal(t, StepPayment, outcome.Step)
		assert.Equal(t, OutcomeSuccess, outcome.Outcome)
	})

	t.Run("maps failure responses with their reason", func(t *testing.T) {
		envelope := responseEnvelope(t, NewStepResponse("ORD-3", KindInventoryFailed, "out of stock"))

		outcome, ok := correlator.Correlate(envelope)

		require.True(t, ok)
		assert.Equal(t, StepInventory, outcome.Step)
		assert.Equal(t, OutcomeFailure, outcome.Outcome)
		assert.Equal(t, "out of stock", outcome.Reason)
	})

	t.Run("synthesizes a reason for failures without one", func(t *testing.T) {
		envelope := responseEnvelope(t, NewStepResponse("ORD-3", KindShippingFailed, ""))

		outcome, ok := correlator.Correlate(envelope)

		require.True(t, ok)
		assert.Equal(t, "shipping failed", outcome.Reason)
	})

	t.Run("falls back to the envelope type when the body has no kind", func(t *testing.T) {
		envelope := responseEnvelope(t, map[string]string{"transactionId": "ORD-1"})
		envelope.Type = KindPaymentCompleted

		outcome, ok := correlator.Correlate(envelope)

		require.True(t, ok)
		assert.Equal(t, StepPayment, outcome.Step)
	})

	t.Run("carries the response payload through", func(t *testing.T) {
		response := NewStepResponse("ORD-1", KindPaymentCompleted, "")
		response.Payload = map[string]string{"chargeId": "ch-42"}
		envelope := responseEnvelope(t, response)

		outcome, ok := correlator.Correlate(envelope)

		require.True(t, ok)
		assert.Equal(t, "ch-42", outcome.Payload["chargeId"])
	})

	t.Run("drops malformed bodies", func(t *testing.T) {
		envelope := &contracts.Envelope{ID: "env-1", Body: json.RawMessage(`{not json`)}

		_, ok := correlator.Correlate(envelope)

		assert.False(t, ok)
	})

	t.Run("drops responses without a transaction id", func(t *testing.T) {
		envelope := responseEnvelope(t, map[string]string{"responseKind": KindPaymentCompleted})

		_, ok := correlator.Correlate(envelope)

		assert.False(t, ok)
	})

	t.Run("drops unknown response kinds", func(t *testing.T) {
		envelope := responseEnvelope(t, map[string]string{
			"transactionId": "ORD-1",
			"responseKind":  KindProcessPayment,
		})

		_, ok := correlator.Correlate(envelope)

		assert.False(t, ok)
	})
}
