package saga

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepOrder(t *testing.T) {
	t.Run("runs payment then inventory then shipping", func(t *testing.T) {
		assert.Equal(t, []Step{StepPayment, StepInventory, StepShipping}, StepOrder())
		assert.Equal(t, StepPayment, FirstStep())
	})

	t.Run("Next walks the sequence and stops after shipping", func(t *testing.T) {
		next, ok := StepPayment.Next()
		require.True(t, ok)
		assert.Equal(t, StepInventory, next)

		next, ok = StepInventory.Next()
		require.True(t, ok)
		assert.Equal(t, StepShipping, next)

		_, ok = StepShipping.Next()
		assert.False(t, ok)
	})
}

func TestStepKinds(t *testing.T) {
	t.Run("every step maps to its wire kinds", func(t *testing.T) {
		cases := []struct {
			step         Step
			request      string
			success      string
			failure      string
			compensation string
		}{
			{StepPayment, KindProcessPayment, KindPaymentCompleted, KindPaymentFailed, KindCompensatePayment},
			{StepInventory, KindReserveInventory, KindInventoryReserved, KindInventoryFailed, KindCompensateInventory},
			{StepShipping, KindProcessShipping, KindShippingCompleted, KindShippingFailed, KindCompensateShipping},
		}

		for _, tc := range cases {
			assert.Equal(t, tc.request, tc.step.RequestKind())
			assert.Equal(t, tc.success, tc.step.SuccessKind())
			assert.Equal(t, tc.failure, tc.step.FailureKind())
			assert.Equal(t, tc.compensation, tc.step.CompensationKind())
		}
	})

	t.Run("response kinds resolve back to their step", func(t *testing.T) {
		for _, step := range StepOrder() {
			resolved, success, ok := StepForResponseKind(step.SuccessKind())
			require.True(t, ok)
			assert.Equal(t, step, resolved)
			assert.True(t, success)

			resolved, success, ok = StepForResponseKind(step.FailureKind())
			require.True(t, ok)
			assert.Equal(t, step, resolved)
			assert.False(t, success)
		}
	})

	t.Run("request kinds are not response kinds", func(t *testing.T) {
		for _, kind := range []string{KindProcessPayment, KindCompensatePayment, KindOrderCreated, "BOGUS"} {
			_, _, ok := StepForResponseKind(kind)
			assert.False(t, ok, kind)
		}
	})
}

func TestStepTopics(t *testing.T) {
	t.Run("routes requests and responses per service", func(t *testing.T) {
		assert.Equal(t, "saga.payment.requests", StepPayment.RequestTopic())
		assert.Equal(t, "saga.inventory.requests", StepInventory.RequestTopic())
		assert.Equal(t, "saga.shipping.responses", StepShipping.ResponseTopic())
	})
}

func TestStepJSON(t *testing.T) {
	t.Run("persists by name", func(t *testing.T) {
		data, err := json.Marshal(StepInventory)
		require.NoError(t, err)
		assert.Equal(t, `"inventory"`, string(data))

		var step Step
		require.NoError(t, json.Unmarshal(data, &step))
		assert.Equal(t, StepInventory, step)
	})

	t.Run("rejects unknown names", func(t *testing.T) {
		var step Step
		assert.Error(t, json.Unmarshal([]byte(`"teleportation"`), &step))
	})
}
