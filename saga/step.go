package saga

import (
	"encoding/json"
	"fmt"
)

// Step identifies one stage of the order fulfillment sequence.
// The set is closed: adding a step requires updating every switch below,
// which the compiler and tests enforce.
type Step int

const (
	StepPayment Step = iota
	StepInventory
	StepShipping
)

// StepOrder returns the fixed execution sequence.
func StepOrder() []Step {
	return []Step{StepPayment, StepInventory, StepShipping}
}

// FirstStep returns the first step of the sequence.
func FirstStep() Step {
	return StepPayment
}

// Next returns the step following s, or false if s is the last step.
func (s Step) Next() (Step, bool) {
	switch s {
	case StepPayment:
		return StepInventory, true
	case StepInventory:
		return StepShipping, true
	case StepShipping:
		return 0, false
	default:
		return 0, false
	}
}

// String returns the service-facing name of the step.
func (s Step) String() string {
	switch s {
	case StepPayment:
		return "payment"
	case StepInventory:
		return "inventory"
	case StepShipping:
		return "shipping"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// ParseStep maps a service name back to its step.
func ParseStep(name string) (Step, error) {
	switch name {
	case "payment":
		return StepPayment, nil
	case "inventory":
		return StepInventory, nil
	case "shipping":
		return StepShipping, nil
	default:
		return 0, fmt.Errorf("unknown step %q", name)
	}
}

// MarshalJSON persists steps by name so stored records stay readable.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Step) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	step, err := ParseStep(name)
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// Wire-level message kinds shared with the domain services.
const (
	KindOrderCreated = "ORDER_CREATED"

	KindProcessPayment    = "PROCESS_PAYMENT"
	KindPaymentCompleted  = "PAYMENT_COMPLETED"
	KindPaymentFailed     = "PAYMENT_FAILED"
	KindCompensatePayment = "COMPENSATE_PAYMENT"

	KindReserveInventory    = "RESERVE_INVENTORY"
	KindInventoryReserved   = "INVENTORY_RESERVED"
	KindInventoryFailed     = "INVENTORY_FAILED"
	KindCompensateInventory = "COMPENSATE_INVENTORY"

	KindProcessShipping    = "PROCESS_SHIPPING"
	KindShippingCompleted  = "SHIPPING_COMPLETED"
	KindShippingFailed     = "SHIPPING_FAILED"
	KindCompensateShipping = "COMPENSATE_SHIPPING"
)

// RequestKind returns the outbound request kind for the step.
func (s Step) RequestKind() string {
	switch s {
	case StepPayment:
		return KindProcessPayment
	case StepInventory:
		return KindReserveInventory
	case StepShipping:
		return KindProcessShipping
	default:
		return ""
	}
}

// SuccessKind returns the response kind signalling step success.
func (s Step) SuccessKind() string {
	switch s {
	case StepPayment:
		return KindPaymentCompleted
	case StepInventory:
		return KindInventoryReserved
	case StepShipping:
		return KindShippingCompleted
	default:
		return ""
	}
}

// FailureKind returns the response kind signalling step failure.
func (s Step) FailureKind() string {
	switch s {
	case StepPayment:
		return KindPaymentFailed
	case StepInventory:
		return KindInventoryFailed
	case StepShipping:
		return KindShippingFailed
	default:
		return ""
	}
}

// CompensationKind returns the outbound kind that undoes the step.
func (s Step) CompensationKind() string {
	switch s {
	case StepPayment:
		return KindCompensatePayment
	case StepInventory:
		return KindCompensateInventory
	case StepShipping:
		return KindCompensateShipping
	default:
		return ""
	}
}

// RequestTopic returns the routing key for outbound requests and
// compensations targeting the step's service.
func (s Step) RequestTopic() string {
	return fmt.Sprintf("saga.%s.requests", s)
}

// ResponseTopic returns the routing key the step's service answers on.
func (s Step) ResponseTopic() string {
	return fmt.Sprintf("saga.%s.responses", s)
}

// ResponseTopicPattern matches every service's response topic. The
// coordinator binds its inbound queue with this pattern.
const ResponseTopicPattern = "saga.*.responses"

// OrderTopic carries ORDER_CREATED events that start sagas from the bus.
const OrderTopic = "saga.orders.created"

// StepForResponseKind resolves an inbound response kind to the step it
// answers and whether it reports success. Unlisted kinds return false.
func StepForResponseKind(kind string) (step Step, success bool, ok bool) {
	switch kind {
	case KindPaymentCompleted:
		return StepPayment, true, true
	case KindPaymentFailed:
		return StepPayment, false, true
	case KindInventoryReserved:
		return StepInventory, true, true
	case KindInventoryFailed:
		return StepInventory, false, true
	case KindShippingCompleted:
		return StepShipping, true, true
	case KindShippingFailed:
		return StepShipping, false, true
	default:
		return 0, false, false
	}
}
