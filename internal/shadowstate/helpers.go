package shadowstate

import (
	"smartcontroller/internal/store"
)

// InputCaptureHelper reads an automation's registered inputs from the store
// in the form shadow states show them.
type InputCaptureHelper struct {
	registry *SubscriptionRegistry
	reader   store.Reader
}

// NewInputCaptureHelper creates a new input capture helper
func NewInputCaptureHelper(registry *SubscriptionRegistry, reader store.Reader) *InputCaptureHelper {
	return &InputCaptureHelper{
		registry: registry,
		reader:   reader,
	}
}

// CaptureInputs returns entity id -> value for every registered input.
// Unknown and unavailable entities show as "unavailable"; fans show their
// speed.
func (h *InputCaptureHelper) CaptureInputs(automation string) map[string]interface{} {
	inputs := make(map[string]interface{})
	for _, ref := range h.registry.InputsOf(automation) {
		state, ok := h.reader.Get(ref)
		if !ok {
			inputs[string(ref)] = "unavailable"
			continue
		}
		inputs[string(ref)] = store.ControlValue(ref, state)
	}
	return inputs
}
