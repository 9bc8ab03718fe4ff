package payment

import (
	"encoding/json"
	"fmt"
)

// Event types delivered by the payment processor. Anything else is carried
// through as-is and recorded as unhandled.
const (
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventInvoiceFinalized     = "invoice.finalized"
)

// Event is a processor webhook event normalized for the reconciler.
type Event struct {
	ID                 string
	Type               string
	ProcessorInvoiceID string
	Raw                json.RawMessage
}

// Recognized reports whether the event type maps to an invoice transition.
func (e Event) Recognized() bool {
	switch e.Type {
	case EventInvoicePaid, EventInvoicePaymentFailed, EventInvoiceFinalized:
		return true
	}
	return false
}

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a verified webhook payload. The event id and type are
// mandatory; the invoice reference is only required for recognized types,
// since unrecognized events are recorded without being matched.
func ParseEvent(payload []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("payment: decode event: %w", err)
	}
	if env.ID == "" {
		return Event{}, fmt.Errorf("payment: event missing id")
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("payment: event missing type")
	}

	evt := Event{
		ID:                 env.ID,
		Type:               env.Type,
		ProcessorInvoiceID: env.Data.Object.ID,
		Raw:                json.RawMessage(payload),
	}
	if evt.Recognized() && evt.ProcessorInvoiceID == "" {
		return Event{}, fmt.Errorf("payment: event %s missing invoice reference", env.ID)
	}
	return evt, nil
}
