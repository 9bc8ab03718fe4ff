package httpapi

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"caseledger/payment"
)

// signatureHeader carries the processor's timestamped HMAC of the raw body.
const signatureHeader = "Processor-Signature"

// handleWebhook ingests processor events. The signature is verified over the
// raw body before anything is parsed or persisted; unverified payloads get a
// 400 and leave no trace. Verified events always return 200, whatever their
// outcome, because the processor retries every non-2xx delivery.
func (s *Server) handleWebhook(c *fiber.Ctx) error {
	body := c.Body()

	if err := payment.VerifySignature(body, c.Get(signatureHeader), s.webhookSecret, s.now()); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_signature", "signature verification failed")
	}

	evt, err := payment.ParseEvent(body)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "malformed event payload")
	}

	outcome, err := s.payments.ApplyWebhook(c.Context(), evt)
	if err != nil {
		log.Printf("webhook %s (%s) failed: %v", evt.ID, evt.Type, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "event processing failed")
	}
	return c.JSON(fiber.Map{"outcome": outcome})
}
