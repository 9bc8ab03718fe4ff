package httpapi

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"caseledger/auth"
	"caseledger/billing"
	"caseledger/payment"
)

type generateRequest struct {
	Date   string `json:"date"` // YYYY-MM-DD, required
	Force  bool   `json:"force"`
	DryRun bool   `json:"dry_run"`
}

func (s *Server) handleGenerate(c *fiber.Ctx) error {
	var req generateRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}

	date, err := time.ParseInLocation("2006-01-02", req.Date, time.UTC)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD")
	}
	if !date.Before(billing.Day(s.now())) {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "date must be a completed day")
	}

	result, err := s.engine.GenerateForDate(c.Context(), date, billing.GenerateOptions{
		Force:  req.Force,
		DryRun: req.DryRun,
	})
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "generation failed")
	}

	generated := make([]invoiceJSON, 0, len(result.Generated))
	for _, inv := range result.Generated {
		generated = append(generated, toInvoiceJSON(inv))
	}
	return c.JSON(fiber.Map{
		"date":               result.Date.Format("2006-01-02"),
		"dry_run":            result.DryRun,
		"generated":          generated,
		"skipped_existing":   result.SkippedExisting,
		"failures":           result.Failures,
		"total_billed_cents": result.TotalBilledCents,
	})
}

func (s *Server) handleMarkPaid(c *fiber.Ctx) error {
	inv, err := s.invoices.MarkPaidManually(c.Context(), c.Params("id"))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvoiceNotFound):
			return errorJSON(c, fiber.StatusNotFound, "not_found", "invoice not found")
		case errors.Is(err, billing.ErrAlreadyPaid):
			return errorJSON(c, fiber.StatusConflict, "already_paid", "invoice is already paid")
		}
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "mark paid failed")
	}
	return c.JSON(toInvoiceJSON(inv))
}

func (s *Server) handleCharge(c *fiber.Ctx) error {
	result, err := s.payments.RetryCharge(c.Context(), c.Params("id"))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvoiceNotFound):
			return errorJSON(c, fiber.StatusNotFound, "not_found", "invoice not found")
		case errors.Is(err, payment.ErrNotChargeable):
			return errorJSON(c, fiber.StatusConflict, "not_chargeable", err.Error())
		}
		return errorJSON(c, fiber.StatusBadGateway, "processor_error", "charge attempt failed")
	}
	return c.JSON(fiber.Map{
		"invoice_id": result.InvoiceID,
		"charged":    result.Charged,
		"declined":   result.Declined,
	})
}

func (s *Server) handleReleaseAllClaims(c *fiber.Ctx) error {
	result, err := s.claims.ReleaseAllForClaimant(c.Context(), c.Params("id"), actorFrom(c))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "release failed")
	}
	return c.JSON(fiber.Map{
		"released": toClaimJSON(result.Released),
		"rejected": result.Rejected,
	})
}

func (s *Server) handleSetClaimLimit(c *fiber.Ctx) error {
	var req struct {
		MaxClaims int `json:"max_claims"`
	}
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}
	if req.MaxClaims < 0 {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "max_claims must not be negative")
	}

	if err := s.users.SetClaimLimit(c.Context(), c.Params("id"), req.MaxClaims); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "user not found")
		}
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "update failed")
	}
	return c.JSON(fiber.Map{"max_claims": req.MaxClaims})
}

func (s *Server) handleSetBillingActive(c *fiber.Ctx) error {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}

	if err := s.users.SetBillingActive(c.Context(), c.Params("id"), req.Active); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "user not found")
		}
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "update failed")
	}
	return c.JSON(fiber.Map{"billing_active": req.Active})
}
