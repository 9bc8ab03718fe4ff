package httpapi

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"caseledger/billing"
)

type invoiceLineJSON struct {
	ID             string    `json:"id"`
	ClaimID        string    `json:"claim_id"`
	CaseID         string    `json:"case_id"`
	Description    string    `json:"description"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	AmountCents    int64     `json:"amount_cents"`
	ServiceDate    time.Time `json:"service_date"`
}

type invoiceJSON struct {
	ID            string            `json:"id"`
	InvoiceNumber string            `json:"invoice_number"`
	InvoiceDate   string            `json:"invoice_date"`
	DueDate       string            `json:"due_date"`
	SubtotalCents int64             `json:"subtotal_cents"`
	TaxCents      int64             `json:"tax_cents"`
	TotalCents    int64             `json:"total_cents"`
	Status        string            `json:"status"`
	HostedURL     *string           `json:"hosted_url,omitempty"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	Lines         []invoiceLineJSON `json:"lines,omitempty"`
}

func toInvoiceJSON(inv billing.Invoice) invoiceJSON {
	out := invoiceJSON{
		ID:            inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		InvoiceDate:   inv.InvoiceDate.Format("2006-01-02"),
		DueDate:       inv.DueDate.Format("2006-01-02"),
		SubtotalCents: inv.SubtotalCents,
		TaxCents:      inv.TaxCents,
		TotalCents:    inv.TotalCents,
		Status:        string(inv.Status),
		HostedURL:     inv.ProcessorHostedURL,
		PaidAt:        inv.PaidAt,
	}
	for _, line := range inv.Lines {
		out.Lines = append(out.Lines, invoiceLineJSON{
			ID:             line.ID,
			ClaimID:        line.ClaimID,
			CaseID:         line.CaseID,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			AmountCents:    line.AmountCents,
			ServiceDate:    line.ServiceDate,
		})
	}
	return out
}

const maxInvoicePage = 100

func (s *Server) handleListInvoices(c *fiber.Ctx) error {
	status := billing.Status(c.Query("status"))
	switch status {
	case "", billing.StatusPending, billing.StatusFinalized, billing.StatusPaid, billing.StatusPaymentFailed:
	default:
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "unknown status filter")
	}

	limit := c.QueryInt("limit", maxInvoicePage)
	if limit <= 0 || limit > maxInvoicePage {
		limit = maxInvoicePage
	}

	invoices, err := s.invoices.ListForClaimant(c.Context(), actorFrom(c).ID, status, limit)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "listing invoices failed")
	}

	out := make([]invoiceJSON, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toInvoiceJSON(inv))
	}
	return c.JSON(fiber.Map{"invoices": out})
}

func (s *Server) handleGetInvoice(c *fiber.Ctx) error {
	inv, err := s.invoices.GetWithLines(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, billing.ErrInvoiceNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "invoice not found")
		}
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "fetching invoice failed")
	}

	// Claimants see only their own invoices; the number alone is not access.
	actor := actorFrom(c)
	if inv.ClaimantID != actor.ID && !actor.Admin {
		return errorJSON(c, fiber.StatusNotFound, "not_found", "invoice not found")
	}
	return c.JSON(toInvoiceJSON(inv))
}
