package billing

import (
	"fmt"
	"strings"
	"time"
)

// Status is the invoice lifecycle state. Invoices and their lines are
// immutable once created; status (and the processor reference fields) are the
// only mutable parts.
type Status string

const (
	StatusPending       Status = "pending"
	StatusFinalized     Status = "finalized"
	StatusPaid          Status = "paid"
	StatusPaymentFailed Status = "payment_failed"
)

// ValidTransition reports whether an invoice may move from one status to
// another. paid is terminal; payment_failed may return to finalized for a
// charge retry.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusFinalized
	case StatusFinalized:
		return to == StatusPaid || to == StatusPaymentFailed
	case StatusPaymentFailed:
		return to == StatusFinalized
	default:
		return false
	}
}

// Invoice is one claimant's bill for one calendar day. The
// (claimant_id, invoice_date) pair is the idempotency key for the whole
// billing pipeline.
type Invoice struct {
	ID                 string
	ClaimantID         string
	InvoiceDate        time.Time
	InvoiceNumber      string
	DueDate            time.Time
	SubtotalCents      int64
	TaxCents           int64
	TotalCents         int64
	Status             Status
	ProcessorInvoiceID *string
	ProcessorChargeID  *string
	ProcessorHostedURL *string
	PaidAt             *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Lines []InvoiceLine
}

// InvoiceLine bills one claim for one day at the price frozen when the claim
// was made. Created once, never mutated.
type InvoiceLine struct {
	ID             string
	InvoiceID      string
	ClaimID        string
	CaseID         string
	Description    string
	Quantity       int
	UnitPriceCents int64
	AmountCents    int64
	ScoreAtInvoice int
	ServiceDate    time.Time
}

// BillableClaim is a claim eligible for billing on a given date, joined with
// the case fields used in the line description.
type BillableClaim struct {
	ClaimID           string
	CaseID            string
	CaseNumber        string
	Address           string
	ScoreAtClaim      int
	PriceCentsAtClaim int64
}

// InvoiceNumber builds the human-referenceable invoice number for a claimant
// and date: INV-YYYYMMDD-XXXXXXXX, where the suffix is the leading segment of
// the claimant's id. Deterministic so re-runs produce the same number.
func InvoiceNumber(claimantID string, date time.Time) string {
	suffix := strings.ReplaceAll(claimantID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("INV-%s-%s", date.Format("20060102"), strings.ToUpper(suffix))
}

// Day truncates a timestamp to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// lineDescription mirrors the statement line a claimant sees: the case number
// plus the first part of the street address.
func lineDescription(caseNumber, address string) string {
	if address == "" {
		address = "Unknown"
	}
	if len(address) > 50 {
		address = address[:50]
	}
	return fmt.Sprintf("%s - %s", caseNumber, address)
}
