package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"caseledger/billing"
)

// Outcome classifies what a verified webhook event did to local state. Every
// outcome except a duplicate leaves an event row behind for audit.
type Outcome string

const (
	// OutcomeApplied means the invoice transitioned to the event's status.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the event id was seen before; nothing changed.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeUnhandled means the event type is not one the ledger acts on.
	OutcomeUnhandled Outcome = "unhandled"
	// OutcomeUnmatched means no local invoice carries the processor reference.
	OutcomeUnmatched Outcome = "unmatched"
	// OutcomeStale means the transition would violate the invoice state
	// machine, e.g. a failure delivered after the invoice settled.
	OutcomeStale Outcome = "stale"
)

// ErrNotChargeable is returned by RetryCharge when the invoice is not in a
// state that can be charged, or has never been pushed to the processor.
var ErrNotChargeable = errors.New("payment: invoice not chargeable")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Reconciler keeps local invoices and the payment processor in agreement:
// webhooks flow processor -> ledger, sync and charges flow ledger -> processor.
type Reconciler struct {
	pool   TxBeginner
	repo   Repository
	client ProcessorClient
	now    func() time.Time
}

func NewReconciler(pool TxBeginner, repo Repository, client ProcessorClient) *Reconciler {
	return &Reconciler{
		pool:   pool,
		repo:   repo,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ApplyWebhook records a verified event and applies its invoice transition in
// one transaction. The event_id primary key makes redelivery a no-op, and the
// event row is written for every verified event regardless of outcome, so the
// webhook_events table is a complete delivery audit.
func (r *Reconciler) ApplyWebhook(ctx context.Context, evt Event) (Outcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.repo.InsertEvent(ctx, tx, evt); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return OutcomeIgnored, nil
		}
		return "", err
	}

	outcome, err := r.dispatch(ctx, tx, evt)
	if err != nil {
		return "", err
	}
	if err := r.repo.SetEventResult(ctx, tx, evt.ID, string(outcome)); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("payment: commit tx: %w", err)
	}
	return outcome, nil
}

func (r *Reconciler) dispatch(ctx context.Context, tx pgx.Tx, evt Event) (Outcome, error) {
	if !evt.Recognized() {
		return OutcomeUnhandled, nil
	}

	ref, err := r.repo.LockInvoiceByProcessorID(ctx, tx, evt.ProcessorInvoiceID)
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			return OutcomeUnmatched, nil
		}
		return "", err
	}

	var (
		target billing.Status
		paidAt *time.Time
	)
	switch evt.Type {
	case EventInvoicePaid:
		target = billing.StatusPaid
		now := r.now()
		paidAt = &now
	case EventInvoicePaymentFailed:
		target = billing.StatusPaymentFailed
	case EventInvoiceFinalized:
		target = billing.StatusFinalized
	}

	if !billing.ValidTransition(ref.Status, target) {
		return OutcomeStale, nil
	}
	if err := r.repo.TransitionInvoice(ctx, tx, ref.ID, target, paidAt, nil); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// SyncResult reports what one invoice sync did on the processor side.
type SyncResult struct {
	InvoiceID          string
	ProcessorInvoiceID string
	Charged            bool
	Declined           bool
}

// SyncInvoice pushes a locally generated invoice to the processor: ensure the
// claimant has a customer record, mirror the invoice and its lines, finalize,
// then attempt the charge. A card decline marks the invoice payment_failed
// and is reported in the result, not as an error; retries go through
// RetryCharge or the processor's own dunning webhooks.
func (r *Reconciler) SyncInvoice(ctx context.Context, inv billing.Invoice) (SyncResult, error) {
	result := SyncResult{InvoiceID: inv.ID}

	customerID, err := r.ensureCustomer(ctx, inv.ClaimantID)
	if err != nil {
		return result, err
	}

	// A crash between create and finalize leaves the processor reference
	// behind; re-syncing picks it up instead of creating a second invoice.
	processorInvoiceID := ""
	if inv.ProcessorInvoiceID != nil {
		processorInvoiceID = *inv.ProcessorInvoiceID
	}
	if processorInvoiceID == "" {
		remote, err := r.client.CreateInvoice(ctx, remoteInvoiceParams(customerID, inv))
		if err != nil {
			return result, fmt.Errorf("payment: create remote invoice %s: %w", inv.InvoiceNumber, err)
		}
		processorInvoiceID = remote.ID
		var hostedURL *string
		if remote.HostedURL != "" {
			hostedURL = &remote.HostedURL
		}
		if err := r.repo.SetProcessorRefs(ctx, inv.ID, processorInvoiceID, hostedURL); err != nil {
			return result, err
		}
	}
	result.ProcessorInvoiceID = processorInvoiceID

	if _, err := r.client.FinalizeInvoice(ctx, processorInvoiceID); err != nil {
		return result, fmt.Errorf("payment: finalize remote invoice %s: %w", inv.InvoiceNumber, err)
	}
	if err := r.repo.SetInvoiceStatus(ctx, inv.ID, billing.StatusFinalized, nil, nil); err != nil {
		return result, err
	}

	charged, declined, err := r.charge(ctx, inv.ID, processorInvoiceID)
	if err != nil {
		return result, err
	}
	result.Charged = charged
	result.Declined = declined
	return result, nil
}

// RetryCharge re-attempts payment for an invoice whose charge failed. The
// invoice moves payment_failed -> finalized before the attempt so a decline
// lands it back where it started.
func (r *Reconciler) RetryCharge(ctx context.Context, invoiceID string) (SyncResult, error) {
	ref, err := r.repo.InvoiceRefByID(ctx, invoiceID)
	if err != nil {
		return SyncResult{}, err
	}
	result := SyncResult{InvoiceID: ref.ID}

	if ref.ProcessorInvoiceID == nil || *ref.ProcessorInvoiceID == "" {
		return result, fmt.Errorf("%w: never synced to processor", ErrNotChargeable)
	}
	switch ref.Status {
	case billing.StatusPaymentFailed:
		if err := r.repo.SetInvoiceStatus(ctx, ref.ID, billing.StatusFinalized, nil, nil); err != nil {
			return result, err
		}
	case billing.StatusFinalized:
		// charge never attempted or still outstanding
	default:
		return result, fmt.Errorf("%w: status %s", ErrNotChargeable, ref.Status)
	}
	result.ProcessorInvoiceID = *ref.ProcessorInvoiceID

	charged, declined, err := r.charge(ctx, ref.ID, *ref.ProcessorInvoiceID)
	if err != nil {
		return result, err
	}
	result.Charged = charged
	result.Declined = declined
	return result, nil
}

// charge attempts payment and applies the local transition for the result.
// Declines are data; infrastructure errors propagate.
func (r *Reconciler) charge(ctx context.Context, invoiceID, processorInvoiceID string) (charged, declined bool, err error) {
	remote, err := r.client.PayInvoice(ctx, processorInvoiceID)
	if err != nil {
		var procErr *ProcessorError
		if errors.As(err, &procErr) && procErr.Declined() {
			if err := r.repo.SetInvoiceStatus(ctx, invoiceID, billing.StatusPaymentFailed, nil, nil); err != nil {
				return false, true, err
			}
			return false, true, nil
		}
		return false, false, fmt.Errorf("payment: pay invoice: %w", err)
	}

	if remote.Paid {
		now := r.now()
		var chargeID *string
		if remote.ID != "" {
			chargeID = &remote.ID
		}
		if err := r.repo.SetInvoiceStatus(ctx, invoiceID, billing.StatusPaid, &now, chargeID); err != nil {
			return true, false, err
		}
		return true, false, nil
	}
	// Charge accepted but settling asynchronously; the paid webhook closes it.
	return false, false, nil
}

func (r *Reconciler) ensureCustomer(ctx context.Context, claimantID string) (string, error) {
	acct, err := r.repo.ClaimantAccount(ctx, claimantID)
	if err != nil {
		return "", err
	}
	if acct.ProcessorCustomerID != nil && *acct.ProcessorCustomerID != "" {
		return *acct.ProcessorCustomerID, nil
	}

	customerID, err := r.client.EnsureCustomer(ctx, CustomerParams{
		Email:      acct.Email,
		Name:       acct.FullName,
		ExternalID: acct.ID,
	})
	if err != nil {
		return "", fmt.Errorf("payment: ensure customer for %s: %w", claimantID, err)
	}
	if err := r.repo.SetClaimantCustomerID(ctx, claimantID, customerID); err != nil {
		return "", err
	}
	return customerID, nil
}

func remoteInvoiceParams(customerID string, inv billing.Invoice) RemoteInvoiceParams {
	params := RemoteInvoiceParams{
		CustomerID:    customerID,
		InvoiceNumber: inv.InvoiceNumber,
		DueDate:       inv.DueDate,
		Currency:      "usd",
		Lines:         make([]RemoteLineParams, 0, len(inv.Lines)),
	}
	for _, line := range inv.Lines {
		params.Lines = append(params.Lines, RemoteLineParams{
			Description: line.Description,
			Quantity:    line.Quantity,
			AmountCents: line.AmountCents,
		})
	}
	return params
}
