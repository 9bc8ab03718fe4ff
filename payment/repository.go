package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"caseledger/billing"
)

var (
	// ErrDuplicateEvent signals the event id was already recorded; the
	// delivery is a processor retry and must not be applied twice.
	ErrDuplicateEvent = errors.New("payment: duplicate webhook event")
	// ErrInvoiceNotFound is returned when no invoice matches the reference.
	ErrInvoiceNotFound = errors.New("payment: invoice not found")
	// ErrClaimantNotFound is returned when the claimant row does not exist.
	ErrClaimantNotFound = errors.New("payment: claimant not found")
)

// InvoiceRef is the slice of an invoice the reconciler needs: identity,
// current status, and the processor-side reference.
type InvoiceRef struct {
	ID                 string
	ClaimantID         string
	InvoiceNumber      string
	Status             billing.Status
	ProcessorInvoiceID *string
}

// Account is the claimant's billing identity on the processor side.
type Account struct {
	ID                  string
	Email               string
	FullName            string
	ProcessorCustomerID *string
}

// Repository defines the data access required by the reconciler. Webhook
// methods run inside the caller's transaction so the event record and the
// invoice transition commit or roll back together.
type Repository interface {
	InsertEvent(ctx context.Context, tx pgx.Tx, evt Event) error
	SetEventResult(ctx context.Context, tx pgx.Tx, eventID, result string) error
	LockInvoiceByProcessorID(ctx context.Context, tx pgx.Tx, processorInvoiceID string) (InvoiceRef, error)
	TransitionInvoice(ctx context.Context, tx pgx.Tx, invoiceID string, status billing.Status, paidAt *time.Time, chargeID *string) error

	ClaimantAccount(ctx context.Context, claimantID string) (Account, error)
	SetClaimantCustomerID(ctx context.Context, claimantID, customerID string) error
	InvoiceRefByID(ctx context.Context, invoiceID string) (InvoiceRef, error)
	SetProcessorRefs(ctx context.Context, invoiceID, processorInvoiceID string, hostedURL *string) error
	SetInvoiceStatus(ctx context.Context, invoiceID string, status billing.Status, paidAt *time.Time, chargeID *string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InsertEvent reserves the event id inside the active transaction. The
// primary key on event_id is the idempotency guard for redeliveries.
func (r *PGRepository) InsertEvent(ctx context.Context, tx pgx.Tx, evt Event) error {
	const insertSQL = `
INSERT INTO webhook_events (event_id, event_type, processor_invoice_id, payload)
VALUES ($1, $2, NULLIF($3, ''), $4)`

	_, err := tx.Exec(ctx, insertSQL, evt.ID, evt.Type, evt.ProcessorInvoiceID, []byte(evt.Raw))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("payment: insert webhook event: %w", err)
	}
	return nil
}

func (r *PGRepository) SetEventResult(ctx context.Context, tx pgx.Tx, eventID, result string) error {
	_, err := tx.Exec(ctx, `UPDATE webhook_events SET result = $2 WHERE event_id = $1`, eventID, result)
	if err != nil {
		return fmt.Errorf("payment: set event result: %w", err)
	}
	return nil
}

// LockInvoiceByProcessorID loads and row-locks the invoice referenced by the
// processor, serializing concurrent webhook deliveries for the same invoice.
func (r *PGRepository) LockInvoiceByProcessorID(ctx context.Context, tx pgx.Tx, processorInvoiceID string) (InvoiceRef, error) {
	const lockSQL = `
SELECT id, claimant_id, invoice_number, status, processor_invoice_id
FROM invoices
WHERE processor_invoice_id = $1
FOR UPDATE`

	var ref InvoiceRef
	err := tx.QueryRow(ctx, lockSQL, processorInvoiceID).
		Scan(&ref.ID, &ref.ClaimantID, &ref.InvoiceNumber, &ref.Status, &ref.ProcessorInvoiceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InvoiceRef{}, ErrInvoiceNotFound
		}
		return InvoiceRef{}, fmt.Errorf("payment: lock invoice by processor id: %w", err)
	}
	return ref, nil
}

func (r *PGRepository) TransitionInvoice(ctx context.Context, tx pgx.Tx, invoiceID string, status billing.Status, paidAt *time.Time, chargeID *string) error {
	const updateSQL = `
UPDATE invoices
SET status = $2,
    paid_at = COALESCE($3, paid_at),
    processor_charge_id = COALESCE($4, processor_charge_id),
    updated_at = now()
WHERE id = $1`

	tag, err := tx.Exec(ctx, updateSQL, invoiceID, status, paidAt, chargeID)
	if err != nil {
		return fmt.Errorf("payment: transition invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *PGRepository) ClaimantAccount(ctx context.Context, claimantID string) (Account, error) {
	const selectSQL = `
SELECT id, email, full_name, processor_customer_id
FROM users
WHERE id = $1`

	var acct Account
	err := r.pool.QueryRow(ctx, selectSQL, claimantID).
		Scan(&acct.ID, &acct.Email, &acct.FullName, &acct.ProcessorCustomerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrClaimantNotFound
		}
		return Account{}, fmt.Errorf("payment: get claimant account: %w", err)
	}
	return acct, nil
}

func (r *PGRepository) SetClaimantCustomerID(ctx context.Context, claimantID, customerID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET processor_customer_id = $2, updated_at = now() WHERE id = $1`,
		claimantID, customerID)
	if err != nil {
		return fmt.Errorf("payment: set claimant customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimantNotFound
	}
	return nil
}

func (r *PGRepository) InvoiceRefByID(ctx context.Context, invoiceID string) (InvoiceRef, error) {
	const selectSQL = `
SELECT id, claimant_id, invoice_number, status, processor_invoice_id
FROM invoices
WHERE id = $1`

	var ref InvoiceRef
	err := r.pool.QueryRow(ctx, selectSQL, invoiceID).
		Scan(&ref.ID, &ref.ClaimantID, &ref.InvoiceNumber, &ref.Status, &ref.ProcessorInvoiceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InvoiceRef{}, ErrInvoiceNotFound
		}
		return InvoiceRef{}, fmt.Errorf("payment: get invoice ref: %w", err)
	}
	return ref, nil
}

func (r *PGRepository) SetProcessorRefs(ctx context.Context, invoiceID, processorInvoiceID string, hostedURL *string) error {
	const updateSQL = `
UPDATE invoices
SET processor_invoice_id = $2,
    processor_hosted_url = COALESCE($3, processor_hosted_url),
    updated_at = now()
WHERE id = $1`

	tag, err := r.pool.Exec(ctx, updateSQL, invoiceID, processorInvoiceID, hostedURL)
	if err != nil {
		return fmt.Errorf("payment: set processor refs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *PGRepository) SetInvoiceStatus(ctx context.Context, invoiceID string, status billing.Status, paidAt *time.Time, chargeID *string) error {
	const updateSQL = `
UPDATE invoices
SET status = $2,
    paid_at = COALESCE($3, paid_at),
    processor_charge_id = COALESCE($4, processor_charge_id),
    updated_at = now()
WHERE id = $1`

	tag, err := r.pool.Exec(ctx, updateSQL, invoiceID, status, paidAt, chargeID)
	if err != nil {
		return fmt.Errorf("payment: set invoice status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}
