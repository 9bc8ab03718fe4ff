package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDuplicateInvoice signals an invoice already exists for the
	// (claimant, date) pair. Duplicate attempts lose gracefully.
	ErrDuplicateInvoice = errors.New("billing: invoice already exists for claimant and date")
	// ErrInvoiceNotFound is returned when no invoice row matches.
	ErrInvoiceNotFound = errors.New("billing: invoice not found")
	// ErrAlreadyPaid signals a manual settlement on a paid invoice.
	ErrAlreadyPaid = errors.New("billing: invoice already paid")
)

const invoiceColumns = `id, claimant_id, invoice_date, invoice_number, due_date, subtotal_cents, tax_cents, total_cents, status, processor_invoice_id, processor_charge_id, processor_hosted_url, paid_at, created_at, updated_at`

const lineColumns = `id, invoice_id, claim_id, case_id, description, quantity, unit_price_cents, amount_cents, score_at_invoice, service_date`

// A claim is billable for date D when it was claimed on or before D and was
// not released before D started: one charge per active claim per calendar day
// it is held.
const billableClaimCond = `
	cc.claimed_at < ($2::date + interval '1 day')
	AND (cc.is_active OR cc.released_at > $2::date)
`

// PGRepository implements the billing engine's data access against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// BillableClaimantIDs lists claimants with at least one billable claim for
// the date, excluding users whose billing is disabled.
func (r *PGRepository) BillableClaimantIDs(ctx context.Context, date time.Time) ([]string, error) {
	const q = `
		SELECT DISTINCT cc.claimant_id
		FROM case_claims cc
		JOIN users u ON u.id = cc.claimant_id AND u.billing_active
		WHERE cc.claimed_at < ($1::date + interval '1 day')
		  AND (cc.is_active OR cc.released_at > $1::date)
	`

	rows, err := r.pool.Query(ctx, q, Day(date))
	if err != nil {
		return nil, fmt.Errorf("billing: list billable claimants: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("billing: scan claimant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing: iterate claimants: %w", err)
	}
	return ids, nil
}

// BillableClaims returns one claimant's billable claims for the date, joined
// with the case fields used in the line description.
func (r *PGRepository) BillableClaims(ctx context.Context, claimantID string, date time.Time) ([]BillableClaim, error) {
	const q = `
		SELECT cc.id, cc.case_id, c.case_number, COALESCE(c.address, ''), cc.score_at_claim, cc.price_cents_at_claim
		FROM case_claims cc
		JOIN cases c ON c.id = cc.case_id
		WHERE cc.claimant_id = $1 AND ` + billableClaimCond + `
		ORDER BY cc.claimed_at
	`

	rows, err := r.pool.Query(ctx, q, claimantID, Day(date))
	if err != nil {
		return nil, fmt.Errorf("billing: list billable claims: %w", err)
	}
	defer rows.Close()

	claims := make([]BillableClaim, 0, 8)
	for rows.Next() {
		var bc BillableClaim
		if err := rows.Scan(&bc.ClaimID, &bc.CaseID, &bc.CaseNumber, &bc.Address, &bc.ScoreAtClaim, &bc.PriceCentsAtClaim); err != nil {
			return nil, fmt.Errorf("billing: scan billable claim: %w", err)
		}
		claims = append(claims, bc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing: iterate billable claims: %w", err)
	}
	return claims, nil
}

// InvoiceExists reports whether an invoice exists for the (claimant, date)
// idempotency key.
func (r *PGRepository) InvoiceExists(ctx context.Context, claimantID string, date time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE claimant_id = $1 AND invoice_date = $2)`,
		claimantID, Day(date)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("billing: check invoice exists: %w", err)
	}
	return exists, nil
}

// CreateInvoiceParams carries one fully-computed invoice and its lines.
type CreateInvoiceParams struct {
	ClaimantID    string
	InvoiceDate   time.Time
	InvoiceNumber string
	DueDate       time.Time
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64
	Lines         []CreateLineParams
	// ReplacePending deletes an existing still-pending invoice for the same
	// key before inserting, for forced regeneration.
	ReplacePending bool
}

// CreateLineParams carries one computed invoice line.
type CreateLineParams struct {
	ClaimID        string
	CaseID         string
	Description    string
	Quantity       int
	UnitPriceCents int64
	AmountCents    int64
	ScoreAtInvoice int
	ServiceDate    time.Time
}

// CreateInvoiceWithLines inserts the invoice and all of its lines in a single
// transaction; partial invoices are never observable. The unique index on
// (claimant_id, invoice_date) is the idempotency guard: a duplicate key maps
// to ErrDuplicateInvoice so racing generators lose gracefully.
func (r *PGRepository) CreateInvoiceWithLines(ctx context.Context, params CreateInvoiceParams) (Invoice, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("billing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.ReplacePending {
		if _, err := tx.Exec(ctx, `
			DELETE FROM invoices
			WHERE claimant_id = $1 AND invoice_date = $2 AND status = 'pending'
		`, params.ClaimantID, Day(params.InvoiceDate)); err != nil {
			return Invoice{}, fmt.Errorf("billing: replace pending invoice: %w", err)
		}
	}

	insertSQL := `
		INSERT INTO invoices (claimant_id, invoice_date, invoice_number, due_date, subtotal_cents, tax_cents, total_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING ` + invoiceColumns

	inv, err := scanInvoice(tx.QueryRow(ctx, insertSQL,
		params.ClaimantID,
		Day(params.InvoiceDate),
		params.InvoiceNumber,
		params.DueDate,
		params.SubtotalCents,
		params.TaxCents,
		params.TotalCents,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Invoice{}, ErrDuplicateInvoice
		}
		return Invoice{}, fmt.Errorf("billing: insert invoice: %w", err)
	}

	lineSQL := `
		INSERT INTO invoice_lines (invoice_id, claim_id, case_id, description, quantity, unit_price_cents, amount_cents, score_at_invoice, service_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + lineColumns

	inv.Lines = make([]InvoiceLine, 0, len(params.Lines))
	for _, lp := range params.Lines {
		var line InvoiceLine
		err := tx.QueryRow(ctx, lineSQL,
			inv.ID, lp.ClaimID, lp.CaseID, lp.Description, lp.Quantity,
			lp.UnitPriceCents, lp.AmountCents, lp.ScoreAtInvoice, Day(lp.ServiceDate),
		).Scan(&line.ID, &line.InvoiceID, &line.ClaimID, &line.CaseID, &line.Description,
			&line.Quantity, &line.UnitPriceCents, &line.AmountCents, &line.ScoreAtInvoice, &line.ServiceDate)
		if err != nil {
			return Invoice{}, fmt.Errorf("billing: insert invoice line: %w", err)
		}
		inv.Lines = append(inv.Lines, line)
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("billing: commit invoice: %w", err)
	}
	return inv, nil
}

// ListForClaimant returns a claimant's invoices, newest first.
func (r *PGRepository) ListForClaimant(ctx context.Context, claimantID string, status Status, limit int) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE claimant_id = $1`
	args := []any{claimantID}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, status)
	}
	query += " ORDER BY invoice_date DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]Invoice, 0, 8)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing: iterate invoices: %w", err)
	}
	return out, nil
}

// GetWithLines fetches a single invoice and its lines.
func (r *PGRepository) GetWithLines(ctx context.Context, invoiceID string) (Invoice, error) {
	selectSQL := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	inv, err := scanInvoice(r.pool.QueryRow(ctx, selectSQL, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, fmt.Errorf("billing: get invoice: %w", err)
	}

	linesSQL := `SELECT ` + lineColumns + ` FROM invoice_lines WHERE invoice_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, linesSQL, invoiceID)
	if err != nil {
		return Invoice{}, fmt.Errorf("billing: list invoice lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.ClaimID, &line.CaseID, &line.Description,
			&line.Quantity, &line.UnitPriceCents, &line.AmountCents, &line.ScoreAtInvoice, &line.ServiceDate); err != nil {
			return Invoice{}, fmt.Errorf("billing: scan invoice line: %w", err)
		}
		inv.Lines = append(inv.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return Invoice{}, fmt.Errorf("billing: iterate invoice lines: %w", err)
	}
	return inv, nil
}

// MarkPaidManually settles an invoice outside the processor, for cash or
// manual payments. Rejected if the invoice is already paid.
func (r *PGRepository) MarkPaidManually(ctx context.Context, invoiceID string) (Invoice, error) {
	updateSQL := `
		UPDATE invoices
		SET status = 'paid', paid_at = now(), updated_at = now()
		WHERE id = $1 AND status <> 'paid'
		RETURNING ` + invoiceColumns

	inv, err := scanInvoice(r.pool.QueryRow(ctx, updateSQL, invoiceID))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, fmt.Errorf("billing: mark paid: %w", err)
	}

	var status Status
	if err := r.pool.QueryRow(ctx, `SELECT status FROM invoices WHERE id = $1`, invoiceID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, fmt.Errorf("billing: mark paid fetch: %w", err)
	}
	return Invoice{}, ErrAlreadyPaid
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID,
		&inv.ClaimantID,
		&inv.InvoiceDate,
		&inv.InvoiceNumber,
		&inv.DueDate,
		&inv.SubtotalCents,
		&inv.TaxCents,
		&inv.TotalCents,
		&inv.Status,
		&inv.ProcessorInvoiceID,
		&inv.ProcessorChargeID,
		&inv.ProcessorHostedURL,
		&inv.PaidAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}
