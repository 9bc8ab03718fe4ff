// Package billing turns active claims into immutable daily invoices, one per
// claimant per calendar day.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// dueDays is how long a claimant has to settle an invoice.
const dueDays = 30

// defaultParallelism bounds concurrent per-claimant generation. Different
// claimants never contend; the same claimant+date serializes on the unique
// invoice key.
const defaultParallelism = 4

// EngineRepository defines the data access required by the engine.
type EngineRepository interface {
	BillableClaimantIDs(ctx context.Context, date time.Time) ([]string, error)
	BillableClaims(ctx context.Context, claimantID string, date time.Time) ([]BillableClaim, error)
	InvoiceExists(ctx context.Context, claimantID string, date time.Time) (bool, error)
	CreateInvoiceWithLines(ctx context.Context, params CreateInvoiceParams) (Invoice, error)
}

// GenerateOptions tunes one engine run.
type GenerateOptions struct {
	// Force regenerates an existing still-pending invoice for the date
	// instead of skipping it. Finalized or settled invoices are never replaced.
	Force bool
	// DryRun executes the same selection logic but writes nothing, reporting
	// what would be generated.
	DryRun bool
}

// ClaimantFailure records a per-claimant failure without aborting the run.
type ClaimantFailure struct {
	ClaimantID string
	Err        string
}

// RunResult summarizes one engine run for one date.
type RunResult struct {
	Date             time.Time
	DryRun           bool
	Generated        []Invoice
	SkippedExisting  int
	Failures         []ClaimantFailure
	TotalBilledCents int64
}

type Engine struct {
	repo        EngineRepository
	parallelism int
}

func NewEngine(repo EngineRepository) *Engine {
	return &Engine{
		repo:        repo,
		parallelism: defaultParallelism,
	}
}

// GenerateForDate produces one invoice per claimant with billable claims on
// the date. The operation is idempotent on (claimant, date): re-running after
// a crash mid-run skips claimants already invoiced and never double-charges.
// Per-claimant failures are collected, not propagated; only failures of the
// claimant selection itself return an error.
func (e *Engine) GenerateForDate(ctx context.Context, date time.Time, opts GenerateOptions) (RunResult, error) {
	day := Day(date)
	result := RunResult{Date: day, DryRun: opts.DryRun}

	claimantIDs, err := e.repo.BillableClaimantIDs(ctx, day)
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)

	for _, claimantID := range claimantIDs {
		g.Go(func() error {
			inv, skipped, err := e.generateForClaimant(gctx, claimantID, day, opts)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failures = append(result.Failures, ClaimantFailure{ClaimantID: claimantID, Err: err.Error()})
			case skipped:
				result.SkippedExisting++
			case inv != nil:
				result.Generated = append(result.Generated, *inv)
				result.TotalBilledCents += inv.TotalCents
			}
			return nil
		})
	}
	// Goroutines report through the result, never through the group.
	_ = g.Wait()

	sort.Slice(result.Generated, func(i, j int) bool {
		return result.Generated[i].ClaimantID < result.Generated[j].ClaimantID
	})
	return result, nil
}

// generateForClaimant builds and (unless dry-run) persists one claimant's
// invoice. Returns (nil, true, nil) when an existing invoice made the run a
// no-op.
func (e *Engine) generateForClaimant(ctx context.Context, claimantID string, day time.Time, opts GenerateOptions) (*Invoice, bool, error) {
	claims, err := e.repo.BillableClaims(ctx, claimantID, day)
	if err != nil {
		return nil, false, err
	}
	if len(claims) == 0 {
		return nil, false, nil
	}

	params := buildInvoice(claimantID, day, claims)

	if opts.DryRun {
		return previewInvoice(params), false, nil
	}

	if !opts.Force {
		exists, err := e.repo.InvoiceExists(ctx, claimantID, day)
		if err != nil {
			return nil, false, err
		}
		if exists {
			return nil, true, nil
		}
	}

	params.ReplacePending = opts.Force
	inv, err := e.repo.CreateInvoiceWithLines(ctx, params)
	if err != nil {
		if errors.Is(err, ErrDuplicateInvoice) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return &inv, false, nil
}

func buildInvoice(claimantID string, day time.Time, claims []BillableClaim) CreateInvoiceParams {
	params := CreateInvoiceParams{
		ClaimantID:    claimantID,
		InvoiceDate:   day,
		InvoiceNumber: InvoiceNumber(claimantID, day),
		DueDate:       day.AddDate(0, 0, dueDays),
		Lines:         make([]CreateLineParams, 0, len(claims)),
	}

	for _, c := range claims {
		amount := c.PriceCentsAtClaim // quantity 1, one day at the frozen price
		params.Lines = append(params.Lines, CreateLineParams{
			ClaimID:        c.ClaimID,
			CaseID:         c.CaseID,
			Description:    lineDescription(c.CaseNumber, c.Address),
			Quantity:       1,
			UnitPriceCents: c.PriceCentsAtClaim,
			AmountCents:    amount,
			ScoreAtInvoice: c.ScoreAtClaim,
			ServiceDate:    day,
		})
		params.SubtotalCents += amount
	}
	params.TotalCents = params.SubtotalCents + params.TaxCents
	return params
}

// previewInvoice renders the invoice a dry run would have created, without
// identifiers or timestamps.
func previewInvoice(params CreateInvoiceParams) *Invoice {
	inv := Invoice{
		ClaimantID:    params.ClaimantID,
		InvoiceDate:   params.InvoiceDate,
		InvoiceNumber: params.InvoiceNumber,
		DueDate:       params.DueDate,
		SubtotalCents: params.SubtotalCents,
		TaxCents:      params.TaxCents,
		TotalCents:    params.TotalCents,
		Status:        StatusPending,
		Lines:         make([]InvoiceLine, 0, len(params.Lines)),
	}
	for _, lp := range params.Lines {
		inv.Lines = append(inv.Lines, InvoiceLine{
			ClaimID:        lp.ClaimID,
			CaseID:         lp.CaseID,
			Description:    lp.Description,
			Quantity:       lp.Quantity,
			UnitPriceCents: lp.UnitPriceCents,
			AmountCents:    lp.AmountCents,
			ScoreAtInvoice: lp.ScoreAtInvoice,
			ServiceDate:    lp.ServiceDate,
		})
	}
	return &inv
}

// Describe renders a one-line summary for logs.
func (r RunResult) Describe() string {
	mode := "run"
	if r.DryRun {
		mode = "dry-run"
	}
	return fmt.Sprintf("billing %s for %s: %d generated, %d skipped, %d failed, %d cents billed",
		mode, r.Date.Format("2006-01-02"), len(r.Generated), r.SkippedExisting, len(r.Failures), r.TotalBilledCents)
}
