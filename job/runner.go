// Package job runs the daily billing cycle: generate invoices for a date,
// push them to the payment processor, and record what happened so crashed or
// skipped days can be backfilled.
package job

import (
	"context"
	"fmt"
	"log"
	"time"

	"caseledger/billing"
	"caseledger/payment"
)

// Options selects which dates one run covers and how far it goes.
type Options struct {
	// Date bills exactly one day. Zero means yesterday UTC, the normal
	// schedule for a job that runs shortly after midnight.
	Date time.Time
	// BackfillFrom bills every day from this date through yesterday,
	// recovering from missed runs. Mutually exclusive with Date.
	BackfillFrom time.Time
	// DryRun previews generation without writing invoices, syncing, or
	// advancing the cursor.
	DryRun bool
	// SkipSync generates invoices but leaves them local, for operating
	// without a processor connection.
	SkipSync bool
}

// DateFailure records one date that could not be billed at all.
type DateFailure struct {
	Date time.Time
	Err  string
}

// Report summarizes one runner invocation across all its dates.
type Report struct {
	Dates            []billing.RunResult
	SyncedInvoices   int
	DeclinedInvoices int
	SyncFailures     []SyncFailure
	DateFailures     []DateFailure
	TotalBilledCents int64
}

// SyncFailure records one invoice that generated locally but could not be
// pushed to the processor. The invoice stays pending and the next run or a
// manual charge retries it.
type SyncFailure struct {
	InvoiceID     string
	InvoiceNumber string
	Err           string
}

// RunStore persists run summaries and the job cursor.
type RunStore interface {
	LastRunDate(ctx context.Context) (time.Time, bool, error)
	RecordRun(ctx context.Context, summary RunSummary) error
}

// Syncer is the processor-facing half of the cycle.
type Syncer interface {
	SyncInvoice(ctx context.Context, inv billing.Invoice) (payment.SyncResult, error)
}

// Generator produces invoices for one date.
type Generator interface {
	GenerateForDate(ctx context.Context, date time.Time, opts billing.GenerateOptions) (billing.RunResult, error)
}

type Runner struct {
	engine Generator
	syncer Syncer
	store  RunStore
	now    func() time.Time
	logf   func(format string, args ...any)
}

func NewRunner(engine Generator, syncer Syncer, store RunStore) *Runner {
	return &Runner{
		engine: engine,
		syncer: syncer,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logf:   log.Printf,
	}
}

// Run executes the billing cycle for every resolved date in order. A date
// that fails wholesale is recorded and skipped; later dates still run, since
// each date's generation is independently idempotent.
func (r *Runner) Run(ctx context.Context, opts Options) (Report, error) {
	dates, err := r.resolveDates(ctx, opts)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, date := range dates {
		result, err := r.runDate(ctx, date, opts, &report)
		if err != nil {
			report.DateFailures = append(report.DateFailures, DateFailure{Date: date, Err: err.Error()})
			r.logf("billing run failed for %s: %v", date.Format("2006-01-02"), err)
			continue
		}
		report.Dates = append(report.Dates, result)
		report.TotalBilledCents += result.TotalBilledCents
		r.logf("billing run %s", result.Describe())
	}
	return report, nil
}

func (r *Runner) runDate(ctx context.Context, date time.Time, opts Options, report *Report) (billing.RunResult, error) {
	result, err := r.engine.GenerateForDate(ctx, date, billing.GenerateOptions{DryRun: opts.DryRun})
	if err != nil {
		return billing.RunResult{}, fmt.Errorf("job: generate for %s: %w", date.Format("2006-01-02"), err)
	}

	if !opts.DryRun && !opts.SkipSync {
		for _, inv := range result.Generated {
			syncRes, err := r.syncer.SyncInvoice(ctx, inv)
			if err != nil {
				report.SyncFailures = append(report.SyncFailures, SyncFailure{
					InvoiceID:     inv.ID,
					InvoiceNumber: inv.InvoiceNumber,
					Err:           err.Error(),
				})
				continue
			}
			report.SyncedInvoices++
			if syncRes.Declined {
				report.DeclinedInvoices++
			}
		}
	}

	if !opts.DryRun {
		summary := RunSummary{
			RunDate:          billing.Day(date),
			GeneratedCount:   len(result.Generated),
			SkippedCount:     result.SkippedExisting,
			FailureCount:     len(result.Failures),
			TotalBilledCents: result.TotalBilledCents,
			CompletedAt:      r.now(),
		}
		if err := r.store.RecordRun(ctx, summary); err != nil {
			return billing.RunResult{}, fmt.Errorf("job: record run for %s: %w", date.Format("2006-01-02"), err)
		}
	}
	return result, nil
}

// resolveDates turns the options into the ordered list of billing dates.
// Without an explicit date, the persisted cursor decides: a cursor behind
// yesterday means missed runs, and the gap is billed oldest first.
func (r *Runner) resolveDates(ctx context.Context, opts Options) ([]time.Time, error) {
	if !opts.Date.IsZero() && !opts.BackfillFrom.IsZero() {
		return nil, fmt.Errorf("job: date and backfill-from are mutually exclusive")
	}

	yesterday := billing.Day(r.now()).AddDate(0, 0, -1)

	if !opts.Date.IsZero() {
		day := billing.Day(opts.Date)
		if day.After(yesterday) {
			return nil, fmt.Errorf("job: cannot bill %s before the day has ended", day.Format("2006-01-02"))
		}
		return []time.Time{day}, nil
	}

	start := yesterday
	if !opts.BackfillFrom.IsZero() {
		start = billing.Day(opts.BackfillFrom)
		if start.After(yesterday) {
			return nil, fmt.Errorf("job: backfill start %s is in the future", start.Format("2006-01-02"))
		}
	} else if last, ok, err := r.store.LastRunDate(ctx); err != nil {
		return nil, fmt.Errorf("job: read cursor: %w", err)
	} else if ok && last.Before(yesterday) {
		start = billing.Day(last).AddDate(0, 0, 1)
	}

	var dates []time.Time
	for d := start; !d.After(yesterday); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates, nil
}
