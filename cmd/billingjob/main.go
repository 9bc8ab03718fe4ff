// Command billingjob runs the daily billing cycle once and exits. It is
// meant to be scheduled shortly after midnight UTC; missed days are picked up
// automatically from the persisted cursor, or explicitly with -from.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"caseledger/billing"
	"caseledger/config"
	"caseledger/db"
	"caseledger/job"
	"caseledger/payment"
	"caseledger/pricing"
)

func main() {
	var (
		dateFlag = flag.String("date", "", "bill exactly this date (YYYY-MM-DD, default: yesterday UTC)")
		fromFlag = flag.String("from", "", "backfill every date from this one through yesterday (YYYY-MM-DD)")
		dryRun   = flag.Bool("dry-run", false, "report what would be billed without writing anything")
		skipSync = flag.Bool("skip-sync", false, "generate invoices but do not push them to the payment processor")
	)
	flag.Parse()

	opts := job.Options{DryRun: *dryRun, SkipSync: *skipSync}
	var err error
	if opts.Date, err = parseDate(*dateFlag); err != nil {
		log.Fatalf("invalid -date: %v", err)
	}
	if opts.BackfillFrom, err = parseDate(*fromFlag); err != nil {
		log.Fatalf("invalid -from: %v", err)
	}

	ctx := context.Background()
	config.Load()

	pool, err := db.NewPool(ctx, config.MustGet("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	processor := payment.NewHTTPClient(
		config.Get("PROCESSOR_API_URL", "https://api.processor.example.com"),
		config.Get("PROCESSOR_API_KEY", ""),
	)
	reconciler := payment.NewReconciler(pool, payment.NewRepository(pool), processor)
	engine := billing.NewEngine(billing.NewRepository(pool))
	runner := job.NewRunner(engine, reconciler, job.NewRunStore(pool))

	report, err := runner.Run(ctx, opts)
	if err != nil {
		log.Fatalf("billing run failed: %v", err)
	}

	log.Printf("billed %d date(s): synced=%d declined=%d total=%s",
		len(report.Dates), report.SyncedInvoices, report.DeclinedInvoices,
		pricing.FormatCents(report.TotalBilledCents))
	for _, f := range report.SyncFailures {
		log.Printf("sync failed for %s: %s", f.InvoiceNumber, f.Err)
	}
	for _, f := range report.DateFailures {
		log.Printf("date %s failed: %s", f.Date.Format("2006-01-02"), f.Err)
	}
	if len(report.DateFailures) > 0 {
		os.Exit(1)
	}
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a YYYY-MM-DD date", s)
	}
	return d, nil
}
