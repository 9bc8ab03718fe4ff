package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"caseledger/test/actors"
	"caseledger/test/chaos"
	"caseledger/test/infra"
	"caseledger/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

// TestLedgerConcurrency hammers the claim and billing tables with racing
// claimers, releasers, billers and webhook writers while chaos kills random
// backends, and checks the ledger invariants on a timer.
func TestLedgerConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// claimers and releasers battling over the same small case pool
	for i := 0; i < *flConcurrency; i++ {
		claimantID := seedData.claimantIDs[i%len(seedData.claimantIDs)]
		g.Go(func() error { return actors.Claimer(ctx2, pool, claimantID, seedData.caseIDs, stop) })
		g.Go(func() error { return actors.Releaser(ctx2, pool, claimantID, stop) })
	}

	// billers racing on the one-invoice-per-day guard
	g.Go(func() error { return actors.Biller(ctx2, pool, seedData.claimantIDs, stop) })
	g.Go(func() error { return actors.Biller(ctx2, pool, seedData.claimantIDs, stop) })
	// redelivered processor webhooks
	g.Go(func() error { return actors.WebhookWriter(ctx2, pool, stop) })
	// admin bulk releases
	g.Go(func() error { return actors.AdminReleaser(ctx2, pool, seedData.claimantIDs, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	claimantIDs []string
	caseIDs     []string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	for i := 0; i < 4; i++ {
		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO users (email, full_name, password_hash, role, max_claims)
			VALUES ($1, $2, 'x', 'subscriber', $3)
			RETURNING id`,
			fmt.Sprintf("claimant%d-%d@example.com", i, rand.Int63()),
			fmt.Sprintf("Stress Claimant %d", i),
			3+rand.Intn(5)).Scan(&id)
		if err != nil {
			t.Fatalf("seed claimant %d: %v", i, err)
		}
		s.claimantIDs = append(s.claimantIDs, id)
	}

	// a small case pool keeps claimers colliding constantly
	for i := 0; i < 12; i++ {
		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO cases (case_number, score, address)
			VALUES ($1, $2, $3)
			RETURNING id`,
			fmt.Sprintf("FC-STRESS-%d-%d", i, rand.Int63()),
			rand.Intn(101),
			fmt.Sprintf("%d Stress St", i)).Scan(&id)
		if err != nil {
			t.Fatalf("seed case %d: %v", i, err)
		}
		s.caseIDs = append(s.caseIDs, id)
	}

	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"case_claims", `SELECT id, case_id, claimant_id, is_active, claimed_at, released_at FROM case_claims ORDER BY claimed_at DESC LIMIT 50`},
		{"cases", `SELECT id, case_number, assigned_to, assigned_at FROM cases ORDER BY updated_at DESC LIMIT 50`},
		{"invoices", `SELECT id, claimant_id, invoice_date, invoice_number, status, subtotal_cents, total_cents FROM invoices ORDER BY created_at DESC LIMIT 50`},
		{"invoice_lines", `SELECT id, invoice_id, claim_id, unit_price_cents, amount_cents FROM invoice_lines ORDER BY created_at DESC LIMIT 50`},
		{"webhook_events", `SELECT event_id, event_type, result, received_at FROM webhook_events ORDER BY received_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
