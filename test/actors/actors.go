package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Claimer repeatedly tries to claim random cases for one claimant, using the
// same transaction shape as the service: lock claimant, lock case, check the
// limit, insert the claim, assign the case. Losing a race is expected.
func Claimer(ctx context.Context, pool *pgxpool.Pool, claimantID string, caseIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		caseID := caseIDs[rand.Intn(len(caseIDs))]
		if err := tryClaim(ctx, pool, claimantID, caseID); err != nil {
			return fmt.Errorf("claimer %s: %w", claimantID, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

func tryClaim(ctx context.Context, pool *pgxpool.Pool, claimantID, caseID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil // chaos may have killed our backend; next loop reconnects
	}
	defer tx.Rollback(ctx)

	var maxClaims int
	if err := tx.QueryRow(ctx, `SELECT max_claims FROM users WHERE id=$1 FOR UPDATE`, claimantID).Scan(&maxClaims); err != nil {
		return nil
	}

	var assignedTo *string
	var score int
	if err := tx.QueryRow(ctx, `SELECT score, assigned_to FROM cases WHERE id=$1 FOR UPDATE`, caseID).Scan(&score, &assignedTo); err != nil {
		return nil
	}
	if assignedTo != nil {
		return nil // already claimed, expected under contention
	}

	var active int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM case_claims WHERE claimant_id=$1 AND is_active`, claimantID).Scan(&active); err != nil {
		return nil
	}
	if active >= maxClaims {
		return nil
	}

	price := 250
	switch {
	case score >= 80:
		price = 1500
	case score >= 60:
		price = 1000
	case score >= 40:
		price = 500
	}

	_, err = tx.Exec(ctx, `INSERT INTO case_claims (case_id, claimant_id, score_at_claim, price_cents_at_claim)
		VALUES ($1,$2,$3,$4)`, caseID, claimantID, score, price)
	if err != nil {
		return nil // unique violation expected under contention
	}
	if _, err := tx.Exec(ctx, `UPDATE cases SET assigned_to=$2, assigned_at=now() WHERE id=$1`, caseID, claimantID); err != nil {
		return nil
	}
	_ = tx.Commit(ctx)
	return nil
}

// Releaser releases a random active claim held by the claimant, clearing the
// case assignment in the same transaction.
func Releaser(ctx context.Context, pool *pgxpool.Pool, claimantID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err == nil {
			var caseID string
			err = tx.QueryRow(ctx, `SELECT case_id FROM case_claims WHERE claimant_id=$1 AND is_active ORDER BY random() LIMIT 1 FOR UPDATE`, claimantID).Scan(&caseID)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE case_claims SET is_active=false, released_at=now() WHERE case_id=$1 AND is_active`, caseID)
				if err == nil {
					_, _ = tx.Exec(ctx, `UPDATE cases SET assigned_to=NULL, assigned_at=NULL WHERE id=$1`, caseID)
					_ = tx.Commit(ctx)
				}
			}
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Biller generates an invoice for a random recent date the way the engine
// does: one invoice per claimant and date, lines from billable claims, all in
// one transaction. Duplicate-key losses are the idempotency guard working.
func Biller(ctx context.Context, pool *pgxpool.Pool, claimantIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		claimantID := claimantIDs[rand.Intn(len(claimantIDs))]
		day := time.Now().UTC().AddDate(0, 0, -(1 + rand.Intn(3)))
		if err := tryBill(ctx, pool, claimantID, day); err != nil {
			return fmt.Errorf("biller: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

func tryBill(ctx context.Context, pool *pgxpool.Pool, claimantID string, day time.Time) error {
	date := day.Format("2006-01-02")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT cc.id, cc.case_id, cc.price_cents_at_claim, cc.score_at_claim
		FROM case_claims cc
		WHERE cc.claimant_id=$1
		  AND cc.claimed_at < ($2::date + interval '1 day')
		  AND (cc.is_active OR cc.released_at > $2::date)`, claimantID, date)
	if err != nil {
		return nil
	}
	type line struct {
		claimID, caseID string
		price           int64
		score           int
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.claimID, &l.caseID, &l.price, &l.score); err != nil {
			rows.Close()
			return nil
		}
		lines = append(lines, l)
	}
	rows.Close()
	if len(lines) == 0 {
		return nil
	}

	var subtotal int64
	for _, l := range lines {
		subtotal += l.price
	}

	var invoiceID string
	err = tx.QueryRow(ctx, `
		INSERT INTO invoices (claimant_id, invoice_date, invoice_number, due_date, subtotal_cents, total_cents, status)
		VALUES ($1, $2::date, $3, $2::date + 30, $4, $4, 'pending')
		RETURNING id`,
		claimantID, date, fmt.Sprintf("INV-%s-%d", day.Format("20060102"), rand.Int63()), subtotal).Scan(&invoiceID)
	if err != nil {
		return nil // unique (claimant_id, invoice_date) already holds
	}

	for _, l := range lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO invoice_lines (invoice_id, claim_id, case_id, description, quantity, unit_price_cents, amount_cents, score_at_invoice, service_date)
			VALUES ($1,$2,$3,'stress line',1,$4,$4,$5,$6::date)`,
			invoiceID, l.claimID, l.caseID, l.price, l.score, date); err != nil {
			return nil // roll the whole invoice back, never commit partial
		}
	}
	_ = tx.Commit(ctx)
	return nil
}

// WebhookWriter simulates processor deliveries, reusing a small pool of event
// ids so redeliveries constantly collide with the primary key.
func WebhookWriter(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		// small id pool so redeliveries collide with the primary key
		eventID := fmt.Sprintf("evt_stress_%d", rand.Intn(50))
		tx, err := pool.Begin(ctx)
		if err == nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO webhook_events (event_id, event_type, payload, result)
				VALUES ($1, 'invoice.paid', '{}'::jsonb, 'applied')`, eventID)
			if isUniqueViolation(err) {
				// duplicate delivery, the whole apply rolls back with it
				_ = tx.Rollback(ctx)
			} else if err == nil {
				var invoiceID string
				qErr := tx.QueryRow(ctx, `
					SELECT id FROM invoices WHERE status IN ('pending','finalized')
					ORDER BY random() LIMIT 1 FOR UPDATE`).Scan(&invoiceID)
				if qErr == nil {
					_, _ = tx.Exec(ctx, `UPDATE invoices SET status='paid', paid_at=now(), updated_at=now() WHERE id=$1`, invoiceID)
					_ = tx.Commit(ctx)
				} else if errors.Is(qErr, pgx.ErrNoRows) {
					_ = tx.Commit(ctx)
				}
			}
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// AdminReleaser periodically releases every claim a claimant holds, the way
// the admin surface does when off-boarding a user.
func AdminReleaser(ctx context.Context, pool *pgxpool.Pool, claimantIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		claimantID := claimantIDs[rand.Intn(len(claimantIDs))]
		tx, err := pool.Begin(ctx)
		if err == nil {
			rows, err := tx.Query(ctx, `SELECT case_id FROM case_claims WHERE claimant_id=$1 AND is_active FOR UPDATE`, claimantID)
			if err == nil {
				var caseIDs []string
				for rows.Next() {
					var id string
					if rows.Scan(&id) == nil {
						caseIDs = append(caseIDs, id)
					}
				}
				rows.Close()
				ok := true
				for _, caseID := range caseIDs {
					if _, err := tx.Exec(ctx, `UPDATE case_claims SET is_active=false, released_at=now() WHERE case_id=$1 AND is_active`, caseID); err != nil {
						ok = false
						break
					}
					if _, err := tx.Exec(ctx, `UPDATE cases SET assigned_to=NULL, assigned_at=NULL WHERE id=$1`, caseID); err != nil {
						ok = false
						break
					}
				}
				if ok {
					_ = tx.Commit(ctx)
				}
			}
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(400+rand.Intn(400)) * time.Millisecond)
	}
}
