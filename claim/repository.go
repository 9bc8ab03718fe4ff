package claim

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
	// ErrCaseNotFound is returned when no case row exists for the identifier.
	ErrCaseNotFound = errors.New("claim: case not found")
	// ErrClaimantNotFound signals the acting user does not exist.
	ErrClaimantNotFound = errors.New("claim: claimant not found")
	// ErrActiveClaimExists signals the partial uniqueness guard rejected a
	// second active claim for the same case.
	ErrActiveClaimExists = errors.New("claim: active claim already exists")
	// ErrNoActiveClaim signals a release found nothing to release.
	ErrNoActiveClaim = errors.New("claim: no active claim")
)

const claimColumns = `id, case_id, claimant_id, claimed_at, released_at, score_at_claim, price_cents_at_claim, is_active`

// PGRepository implements the ledger's data access against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// LockClaimant locks the acting user's row for the duration of the claim
// transaction. Locking the user first (before the case) fixes the lock order
// and serializes the active-claim count against concurrent claims by the
// same actor.
func (r *PGRepository) LockClaimant(ctx context.Context, tx pgx.Tx, claimantID string) (Claimant, error) {
	const q = `SELECT id, max_claims FROM users WHERE id = $1 FOR UPDATE`
	var c Claimant
	if err := tx.QueryRow(ctx, q, claimantID).Scan(&c.ID, &c.MaxClaims); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claimant{}, ErrClaimantNotFound
		}
		return Claimant{}, fmt.Errorf("claim: lock claimant: %w", err)
	}
	return c, nil
}

// LockCase locks the case row for update so claim and release attempts on the
// same case serialize on commit order.
func (r *PGRepository) LockCase(ctx context.Context, tx pgx.Tx, caseID string) (CaseRow, error) {
	const q = `
		SELECT id, case_number, score, assigned_to, assigned_at
		FROM cases
		WHERE id = $1
		FOR UPDATE
	`
	var row CaseRow
	if err := tx.QueryRow(ctx, q, caseID).Scan(&row.ID, &row.CaseNumber, &row.Score, &row.AssignedTo, &row.AssignedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CaseRow{}, ErrCaseNotFound
		}
		return CaseRow{}, fmt.Errorf("claim: lock case: %w", err)
	}
	return row, nil
}

// CountActive returns the claimant's current number of active claims.
func (r *PGRepository) CountActive(ctx context.Context, tx pgx.Tx, claimantID string) (int, error) {
	const q = `SELECT count(*) FROM case_claims WHERE claimant_id = $1 AND is_active`
	var n int
	if err := tx.QueryRow(ctx, q, claimantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("claim: count active claims: %w", err)
	}
	return n, nil
}

// InsertClaimParams enumerates the frozen values written at claim time.
type InsertClaimParams struct {
	CaseID            string
	ClaimantID        string
	ScoreAtClaim      int
	PriceCentsAtClaim int
}

// InsertClaim writes the claim row. The partial unique index on
// case_claims(case_id) WHERE is_active backs the at-most-one-active-claim
// invariant at commit time; a 23505 here means a concurrent claim won.
func (r *PGRepository) InsertClaim(ctx context.Context, tx pgx.Tx, params InsertClaimParams) (Claim, error) {
	insertSQL := `
		INSERT INTO case_claims (case_id, claimant_id, score_at_claim, price_cents_at_claim)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + claimColumns

	var c Claim
	err := tx.QueryRow(ctx, insertSQL,
		params.CaseID,
		params.ClaimantID,
		params.ScoreAtClaim,
		params.PriceCentsAtClaim,
	).Scan(&c.ID, &c.CaseID, &c.ClaimantID, &c.ClaimedAt, &c.ReleasedAt, &c.ScoreAtClaim, &c.PriceCentsAtClaim, &c.IsActive)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Claim{}, ErrActiveClaimExists
		}
		return Claim{}, fmt.Errorf("claim: insert claim: %w", err)
	}
	return c, nil
}

// AssignCase records ownership on the case row inside the claim transaction.
func (r *PGRepository) AssignCase(ctx context.Context, tx pgx.Tx, caseID, claimantID string, at time.Time) error {
	const q = `UPDATE cases SET assigned_to = $2, assigned_at = $3 WHERE id = $1`
	if _, err := tx.Exec(ctx, q, caseID, claimantID, at); err != nil {
		return fmt.Errorf("claim: assign case: %w", err)
	}
	return nil
}

// ReleaseActiveClaim flips the active claim for a case to released. The
// released_at timestamp is written exactly once; a released claim row is
// never touched again.
func (r *PGRepository) ReleaseActiveClaim(ctx context.Context, tx pgx.Tx, caseID string, at time.Time) (Claim, error) {
	updateSQL := `
		UPDATE case_claims
		SET released_at = $2, is_active = false
		WHERE case_id = $1 AND is_active
		RETURNING ` + claimColumns

	var c Claim
	err := tx.QueryRow(ctx, updateSQL, caseID, at).
		Scan(&c.ID, &c.CaseID, &c.ClaimantID, &c.ClaimedAt, &c.ReleasedAt, &c.ScoreAtClaim, &c.PriceCentsAtClaim, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrNoActiveClaim
		}
		return Claim{}, fmt.Errorf("claim: release active claim: %w", err)
	}
	return c, nil
}

// ClearCase removes ownership from the case row inside the release transaction.
func (r *PGRepository) ClearCase(ctx context.Context, tx pgx.Tx, caseID string) error {
	const q = `UPDATE cases SET assigned_to = NULL, assigned_at = NULL WHERE id = $1`
	if _, err := tx.Exec(ctx, q, caseID); err != nil {
		return fmt.Errorf("claim: clear case: %w", err)
	}
	return nil
}

// CaseOwner returns the current owner of a case, if any.
func (r *PGRepository) CaseOwner(ctx context.Context, caseID string) (*string, error) {
	const q = `SELECT assigned_to FROM cases WHERE id = $1`
	var owner *string
	if err := r.pool.QueryRow(ctx, q, caseID).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("claim: case owner: %w", err)
	}
	return owner, nil
}

// ActiveCaseIDsForClaimant lists the cases a claimant currently holds.
func (r *PGRepository) ActiveCaseIDsForClaimant(ctx context.Context, claimantID string) ([]string, error) {
	const q = `
		SELECT case_id FROM case_claims
		WHERE claimant_id = $1 AND is_active
		ORDER BY claimed_at
	`
	rows, err := r.pool.Query(ctx, q, claimantID)
	if err != nil {
		return nil, fmt.Errorf("claim: list active cases: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("claim: scan case id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate active cases: %w", err)
	}
	return ids, nil
}

// ListForClaimant returns a claimant's claim history, newest first.
func (r *PGRepository) ListForClaimant(ctx context.Context, claimantID string, activeOnly bool, limit int) ([]Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM case_claims WHERE claimant_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY claimed_at DESC`
	args := []any{claimantID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim: list claims: %w", err)
	}
	defer rows.Close()

	out := make([]Claim, 0, 8)
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ID, &c.CaseID, &c.ClaimantID, &c.ClaimedAt, &c.ReleasedAt, &c.ScoreAtClaim, &c.PriceCentsAtClaim, &c.IsActive); err != nil {
			return nil, fmt.Errorf("claim: scan claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate claims: %w", err)
	}
	return out, nil
}
