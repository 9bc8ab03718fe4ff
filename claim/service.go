// Package claim owns the claim ledger: exclusive, transactional assignment of
// cases to claimants, with score and price frozen at claim time.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"caseledger/pricing"
)

// ErrForbidden signals the actor may not perform the operation at all, as
// opposed to a per-case rejection inside a batch.
var ErrForbidden = errors.New("claim: forbidden")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LedgerRepository defines the data access required by the service.
type LedgerRepository interface {
	LockClaimant(ctx context.Context, tx pgx.Tx, claimantID string) (Claimant, error)
	LockCase(ctx context.Context, tx pgx.Tx, caseID string) (CaseRow, error)
	CountActive(ctx context.Context, tx pgx.Tx, claimantID string) (int, error)
	InsertClaim(ctx context.Context, tx pgx.Tx, params InsertClaimParams) (Claim, error)
	AssignCase(ctx context.Context, tx pgx.Tx, caseID, claimantID string, at time.Time) error
	ReleaseActiveClaim(ctx context.Context, tx pgx.Tx, caseID string, at time.Time) (Claim, error)
	ClearCase(ctx context.Context, tx pgx.Tx, caseID string) error
	CaseOwner(ctx context.Context, caseID string) (*string, error)
	ActiveCaseIDsForClaimant(ctx context.Context, claimantID string) ([]string, error)
}

type Service struct {
	pool TxBeginner
	repo LedgerRepository
	now  func() time.Time
}

func NewService(pool TxBeginner, repo LedgerRepository) *Service {
	return &Service{
		pool: pool,
		repo: repo,
		now:  time.Now,
	}
}

// Claim attempts to claim each case for the actor. Each case is processed in
// its own transaction; per-case rejections are collected into the result and
// never abort the batch. Only infrastructure failures return a non-nil error,
// alongside whatever the batch completed so far.
func (s *Service) Claim(ctx context.Context, caseIDs []string, actor Actor) (ClaimResult, error) {
	var res ClaimResult
	for _, caseID := range dedup(caseIDs) {
		claimed, rejection, err := s.claimOne(ctx, caseID, actor)
		if err != nil {
			return res, err
		}
		if rejection != nil {
			res.Rejected = append(res.Rejected, *rejection)
			continue
		}
		res.Claimed = append(res.Claimed, claimed)
	}
	return res, nil
}

func (s *Service) claimOne(ctx context.Context, caseID string, actor Actor) (Claim, *Rejection, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, nil, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order is claimant then case, always.
	claimant, err := s.repo.LockClaimant(ctx, tx, actor.ID)
	if err != nil {
		return Claim{}, nil, err
	}

	caseRow, err := s.repo.LockCase(ctx, tx, caseID)
	if err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			return Claim{}, &Rejection{CaseID: caseID, Reason: ReasonCaseNotFound}, nil
		}
		return Claim{}, nil, err
	}
	if caseRow.AssignedTo != nil {
		return Claim{}, &Rejection{CaseID: caseID, Reason: ReasonAlreadyClaimed}, nil
	}

	active, err := s.repo.CountActive(ctx, tx, actor.ID)
	if err != nil {
		return Claim{}, nil, err
	}
	if active >= claimant.MaxClaims {
		return Claim{}, &Rejection{CaseID: caseID, Reason: ReasonLimitExceeded}, nil
	}

	claimed, err := s.repo.InsertClaim(ctx, tx, InsertClaimParams{
		CaseID:            caseID,
		ClaimantID:        actor.ID,
		ScoreAtClaim:      caseRow.Score,
		PriceCentsAtClaim: pricing.PriceForScore(caseRow.Score),
	})
	if err != nil {
		if errors.Is(err, ErrActiveClaimExists) {
			return Claim{}, &Rejection{CaseID: caseID, Reason: ReasonAlreadyClaimed}, nil
		}
		return Claim{}, nil, err
	}

	if err := s.repo.AssignCase(ctx, tx, caseID, actor.ID, claimed.ClaimedAt); err != nil {
		return Claim{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Claim{}, nil, fmt.Errorf("claim: commit claim: %w", err)
	}
	return claimed, nil, nil
}

// Release releases each case held by the actor. Admin actors may release any
// case. The claim row and the case ownership fields change in the same
// transaction; an abort rolls both back together.
func (s *Service) Release(ctx context.Context, caseIDs []string, actor Actor) (ReleaseResult, error) {
	var res ReleaseResult
	for _, caseID := range dedup(caseIDs) {
		released, rejection, err := s.releaseOne(ctx, caseID, actor)
		if err != nil {
			return res, err
		}
		if rejection != nil {
			res.Rejected = append(res.Rejected, *rejection)
			continue
		}
		res.Released = append(res.Released, released)
	}
	return res, nil
}

func (s *Service) releaseOne(ctx context.Context, caseID string, actor Actor) (Claim, *Rejection, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, nil, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	caseRow, err := s.repo.LockCase(ctx, tx, caseID)
	if err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			return Claim{}, &Rejection{CaseID: caseID, Reason: ReasonCaseNotFound}, nil
		}
		return Claim{}, nil, err
	}
	if caseRow.AssignedTo == nil {
		return Claim{}, &Rejection{CaseID: caseID, Reason: ReasonNotClaimed}, nil
	}
	if !actor.Admin && *caseRow.AssignedTo != actor.ID {
		return Claim{}, &Rejection{CaseID: caseID, Reason: ReasonNotOwner}, nil
	}

	released, err := s.repo.ReleaseActiveClaim(ctx, tx, caseID, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNoActiveClaim) {
			// assigned_to was set without an active claim row; treat as not
			// claimed rather than corrupting the ledger.
			return Claim{}, &Rejection{CaseID: caseID, Reason: ReasonNotClaimed}, nil
		}
		return Claim{}, nil, err
	}

	if err := s.repo.ClearCase(ctx, tx, caseID); err != nil {
		return Claim{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Claim{}, nil, fmt.Errorf("claim: commit release: %w", err)
	}
	return released, nil, nil
}

// IsOwnerOrAdmin is the ownership gate primitive: it reports whether the actor
// may see unmasked data for the case. Masking and document components consume
// this and nothing else from the ledger.
func (s *Service) IsOwnerOrAdmin(ctx context.Context, caseID string, actor Actor) (bool, error) {
	if actor.Admin {
		return true, nil
	}
	owner, err := s.repo.CaseOwner(ctx, caseID)
	if err != nil {
		return false, err
	}
	return owner != nil && *owner == actor.ID, nil
}

// ReleaseAllForClaimant releases every active claim held by claimantID.
// Allowed for the claimant themselves or an admin.
func (s *Service) ReleaseAllForClaimant(ctx context.Context, claimantID string, actor Actor) (ReleaseResult, error) {
	if !actor.Admin && actor.ID != claimantID {
		return ReleaseResult{}, ErrForbidden
	}
	caseIDs, err := s.repo.ActiveCaseIDsForClaimant(ctx, claimantID)
	if err != nil {
		return ReleaseResult{}, err
	}
	// Release as the holder so ownership checks pass even for admin callers.
	return s.Release(ctx, caseIDs, Actor{ID: claimantID, Admin: actor.Admin})
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
