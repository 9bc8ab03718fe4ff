package claim

import "time"

// Claim is an exclusive, time-bounded ownership grant of a case to one
// claimant. Score and price are frozen at claim time and never recomputed,
// even if the underlying case score later changes.
type Claim struct {
	ID                string
	CaseID            string
	ClaimantID        string
	ClaimedAt         time.Time
	ReleasedAt        *time.Time
	ScoreAtClaim      int
	PriceCentsAtClaim int
	IsActive          bool
}

// Actor identifies the authenticated caller of a ledger operation.
type Actor struct {
	ID    string
	Admin bool
}

// CaseRow mirrors the ownership-relevant columns of the cases table.
type CaseRow struct {
	ID         string
	CaseNumber string
	Score      int
	AssignedTo *string
	AssignedAt *time.Time
}

// Claimant carries the per-user limits read under lock during a claim.
type Claimant struct {
	ID        string
	MaxClaims int
}

// RejectReason enumerates why a case was skipped in a batch operation.
type RejectReason string

const (
	ReasonAlreadyClaimed RejectReason = "already_claimed"
	ReasonLimitExceeded  RejectReason = "limit_exceeded"
	ReasonCaseNotFound   RejectReason = "case_not_found"
	ReasonNotOwner       RejectReason = "not_owner"
	ReasonNotClaimed     RejectReason = "not_claimed"
)

// Rejection reports a single case that was not processed, with the reason.
// Rejections are expected outcomes, not errors.
type Rejection struct {
	CaseID string       `json:"case_id"`
	Reason RejectReason `json:"reason"`
}

// ClaimResult is the per-case outcome of a batch claim.
type ClaimResult struct {
	Claimed  []Claim
	Rejected []Rejection
}

// ReleaseResult is the per-case outcome of a batch release.
type ReleaseResult struct {
	Released []Claim
	Rejected []Rejection
}
