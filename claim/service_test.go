package claim

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClaim_FreezesScoreAndPrice(t *testing.T) {
	repo := newFakeLedger()
	repo.addClaimant("user-a", 25)
	repo.addCase("case-100", "24-001234-CI", 85)
	svc := newTestService(repo)

	res, err := svc.Claim(context.Background(), []string{"case-100"}, Actor{ID: "user-a"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(res.Claimed) != 1 || len(res.Rejected) != 0 {
		t.Fatalf("expected 1 claimed 0 rejected, got %d/%d", len(res.Claimed), len(res.Rejected))
	}

	c := res.Claimed[0]
	if c.ScoreAtClaim != 85 {
		t.Errorf("expected frozen score 85, got %d", c.ScoreAtClaim)
	}
	if c.PriceCentsAtClaim != 1500 {
		t.Errorf("expected frozen price 1500, got %d", c.PriceCentsAtClaim)
	}
	if !c.IsActive {
		t.Error("expected claim active")
	}

	// Mutating the case score afterwards must not affect the claim.
	repo.cases["case-100"].Score = 10
	stored := repo.claims[c.ID]
	if stored.PriceCentsAtClaim != 1500 {
		t.Errorf("claim price changed after case score mutation: %d", stored.PriceCentsAtClaim)
	}

	owner := repo.cases["case-100"].AssignedTo
	if owner == nil || *owner != "user-a" {
		t.Error("expected case assigned to user-a")
	}
}

func TestClaim_AlreadyClaimed(t *testing.T) {
	repo := newFakeLedger()
	repo.addClaimant("user-a", 25)
	repo.addClaimant("user-b", 25)
	repo.addCase("case-100", "24-001234-CI", 85)
	svc := newTestService(repo)

	if _, err := svc.Claim(context.Background(), []string{"case-100"}, Actor{ID: "user-a"}); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	res, err := svc.Claim(context.Background(), []string{"case-100"}, Actor{ID: "user-b"})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(res.Claimed) != 0 {
		t.Fatalf("expected no claims, got %d", len(res.Claimed))
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != ReasonAlreadyClaimed {
		t.Fatalf("expected already_claimed rejection, got %+v", res.Rejected)
	}
}

func TestClaim_LimitExceeded(t *testing.T) {
	repo := newFakeLedger()
	repo.addClaimant("user-a", 1)
	repo.addCase("case-1", "24-000001-CI", 50)
	repo.addCase("case-2", "24-000002-CI", 50)
	svc := newTestService(repo)

	res, err := svc.Claim(context.Background(), []string{"case-1", "case-2"}, Actor{ID: "user-a"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(res.Claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(res.Claimed))
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != ReasonLimitExceeded {
		t.Fatalf("expected limit_exceeded, got %+v", res.Rejected)
	}
}

func TestClaim_CaseNotFoundAndDedup(t *testing.T) {
	repo := newFakeLedger()
	repo.addClaimant("user-a", 25)
	repo.addCase("case-1", "24-000001-CI", 50)
	svc := newTestService(repo)

	res, err := svc.Claim(context.Background(), []string{"case-1", "case-1", "ghost", ""}, Actor{ID: "user-a"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(res.Claimed) != 1 {
		t.Fatalf("expected duplicate ids collapsed to 1 claim, got %d", len(res.Claimed))
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != ReasonCaseNotFound {
		t.Fatalf("expected case_not_found, got %+v", res.Rejected)
	}
}

func TestRelease_NotOwnerLeavesClaimUnchanged(t *testing.T) {
	repo := newFakeLedger()
	repo.addClaimant("user-a", 25)
	repo.addClaimant("user-b", 25)
	repo.addCase("case-100", "24-001234-CI", 85)
	svc := newTestService(repo)

	claimed, err := svc.Claim(context.Background(), []string{"case-100"}, Actor{ID: "user-a"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := svc.Release(context.Background(), []string{"case-100"}, Actor{ID: "user-b"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(res.Released) != 0 {
		t.Fatal("expected no release by non-owner")
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != ReasonNotOwner {
		t.Fatalf("expected not_owner, got %+v", res.Rejected)
	}

	stored := repo.claims[claimed.Claimed[0].ID]
	if !stored.IsActive || stored.ReleasedAt != nil {
		t.Fatal("claim mutated by rejected release")
	}
}

func TestRelease_OwnerAndAdmin(t *testing.T) {
	repo := newFakeLedger()
	repo.addClaimant("user-a", 25)
	repo.addCase("case-1", "24-000001-CI", 60)
	repo.addCase("case-2", "24-000002-CI", 60)
	svc := newTestService(repo)

	if _, err := svc.Claim(context.Background(), []string{"case-1", "case-2"}, Actor{ID: "user-a"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := svc.Release(context.Background(), []string{"case-1"}, Actor{ID: "user-a"})
	if err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if len(res.Released) != 1 {
		t.Fatalf("expected owner release, got %+v", res)
	}
	rel := res.Released[0]
	if rel.IsActive || rel.ReleasedAt == nil {
		t.Fatal("expected released claim inactive with released_at set")
	}
	if repo.cases["case-1"].AssignedTo != nil {
		t.Fatal("expected case ownership cleared")
	}

	adminRes, err := svc.Release(context.Background(), []string{"case-2"}, Actor{ID: "admin-1", Admin: true})
	if err != nil {
		t.Fatalf("admin release: %v", err)
	}
	if len(adminRes.Released) != 1 {
		t.Fatalf("expected admin release, got %+v", adminRes)
	}
}

func TestRelease_NotClaimed(t *testing.T) {
	repo := newFakeLedger()
	repo.addClaimant("user-a", 25)
	repo.addCase("case-1", "24-000001-CI", 60)
	svc := newTestService(repo)

	res, err := svc.Release(context.Background(), []string{"case-1"}, Actor{ID: "user-a"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != ReasonNotClaimed {
		t.Fatalf("expected not_claimed, got %+v", res.Rejected)
	}
}

func TestIsOwnerOrAdmin(t *testing.T) {
	repo := newFakeLedger()
	repo.addClaimant("user-a", 25)
	repo.addCase("case-1", "24-000001-CI", 60)
	svc := newTestService(repo)

	if _, err := svc.Claim(context.Background(), []string{"case-1"}, Actor{ID: "user-a"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	cases := []struct {
		name  string
		actor Actor
		want  bool
	}{
		{"owner", Actor{ID: "user-a"}, true},
		{"stranger", Actor{ID: "user-b"}, false},
		{"admin", Actor{ID: "admin-1", Admin: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.IsOwnerOrAdmin(context.Background(), "case-1", tc.actor)
			if err != nil {
				t.Fatalf("gate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v got %v", tc.want, got)
			}
		})
	}

	if _, err := svc.IsOwnerOrAdmin(context.Background(), "ghost", Actor{ID: "user-a"}); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestReleaseAllForClaimant(t *testing.T) {
	repo := newFakeLedger()
	repo.addClaimant("user-a", 25)
	repo.addCase("case-1", "24-000001-CI", 60)
	repo.addCase("case-2", "24-000002-CI", 60)
	svc := newTestService(repo)

	if _, err := svc.Claim(context.Background(), []string{"case-1", "case-2"}, Actor{ID: "user-a"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := svc.ReleaseAllForClaimant(context.Background(), "user-a", Actor{ID: "user-b"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stranger, got %v", err)
	}

	res, err := svc.ReleaseAllForClaimant(context.Background(), "user-a", Actor{ID: "admin-1", Admin: true})
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if len(res.Released) != 2 {
		t.Fatalf("expected 2 released, got %d", len(res.Released))
	}
}

func newTestService(repo *fakeLedger) *Service {
	svc := NewService(&fakePool{}, repo)
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	return svc
}

// fakeLedger is an in-memory LedgerRepository. Transactions are ignored; the
// service's orchestration and decision logic is what these tests exercise.
type fakeLedger struct {
	claimants map[string]Claimant
	cases     map[string]*CaseRow
	claims    map[string]*Claim
	nextID    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		claimants: make(map[string]Claimant),
		cases:     make(map[string]*CaseRow),
		claims:    make(map[string]*Claim),
		nextID:    1,
	}
}

func (f *fakeLedger) addClaimant(id string, maxClaims int) {
	f.claimants[id] = Claimant{ID: id, MaxClaims: maxClaims}
}

func (f *fakeLedger) addCase(id, caseNumber string, score int) {
	f.cases[id] = &CaseRow{ID: id, CaseNumber: caseNumber, Score: score}
}

func (f *fakeLedger) LockClaimant(ctx context.Context, tx pgx.Tx, claimantID string) (Claimant, error) {
	c, ok := f.claimants[claimantID]
	if !ok {
		return Claimant{}, ErrClaimantNotFound
	}
	return c, nil
}

func (f *fakeLedger) LockCase(ctx context.Context, tx pgx.Tx, caseID string) (CaseRow, error) {
	c, ok := f.cases[caseID]
	if !ok {
		return CaseRow{}, ErrCaseNotFound
	}
	return *c, nil
}

func (f *fakeLedger) CountActive(ctx context.Context, tx pgx.Tx, claimantID string) (int, error) {
	n := 0
	for _, c := range f.claims {
		if c.ClaimantID == claimantID && c.IsActive {
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) InsertClaim(ctx context.Context, tx pgx.Tx, params InsertClaimParams) (Claim, error) {
	for _, c := range f.claims {
		if c.CaseID == params.CaseID && c.IsActive {
			return Claim{}, ErrActiveClaimExists
		}
	}
	id := fmt.Sprintf("claim-%d", f.nextID)
	f.nextID++
	c := &Claim{
		ID:                id,
		CaseID:            params.CaseID,
		ClaimantID:        params.ClaimantID,
		ClaimedAt:         time.Now().UTC(),
		ScoreAtClaim:      params.ScoreAtClaim,
		PriceCentsAtClaim: params.PriceCentsAtClaim,
		IsActive:          true,
	}
	f.claims[id] = c
	return *c, nil
}

func (f *fakeLedger) AssignCase(ctx context.Context, tx pgx.Tx, caseID, claimantID string, at time.Time) error {
	c, ok := f.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	c.AssignedTo = &claimantID
	c.AssignedAt = &at
	return nil
}

func (f *fakeLedger) ReleaseActiveClaim(ctx context.Context, tx pgx.Tx, caseID string, at time.Time) (Claim, error) {
	for _, c := range f.claims {
		if c.CaseID == caseID && c.IsActive {
			c.IsActive = false
			released := at
			c.ReleasedAt = &released
			return *c, nil
		}
	}
	return Claim{}, ErrNoActiveClaim
}

func (f *fakeLedger) ClearCase(ctx context.Context, tx pgx.Tx, caseID string) error {
	c, ok := f.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	c.AssignedTo = nil
	c.AssignedAt = nil
	return nil
}

func (f *fakeLedger) CaseOwner(ctx context.Context, caseID string) (*string, error) {
	c, ok := f.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c.AssignedTo, nil
}

func (f *fakeLedger) ActiveCaseIDsForClaimant(ctx context.Context, claimantID string) ([]string, error) {
	var out []string
	for _, c := range f.claims {
		if c.ClaimantID == claimantID && c.IsActive {
			out = append(out, c.CaseID)
		}
	}
	return out, nil
}

type fakePool struct{}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
