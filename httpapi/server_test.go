package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseledger/auth"
	"caseledger/billing"
	"caseledger/claim"
	"caseledger/payment"
)

const webhookTestSecret = "whsec_test"

var handlerNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, fakes *fakeServices) *fiber.App {
	t.Helper()
	srv := NewServer(ServerParams{
		Auth:          fakes,
		Claims:        fakes,
		Invoices:      fakes,
		Engine:        fakes,
		Payments:      fakes,
		Users:         fakes,
		WebhookSecret: webhookTestSecret,
	})
	srv.now = func() time.Time { return handlerNow }
	app := fiber.New()
	srv.Register(app)
	return app
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out), string(raw))
}

func TestAuthMiddleware(t *testing.T) {
	app := newTestApp(t, newFakeServices())

	t.Run("missing token", func(t *testing.T) {
		resp, err := app.Test(jsonRequest(http.MethodPost, "/api/claims", claimRequest{CaseIDs: []string{"c1"}}), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/api/claims", claimRequest{CaseIDs: []string{"c1"}})
		req.Header.Set("Authorization", "Bearer bogus")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("subscriber blocked from admin routes", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/admin/billing/generate", generateRequest{Date: "2026-08-28"})
		req.Header.Set("Authorization", "Bearer subscriber-token")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	})
}

func TestHandleClaim(t *testing.T) {
	fakes := newFakeServices()
	fakes.claimResult = claim.ClaimResult{
		Claimed: []claim.Claim{
			{ID: "claim-1", CaseID: "case-1", ClaimantID: "user-1", ScoreAtClaim: 85, PriceCentsAtClaim: 1500, IsActive: true},
		},
		Rejected: []claim.Rejection{
			{CaseID: "case-2", Reason: claim.ReasonAlreadyClaimed},
		},
	}
	app := newTestApp(t, fakes)

	req := jsonRequest(http.MethodPost, "/api/claims", claimRequest{CaseIDs: []string{"case-1", "case-2"}})
	req.Header.Set("Authorization", "Bearer subscriber-token")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Claimed  []claimJSON       `json:"claimed"`
		Rejected []claim.Rejection `json:"rejected"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Claimed, 1)
	assert.Equal(t, "case-1", body.Claimed[0].CaseID)
	assert.Equal(t, 1500, body.Claimed[0].PriceCentsAtClaim)
	require.Len(t, body.Rejected, 1)
	assert.Equal(t, claim.ReasonAlreadyClaimed, body.Rejected[0].Reason)
	assert.Equal(t, "user-1", fakes.lastActor.ID, "actor comes from the verified token")
}

func TestHandleClaim_EmptyBody(t *testing.T) {
	app := newTestApp(t, newFakeServices())

	req := jsonRequest(http.MethodPost, "/api/claims", claimRequest{})
	req.Header.Set("Authorization", "Bearer subscriber-token")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleCaseAccess(t *testing.T) {
	fakes := newFakeServices()
	fakes.access = true
	app := newTestApp(t, fakes)

	req := httptest.NewRequest(http.MethodGet, "/api/cases/case-1/access", nil)
	req.Header.Set("Authorization", "Bearer subscriber-token")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Access bool `json:"access"`
	}
	decodeBody(t, resp, &body)
	assert.True(t, body.Access)
}

func TestHandleGetInvoice_OwnershipEnforced(t *testing.T) {
	fakes := newFakeServices()
	fakes.invoice = billing.Invoice{ID: "inv-1", ClaimantID: "someone-else", Status: billing.StatusPending}
	app := newTestApp(t, fakes)

	req := httptest.NewRequest(http.MethodGet, "/api/invoices/inv-1", nil)
	req.Header.Set("Authorization", "Bearer subscriber-token")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, "foreign invoices are indistinguishable from missing ones")
}

func TestHandleMarkPaid_Conflict(t *testing.T) {
	fakes := newFakeServices()
	fakes.markPaidErr = billing.ErrAlreadyPaid
	app := newTestApp(t, fakes)

	req := jsonRequest(http.MethodPost, "/admin/invoices/inv-1/mark-paid", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestHandleGenerate(t *testing.T) {
	fakes := newFakeServices()
	app := newTestApp(t, fakes)

	t.Run("rejects today", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/admin/billing/generate", generateRequest{Date: "2026-08-29"})
		req.Header.Set("Authorization", "Bearer admin-token")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("runs for a past date", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/admin/billing/generate", generateRequest{Date: "2026-08-27", DryRun: true})
		req.Header.Set("Authorization", "Bearer admin-token")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), fakes.generatedDate)
		assert.True(t, fakes.generatedOpts.DryRun)
	})
}

func TestHandleSetClaimLimit(t *testing.T) {
	fakes := newFakeServices()
	app := newTestApp(t, fakes)

	t.Run("negative rejected", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/admin/users/user-2/claim-limit", fiber.Map{"max_claims": -1})
		req.Header.Set("Authorization", "Bearer admin-token")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("applied", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/admin/users/user-2/claim-limit", fiber.Map{"max_claims": 25})
		req.Header.Set("Authorization", "Bearer admin-token")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, 25, fakes.claimLimits["user-2"])
	})
}

func signWebhook(payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(webhookTestSecret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestHandleWebhook(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"pi_123"}}}`)

	t.Run("bad signature rejected without processing", func(t *testing.T) {
		fakes := newFakeServices()
		app := newTestApp(t, fakes)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader(payload))
		req.Header.Set(signatureHeader, "t=1,v1=00")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		assert.Zero(t, fakes.webhookCalls, "unverified payloads must not reach the reconciler")
	})

	t.Run("verified event applied", func(t *testing.T) {
		fakes := newFakeServices()
		fakes.webhookOutcome = payment.OutcomeApplied
		app := newTestApp(t, fakes)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader(payload))
		req.Header.Set(signatureHeader, signWebhook(payload, handlerNow))
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		var body struct {
			Outcome payment.Outcome `json:"outcome"`
		}
		decodeBody(t, resp, &body)
		assert.Equal(t, payment.OutcomeApplied, body.Outcome)
	})

	t.Run("unrecognized verified event still 200", func(t *testing.T) {
		fakes := newFakeServices()
		fakes.webhookOutcome = payment.OutcomeUnhandled
		app := newTestApp(t, fakes)

		other := []byte(`{"id":"evt_2","type":"customer.updated","data":{"object":{"id":"cus_1"}}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader(other))
		req.Header.Set(signatureHeader, signWebhook(other, handlerNow))
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, "non-2xx would make the processor retry forever")
	})
}

func TestHandleRegister_DuplicateEmail(t *testing.T) {
	fakes := newFakeServices()
	fakes.registerErr = auth.ErrDuplicateEmail
	app := newTestApp(t, fakes)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/auth/register", auth.RegisterRequest{
		Email: "a@example.com", Password: "hunter22", FullName: "Ann",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

// fakeServices implements every handler dependency in one struct.
type fakeServices struct {
	claimResult   claim.ClaimResult
	releaseResult claim.ReleaseResult
	access        bool
	lastActor     claim.Actor

	invoice     billing.Invoice
	markPaidErr error

	generatedDate time.Time
	generatedOpts billing.GenerateOptions

	webhookOutcome payment.Outcome
	webhookCalls   int

	claimLimits map[string]int
	registerErr error
}

func newFakeServices() *fakeServices {
	return &fakeServices{claimLimits: make(map[string]int)}
}

func (f *fakeServices) Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &auth.User{ID: "user-new", Email: req.Email, FullName: req.FullName, Role: auth.RoleSubscriber}, nil
}

func (f *fakeServices) Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	return auth.LoginResult{Token: "token", User: auth.User{ID: "user-1", Email: req.Email}}, nil
}

func (f *fakeServices) VerifyToken(tokenString string) (string, auth.Role, error) {
	switch tokenString {
	case "subscriber-token":
		return "user-1", auth.RoleSubscriber, nil
	case "admin-token":
		return "admin-1", auth.RoleAdmin, nil
	}
	return "", "", errors.New("bad token")
}

func (f *fakeServices) Claim(ctx context.Context, caseIDs []string, actor claim.Actor) (claim.ClaimResult, error) {
	f.lastActor = actor
	return f.claimResult, nil
}

func (f *fakeServices) Release(ctx context.Context, caseIDs []string, actor claim.Actor) (claim.ReleaseResult, error) {
	f.lastActor = actor
	return f.releaseResult, nil
}

func (f *fakeServices) IsOwnerOrAdmin(ctx context.Context, caseID string, actor claim.Actor) (bool, error) {
	return f.access, nil
}

func (f *fakeServices) ReleaseAllForClaimant(ctx context.Context, claimantID string, actor claim.Actor) (claim.ReleaseResult, error) {
	f.lastActor = actor
	return f.releaseResult, nil
}

func (f *fakeServices) ListForClaimant(ctx context.Context, claimantID string, status billing.Status, limit int) ([]billing.Invoice, error) {
	return nil, nil
}

func (f *fakeServices) GetWithLines(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	if f.invoice.ID == "" {
		return billing.Invoice{}, billing.ErrInvoiceNotFound
	}
	return f.invoice, nil
}

func (f *fakeServices) MarkPaidManually(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	if f.markPaidErr != nil {
		return billing.Invoice{}, f.markPaidErr
	}
	return billing.Invoice{ID: invoiceID, Status: billing.StatusPaid}, nil
}

func (f *fakeServices) GenerateForDate(ctx context.Context, date time.Time, opts billing.GenerateOptions) (billing.RunResult, error) {
	f.generatedDate = date
	f.generatedOpts = opts
	return billing.RunResult{Date: date, DryRun: opts.DryRun}, nil
}

func (f *fakeServices) ApplyWebhook(ctx context.Context, evt payment.Event) (payment.Outcome, error) {
	f.webhookCalls++
	return f.webhookOutcome, nil
}

func (f *fakeServices) RetryCharge(ctx context.Context, invoiceID string) (payment.SyncResult, error) {
	return payment.SyncResult{InvoiceID: invoiceID, Charged: true}, nil
}

func (f *fakeServices) SetClaimLimit(ctx context.Context, userID string, maxClaims int) error {
	f.claimLimits[userID] = maxClaims
	return nil
}

func (f *fakeServices) SetBillingActive(ctx context.Context, userID string, active bool) error {
	return nil
}
