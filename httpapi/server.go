// Package httpapi exposes the claim ledger over HTTP: claim and release
// operations, invoice queries, the admin surface, and the payment processor
// webhook.
package httpapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"caseledger/auth"
	"caseledger/billing"
	"caseledger/claim"
	"caseledger/payment"
)

// AuthService is the authentication surface the handlers depend on.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
}

// ClaimService covers the batch claim/release operations.
type ClaimService interface {
	Claim(ctx context.Context, caseIDs []string, actor claim.Actor) (claim.ClaimResult, error)
	Release(ctx context.Context, caseIDs []string, actor claim.Actor) (claim.ReleaseResult, error)
	IsOwnerOrAdmin(ctx context.Context, caseID string, actor claim.Actor) (bool, error)
	ReleaseAllForClaimant(ctx context.Context, claimantID string, actor claim.Actor) (claim.ReleaseResult, error)
}

// InvoiceStore covers invoice reads and the manual settlement path.
type InvoiceStore interface {
	ListForClaimant(ctx context.Context, claimantID string, status billing.Status, limit int) ([]billing.Invoice, error)
	GetWithLines(ctx context.Context, invoiceID string) (billing.Invoice, error)
	MarkPaidManually(ctx context.Context, invoiceID string) (billing.Invoice, error)
}

// Generator runs on-demand invoice generation for the admin surface.
type Generator interface {
	GenerateForDate(ctx context.Context, date time.Time, opts billing.GenerateOptions) (billing.RunResult, error)
}

// PaymentService covers webhook ingestion and manual charges.
type PaymentService interface {
	ApplyWebhook(ctx context.Context, evt payment.Event) (payment.Outcome, error)
	RetryCharge(ctx context.Context, invoiceID string) (payment.SyncResult, error)
}

// UserAdminStore covers the per-user knobs admins can turn.
type UserAdminStore interface {
	SetClaimLimit(ctx context.Context, userID string, maxClaims int) error
	SetBillingActive(ctx context.Context, userID string, active bool) error
}

type Server struct {
	auth     AuthService
	claims   ClaimService
	invoices InvoiceStore
	engine   Generator
	payments PaymentService
	users    UserAdminStore

	webhookSecret string
	now           func() time.Time
}

type ServerParams struct {
	Auth          AuthService
	Claims        ClaimService
	Invoices      InvoiceStore
	Engine        Generator
	Payments      PaymentService
	Users         UserAdminStore
	WebhookSecret string
}

func NewServer(params ServerParams) *Server {
	return &Server{
		auth:          params.Auth,
		claims:        params.Claims,
		invoices:      params.Invoices,
		engine:        params.Engine,
		payments:      params.Payments,
		users:         params.Users,
		webhookSecret: params.WebhookSecret,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Register installs all routes on the app.
func (s *Server) Register(app *fiber.App) {
	app.Post("/auth/register", s.handleRegister)
	app.Post("/auth/login", s.handleLogin)

	app.Post("/webhooks/processor", s.handleWebhook)

	api := app.Group("/api", s.requireAuth)
	api.Post("/claims", s.handleClaim)
	api.Post("/claims/release", s.handleRelease)
	api.Get("/cases/:id/access", s.handleCaseAccess)
	api.Get("/invoices", s.handleListInvoices)
	api.Get("/invoices/:id", s.handleGetInvoice)
	api.Get("/pricing/tiers", s.handlePricingTiers)

	admin := app.Group("/admin", s.requireAuth, s.requireAdmin)
	admin.Post("/billing/generate", s.handleGenerate)
	admin.Post("/invoices/:id/mark-paid", s.handleMarkPaid)
	admin.Post("/invoices/:id/charge", s.handleCharge)
	admin.Post("/users/:id/release-all-claims", s.handleReleaseAllClaims)
	admin.Post("/users/:id/claim-limit", s.handleSetClaimLimit)
	admin.Post("/users/:id/billing-active", s.handleSetBillingActive)
}

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}
