package main

import (
	"context"
	"log"

	"github.com/gofiber/fiber/v2"

	"caseledger/auth"
	"caseledger/billing"
	"caseledger/claim"
	"caseledger/config"
	"caseledger/db"
	"caseledger/httpapi"
	"caseledger/payment"
)

func main() {
	ctx := context.Background()
	config.Load()

	pool, err := db.NewPool(ctx, config.MustGet("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, config.MustGet("JWT_SECRET"))

	claimService := claim.NewService(pool, claim.NewRepository(pool))

	billingRepo := billing.NewRepository(pool)
	engine := billing.NewEngine(billingRepo)

	processor := payment.NewHTTPClient(
		config.Get("PROCESSOR_API_URL", "https://api.processor.example.com"),
		config.Get("PROCESSOR_API_KEY", ""),
	)
	reconciler := payment.NewReconciler(pool, payment.NewRepository(pool), processor)

	server := httpapi.NewServer(httpapi.ServerParams{
		Auth:          authService,
		Claims:        claimService,
		Invoices:      billingRepo,
		Engine:        engine,
		Payments:      reconciler,
		Users:         authRepo,
		WebhookSecret: config.MustGet("PROCESSOR_WEBHOOK_SECRET"),
	})

	app := fiber.New(fiber.Config{
		AppName: "caseledger",
	})
	server.Register(app)

	addr := ":" + config.Get("PORT", "8080")
	log.Printf("caseledger api listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
