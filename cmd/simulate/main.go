package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"pizzeria-checkout/internal/config"
	"pizzeria-checkout/internal/database"
	"pizzeria-checkout/internal/domain"
	"pizzeria-checkout/internal/infrastructure/payment"
	"pizzeria-checkout/internal/presenter"
	"pizzeria-checkout/internal/repo"
	"pizzeria-checkout/internal/service"
	"pizzeria-checkout/internal/worker"
)

func main() {
	orders := flag.Int("orders", 20, "number of checkouts to run")
	interval := flag.Duration("interval", 200*time.Millisecond, "poll interval")
	attempts := flag.Int("attempts", 10, "poll attempts per preference")
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db.DB()); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	orderRepo := repo.NewOrderRepo(db.DB())
	paymentRepo := repo.NewPaymentRepo(db.DB())
	gateway := payment.NewSandboxGateway(cfg.MercadoPago.AppURL + "/sandbox/checkout")
	poller := worker.NewStatusPoller(gateway, *interval, *attempts, logger)
	defer poller.Stop()
	board := presenter.NewBoard()
	checkout := service.NewCheckoutService(db.DB(), orderRepo, paymentRepo, gateway, poller, board, nil, logger)

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS) ---\n", *orders)
	var results []*service.CheckoutResult
	for i := 0; i < *orders; i++ {
		res, err := checkout.Checkout(ctx, sampleCheckout(i))
		if err != nil {
			fmt.Printf("[%d] checkout FAILED: %v\n", i+1, err)
			continue
		}
		fmt.Printf("[%d] order %s -> preference %s\n", i+1, res.Order.ID, res.Preference.PreferenceID)
		results = append(results, res)
	}

	// every session settles within the polling budget
	time.Sleep(time.Duration(*attempts+1) * *interval)

	fmt.Println("---------------------------------------------------")
	for _, res := range results {
		order, err := orderRepo.FindById(ctx, res.Order.ID)
		if err != nil || order == nil {
			fmt.Printf("order %s: lookup failed: %v\n", res.Order.ID, err)
			continue
		}
		screen, _ := board.Screen(res.Preference.PreferenceID)
		fmt.Printf("order %s  DB: %-7s reason: %-8s screen: %q\n", order.ID, order.Status, order.FailureReason, screen.Title)
	}

	// Orders that timed out may still be approved by the provider later.
	// Approve them all and let the reconciliation worker find them.
	for _, res := range results {
		order, _ := orderRepo.FindById(ctx, res.Order.ID)
		if order != nil && order.FailureReason == domain.ReasonTimeout {
			gateway.Script(res.Preference.PreferenceID, payment.Step(domain.StatusApproved))
		}
	}

	reconciler := worker.NewReconciliationWorker(orderRepo, gateway, poller, checkout, worker.ReconciliationOptions{
		Interval: time.Second,
		MaxAge:   time.Hour,
	}, logger)
	fixed, err := reconciler.Process(ctx)
	if err != nil {
		log.Fatalf("reconcile: %v", err)
	}
	fmt.Printf("--- RECONCILIATION settled %d orders ---\n", fixed)
}

func sampleCheckout(i int) service.CheckoutInput {
	line := domain.CartLine{
		ProductID: "pizza-calabresa",
		Name:      "Calabresa",
		Price:     decimal.RequireFromString("39.90"),
		Quantity:  1 + i%3,
		Size:      &domain.ProductOption{ID: "large", Name: "Grande", Price: decimal.RequireFromString("12.00")},
	}
	if i%2 == 0 {
		line.Edge = &domain.ProductOption{ID: "catupiry", Name: "Catupiry", Price: decimal.RequireFromString("8.00")}
	}
	return service.CheckoutInput{
		UserID: fmt.Sprintf("sim-user-%d", i),
		Payer:  domain.Payer{Email: fmt.Sprintf("cliente%d@example.com", i), Name: "Cliente Simulado"},
		Cart:   []domain.CartLine{line},
		DeliveryAddress: domain.DeliveryAddress{
			Street: "Avenida Paulista", Number: "1000", PostalCode: "01310-100",
			City: "São Paulo", State: "SP", Neighborhood: "Bela Vista",
		},
		Notes: "Sem cebola",
	}
}
