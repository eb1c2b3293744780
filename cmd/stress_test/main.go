package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-billing/internal/adapter/storage"
	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/core/service"
)

func main() {
	var (
		initialStock  = flag.Int64("stock", 20, "units received before the run")
		totalRequests = flag.Int("requests", 50, "concurrent single-unit bills")
		lockTimeout   = flag.Duration("lock-timeout", 5*time.Second, "product lock wait bound")
	)
	flag.Parse()

	if err := run(*initialStock, *totalRequests, *lockTimeout); err != nil {
		fmt.Println("FAIL:", err)
		os.Exit(1)
	}
}

func run(initialStock int64, totalRequests int, lockTimeout time.Duration) error {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store := storage.NewMemoryStore(lockTimeout)
	products := service.NewProductService(store, logger)
	ledger := service.NewLedgerService(store, nil, nil, logger)
	billing := service.NewBillingService(service.BillingDeps{
		Repo:        store,
		Sequencer:   store,
		Idempotency: storage.NewMemoryIdempotency(time.Hour),
		Logger:      logger,
	})

	p, err := products.Create(ctx, domain.ProductDraft{
		Name:          "Stress item",
		Category:      "Test",
		SellingPrice:  decimal.NewFromInt(10),
		PurchasePrice: decimal.NewFromInt(7),
	})
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	if _, err := ledger.Apply(ctx, service.StockRequest{ProductID: p.ID, Type: domain.TransactionIn, Quantity: initialStock}); err != nil {
		return fmt.Errorf("receive stock: %w", err)
	}

	var successCount, soldOutCount, otherCount atomic.Int32
	start := time.Now()

	var g errgroup.Group
	for i := 0; i < totalRequests; i++ {
		g.Go(func() error {
			_, err := billing.CreateBill(ctx, service.BillRequest{
				RequestID:     uuid.NewString(),
				CustomerName:  fmt.Sprintf("customer-%d", i),
				PaymentMethod: domain.PaymentCash,
				Items:         []service.BillLine{{ProductID: p.ID, Quantity: 1}},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	final, err := store.GetProduct(ctx, p.ID)
	if err != nil {
		return err
	}
	rec, err := ledger.Reconcile(ctx, p.ID)
	if err != nil {
		return err
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", successCount.Load())
	fmt.Printf("Sold out:         %d\n", soldOutCount.Load())
	fmt.Printf("Other errors:     %d\n", otherCount.Load())
	fmt.Printf("Final Stock:      %d\n", final.CurrentStock)
	fmt.Printf("Ledger Consistent:%v\n", rec.Consistent)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	wantSuccess := min(initialStock, int64(totalRequests))
	if int64(successCount.Load()) != wantSuccess {
		return fmt.Errorf("expected %d successful bills, got %d", wantSuccess, successCount.Load())
	}
	if final.CurrentStock != initialStock-wantSuccess {
		return fmt.Errorf("expected final stock %d, got %d", initialStock-wantSuccess, final.CurrentStock)
	}
	if !rec.Consistent {
		return fmt.Errorf("ledger replay %d does not match stock %d", rec.LedgerStock, final.CurrentStock)
	}
	fmt.Println("PASS: no oversell, ledger consistent")
	return nil
}
