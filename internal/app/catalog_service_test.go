package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
)

func TestCatalogService(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("create product and import units", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		svc := NewCatalogService(store, store, clock.NewFixed(now))

		product, err := svc.CreateProduct(context.Background(), CreateProductInput{
			Title:    "  Steam Key  ",
			Price:    decimal.RequireFromString("4.50"),
			Currency: "usdt",
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if product.Title != "Steam Key" || product.Currency != "USDT" || product.ID == "" {
			t.Fatalf("unexpected product %+v", product)
		}

		payloads := []string{gofakeit.UUID(), " ", gofakeit.UUID()}
		units, err := svc.ImportUnits(context.Background(), ImportUnitsInput{ProductID: product.ID, Payloads: payloads})
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		if len(units) != 2 {
			t.Fatalf("expected blank payload skipped, got %d units", len(units))
		}

		stock, err := svc.ListProducts(context.Background())
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(stock) != 1 || stock[0].Available != 2 {
			t.Fatalf("expected 2 available, got %+v", stock)
		}
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		svc := NewCatalogService(store, store, clock.NewFixed(now))

		if _, err := svc.CreateProduct(context.Background(), CreateProductInput{Title: " "}); !errors.Is(err, domain.ErrTitleRequired) {
			t.Fatalf("expected ErrTitleRequired, got %v", err)
		}
		if _, err := svc.CreateProduct(context.Background(), CreateProductInput{Title: "x", Price: decimal.NewFromInt(-1)}); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount, got %v", err)
		}
		if _, err := svc.ImportUnits(context.Background(), ImportUnitsInput{ProductID: "missing", Payloads: []string{"a"}}); !errors.Is(err, domain.ErrProductNotFound) {
			t.Fatalf("expected ErrProductNotFound, got %v", err)
		}
		if _, err := svc.ImportUnits(context.Background(), ImportUnitsInput{}); !errors.Is(err, domain.ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID, got %v", err)
		}
	})
}
