package app

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
)

type CatalogService struct {
	products ProductRepository
	units    UnitRepository
	clock    clock.Clock
}

func NewCatalogService(products ProductRepository, units UnitRepository, clk clock.Clock) *CatalogService {
	return &CatalogService{
		products: products,
		units:    units,
		clock:    clk,
	}
}

type CreateProductInput struct {
	Title    string
	Price    decimal.Decimal
	Currency string
}

func (s *CatalogService) CreateProduct(ctx context.Context, in CreateProductInput) (domain.Product, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Product{}, domain.ErrTitleRequired
	}
	if in.Price.IsNegative() {
		return domain.Product{}, domain.ErrInvalidAmount
	}

	product := domain.Product{
		ID:        newID(),
		Title:     title,
		Price:     in.Price,
		Currency:  strings.ToUpper(in.Currency),
		CreatedAt: s.clock.Now(),
	}
	if err := s.products.CreateProduct(ctx, product); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

// ListProducts returns every product with its live available count.
func (s *CatalogService) ListProducts(ctx context.Context) ([]domain.ProductStock, error) {
	products, err := s.products.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	unsold := false
	out := make([]domain.ProductStock, 0, len(products))
	for _, p := range products {
		n, err := s.units.CountUnits(ctx, domain.UnitFilter{ProductID: p.ID, Sold: &unsold, AvailableAt: &now})
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ProductStock{Product: p, Available: n})
	}
	return out, nil
}

type ImportUnitsInput struct {
	ProductID string
	Payloads  []string
}

// ImportUnits adds one available unit per non-blank payload.
func (s *CatalogService) ImportUnits(ctx context.Context, in ImportUnitsInput) ([]domain.Unit, error) {
	if in.ProductID == "" {
		return nil, domain.ErrInvalidID
	}
	if _, err := s.products.GetProduct(ctx, in.ProductID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	units := make([]domain.Unit, 0, len(in.Payloads))
	for _, payload := range in.Payloads {
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		units = append(units, domain.Unit{
			ID:        newID(),
			ProductID: in.ProductID,
			Payload:   payload,
			CreatedAt: now,
		})
	}
	if len(units) == 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if err := s.units.CreateUnits(ctx, units); err != nil {
		return nil, err
	}
	return units, nil
}
