package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry units belong to.
type Product struct {
	ID        string
	Title     string
	Price     decimal.Decimal
	Currency  string
	CreatedAt time.Time
}

// ProductStock is a product with its live available count.
type ProductStock struct {
	Product   Product
	Available int
}
