package app

import (
	"context"
	"time"

	"github.com/cimillas/unitvault/internal/domain"
)

// Transactor runs fn in one store transaction. Repositories called with the
// ctx passed to fn join that transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type UnitRepository interface {
	GetUnit(ctx context.Context, id string) (domain.Unit, error)
	ListUnits(ctx context.Context, filter domain.UnitFilter, limit int) ([]domain.Unit, error)
	CountUnits(ctx context.Context, filter domain.UnitFilter) (int, error)
	// SetHold replaces the unit's hold (nil clears it) only if the stored
	// version still equals expectedVersion and the unit is unsold.
	// It returns domain.ErrConflict when another writer got there first.
	SetHold(ctx context.Context, id string, expectedVersion int64, hold *domain.Hold) (domain.Unit, error)
	// DeleteUnit returns domain.ErrUnitReferenced when the row cannot be removed.
	DeleteUnit(ctx context.Context, id string) error
	MarkUnitSold(ctx context.Context, id string) error
	CreateUnits(ctx context.Context, units []domain.Unit) error
}

type CartRepository interface {
	// EnsureCart creates the cart or fills in a missing buyer reference.
	EnsureCart(ctx context.Context, cart domain.Cart) error
	GetCart(ctx context.Context, cartID string) (domain.Cart, error)
	// AdjustCartItem adds delta to the aggregate and deletes it at zero.
	// It returns the resulting quantity.
	AdjustCartItem(ctx context.Context, cartID, productID string, delta int) (int, error)
	ListCartItems(ctx context.Context, cartID string) ([]domain.CartItem, error)
}

type SoldRecordRepository interface {
	// CreateSoldRecord returns domain.ErrSoldRecordExists if the unit already has one.
	CreateSoldRecord(ctx context.Context, rec domain.SoldRecord) error
	GetSoldRecordByUnit(ctx context.Context, unitID string) (domain.SoldRecord, error)
	ListSoldRecordsByOrder(ctx context.Context, orderID string) ([]domain.SoldRecord, error)
	PurgeExpiredSoldRecords(ctx context.Context, now time.Time) (int, error)
}

type OrderRepository interface {
	// CreateOrder returns domain.ErrConflict when the id is taken.
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	// UpdateOrderStatus returns domain.ErrConflict when the stored status is not in upd.From.
	UpdateOrderStatus(ctx context.Context, id string, upd domain.OrderUpdate) (domain.Order, error)
	UpdateOrderItems(ctx context.Context, id string, items []domain.LineItem) error
}

type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment domain.Payment) error
	GetPayment(ctx context.Context, id string) (domain.Payment, error)
	GetPaymentByInvoice(ctx context.Context, invoiceID string) (domain.Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error)
	ListPaymentsByStatus(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error)
	// UpdatePaymentStatus returns domain.ErrConflict when the stored status is not in upd.From.
	UpdatePaymentStatus(ctx context.Context, id string, upd domain.PaymentUpdate) (domain.Payment, error)
}

type ProductRepository interface {
	CreateProduct(ctx context.Context, p domain.Product) error
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}
