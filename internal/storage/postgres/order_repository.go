package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/domain"
)

type OrderRepository struct {
	db
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{db{pool: pool}}
}

const orderColumns = `id, cart_id, buyer_id, items, status, total_amount::text, currency, created_at, updated_at, paid_at, delivered_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o      domain.Order
		cartID *string
		buyer  *string
		items  []byte
		status string
		amount string
	)
	if err := row.Scan(&o.ID, &cartID, &buyer, &items, &status, &amount, &o.Currency, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.DeliveredAt); err != nil {
		return domain.Order{}, err
	}
	o.CartID = lo.FromPtr(cartID)
	o.BuyerID = lo.FromPtr(buyer)
	o.Status = domain.OrderStatus(status)

	var err error
	if o.TotalAmount, err = decimal.NewFromString(amount); err != nil {
		return domain.Order{}, fmt.Errorf("parse total amount: %w", err)
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return domain.Order{}, fmt.Errorf("decode order items: %w", err)
		}
	}
	return o, nil
}

func encodeItems(items []domain.LineItem) ([]byte, error) {
	if items == nil {
		items = []domain.LineItem{}
	}
	return json.Marshal(items)
}

// CreateOrder returns domain.ErrConflict when the id is already taken.
func (r *OrderRepository) CreateOrder(ctx context.Context, order domain.Order) error {
	const stmt = `
INSERT INTO orders (id, cart_id, buyer_id, items, status, total_amount, currency, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`

	items, err := encodeItems(order.Items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}
	_, err = r.exec(ctx, stmt,
		order.ID,
		nullString(order.CartID),
		nullString(order.BuyerID),
		items,
		string(order.Status),
		order.TotalAmount.String(),
		order.Currency,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(r.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// UpdateOrderStatus applies upd only while the stored status is one of upd.From.
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, id string, upd domain.OrderUpdate) (domain.Order, error) {
	const stmt = `
UPDATE orders
SET status = $2,
    paid_at = COALESCE($3, paid_at),
    delivered_at = COALESCE($4, delivered_at),
    updated_at = NOW()
WHERE id = $1 AND (cardinality($5::text[]) = 0 OR status = ANY($5::text[]))
RETURNING ` + orderColumns

	from := lo.Map(upd.From, func(s domain.OrderStatus, _ int) string { return string(s) })
	o, err := scanOrder(r.queryRow(ctx, stmt, id, string(upd.To), upd.PaidAt, upd.DeliveredAt, from))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("update order status: %w", err)
	}
	found, err := r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order status: %w", err)
	}
	if !found {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return domain.Order{}, domain.ErrConflict
}

func (r *OrderRepository) UpdateOrderItems(ctx context.Context, id string, items []domain.LineItem) error {
	raw, err := encodeItems(items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}
	tag, err := r.exec(ctx, `UPDATE orders SET items = $2, updated_at = NOW() WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("update order items: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}
