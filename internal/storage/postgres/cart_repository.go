package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/unitvault/internal/domain"
)

type CartRepository struct {
	db
}

func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{db{pool: pool}}
}

func (r *CartRepository) EnsureCart(ctx context.Context, cart domain.Cart) error {
	const stmt = `
INSERT INTO carts (id, buyer_id, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET buyer_id = COALESCE(carts.buyer_id, EXCLUDED.buyer_id)`

	if _, err := r.exec(ctx, stmt, cart.ID, nullString(cart.BuyerID), cart.CreatedAt); err != nil {
		return fmt.Errorf("ensure cart: %w", err)
	}
	return nil
}

func (r *CartRepository) GetCart(ctx context.Context, cartID string) (domain.Cart, error) {
	var (
		c     domain.Cart
		buyer *string
	)
	err := r.queryRow(ctx, `SELECT id, buyer_id, created_at FROM carts WHERE id = $1`, cartID).
		Scan(&c.ID, &buyer, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Cart{}, domain.ErrCartNotFound
		}
		return domain.Cart{}, fmt.Errorf("get cart: %w", err)
	}
	if buyer != nil {
		c.BuyerID = *buyer
	}
	return c, nil
}

// AdjustCartItem adds delta to the (cart, product) row and removes the row
// once its quantity drops to zero.
func (r *CartRepository) AdjustCartItem(ctx context.Context, cartID, productID string, delta int) (int, error) {
	const upsert = `
INSERT INTO cart_items (cart_id, product_id, quantity, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (cart_id, product_id)
DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = NOW()
RETURNING quantity`

	var qty int
	err := r.WithTx(ctx, func(txCtx context.Context) error {
		if err := r.queryRow(txCtx, upsert, cartID, productID, delta).Scan(&qty); err != nil {
			return err
		}
		if qty > 0 {
			return nil
		}
		qty = 0
		_, err := r.exec(txCtx, `DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2 AND quantity <= 0`, cartID, productID)
		return err
	})
	if err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, fmt.Errorf("adjust cart item: %w", err)
	}
	return qty, nil
}

func (r *CartRepository) ListCartItems(ctx context.Context, cartID string) ([]domain.CartItem, error) {
	const query = `
SELECT cart_id, product_id, quantity, updated_at
FROM cart_items
WHERE cart_id = $1 AND quantity > 0
ORDER BY product_id`

	rows, err := r.query(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("list cart items: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CartItem, error) {
		var it domain.CartItem
		err := row.Scan(&it.CartID, &it.ProductID, &it.Quantity, &it.UpdatedAt)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("list cart items: %w", err)
	}
	return items, nil
}
