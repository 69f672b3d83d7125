package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/unitvault/internal/domain"
)

type UnitRepository struct {
	db
}

func NewUnitRepository(pool *pgxpool.Pool) *UnitRepository {
	return &UnitRepository{db{pool: pool}}
}

const unitColumns = `id, product_id, payload, sold, hold_id, held_by_cart, held_by_buyer, hold_expires_at, version, created_at`

func scanUnit(row pgx.Row) (domain.Unit, error) {
	var (
		u         domain.Unit
		holdID    *string
		cartID    *string
		buyerID   *string
		expiresAt *time.Time
	)
	if err := row.Scan(&u.ID, &u.ProductID, &u.Payload, &u.Sold, &holdID, &cartID, &buyerID, &expiresAt, &u.Version, &u.CreatedAt); err != nil {
		return domain.Unit{}, err
	}
	if holdID != nil && cartID != nil && expiresAt != nil {
		u.Hold = &domain.Hold{ID: *holdID, CartID: *cartID, ExpiresAt: expiresAt.UTC()}
		if buyerID != nil {
			u.Hold.BuyerID = *buyerID
		}
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// unitWhere renders filter as a WHERE clause. Placeholders start at $(offset+1).
func unitWhere(f domain.UnitFilter, offset int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(offset+len(args))
	}

	if len(f.IDs) > 0 {
		conds = append(conds, "id = ANY("+arg(f.IDs)+"::text[]::uuid[])")
	}
	if f.ProductID != "" {
		conds = append(conds, "product_id = "+arg(f.ProductID))
	}
	if f.HoldID != "" {
		conds = append(conds, "hold_id = "+arg(f.HoldID))
	}
	if f.CartID != "" {
		conds = append(conds, "held_by_cart = "+arg(f.CartID))
	}
	if f.Sold != nil {
		conds = append(conds, "sold = "+arg(*f.Sold))
	}
	if f.AvailableAt != nil {
		conds = append(conds, "sold = false AND (hold_expires_at IS NULL OR hold_expires_at <= "+arg(*f.AvailableAt)+")")
	}
	if f.ExpiredAt != nil {
		conds = append(conds, "sold = false AND hold_expires_at IS NOT NULL AND hold_expires_at <= "+arg(*f.ExpiredAt))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *UnitRepository) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	u, err := scanUnit(r.queryRow(ctx, `SELECT `+unitColumns+` FROM units WHERE id = $1`, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Unit{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Unit{}, domain.ErrUnitNotFound
		}
		return domain.Unit{}, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

// ListUnits returns matching units ordered by id.
func (r *UnitRepository) ListUnits(ctx context.Context, filter domain.UnitFilter, limit int) ([]domain.Unit, error) {
	where, args := unitWhere(filter, 0)
	query := `SELECT ` + unitColumns + ` FROM units` + where + ` ORDER BY id`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []domain.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list units: %w", err)
	}
	return units, nil
}

func (r *UnitRepository) CountUnits(ctx context.Context, filter domain.UnitFilter) (int, error) {
	where, args := unitWhere(filter, 0)
	var n int
	if err := r.queryRow(ctx, `SELECT COUNT(*) FROM units`+where, args...).Scan(&n); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, fmt.Errorf("count units: %w", err)
	}
	return n, nil
}

// SetHold is the conditional write every claim and release goes through.
func (r *UnitRepository) SetHold(ctx context.Context, id string, expectedVersion int64, hold *domain.Hold) (domain.Unit, error) {
	const stmt = `
UPDATE units
SET hold_id = $3, held_by_cart = $4, held_by_buyer = $5, hold_expires_at = $6, version = version + 1
WHERE id = $1 AND version = $2 AND sold = false
RETURNING ` + unitColumns

	var holdID, cartID, buyerID, expiresAt any
	if hold != nil {
		holdID, cartID, buyerID, expiresAt = hold.ID, hold.CartID, nullString(hold.BuyerID), hold.ExpiresAt
	}

	u, err := scanUnit(r.queryRow(ctx, stmt, id, expectedVersion, holdID, cartID, buyerID, expiresAt))
	if err == nil {
		return u, nil
	}
	if isInvalidUUID(err) {
		return domain.Unit{}, domain.ErrInvalidID
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Unit{}, fmt.Errorf("set hold: %w", err)
	}
	found, err := r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM units WHERE id = $1)`, id)
	if err != nil {
		return domain.Unit{}, fmt.Errorf("set hold: %w", err)
	}
	if !found {
		return domain.Unit{}, domain.ErrUnitNotFound
	}
	return domain.Unit{}, domain.ErrConflict
}

func (r *UnitRepository) DeleteUnit(ctx context.Context, id string) error {
	tag, err := r.exec(ctx, `DELETE FROM units WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrUnitReferenced
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("delete unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnitNotFound
	}
	return nil
}

func (r *UnitRepository) MarkUnitSold(ctx context.Context, id string) error {
	const stmt = `
UPDATE units
SET sold = true, hold_id = NULL, held_by_cart = NULL, held_by_buyer = NULL, hold_expires_at = NULL, version = version + 1
WHERE id = $1`

	tag, err := r.exec(ctx, stmt, id)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("mark unit sold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnitNotFound
	}
	return nil
}

func (r *UnitRepository) CreateUnits(ctx context.Context, units []domain.Unit) error {
	const stmt = `
INSERT INTO units (id, product_id, payload, sold, version, created_at)
VALUES ($1, $2, $3, false, 1, $4)`

	return r.WithTx(ctx, func(txCtx context.Context) error {
		for _, u := range units {
			if _, err := r.exec(txCtx, stmt, u.ID, u.ProductID, u.Payload, u.CreatedAt); err != nil {
				if isForeignKeyViolation(err) {
					return domain.ErrProductNotFound
				}
				if isInvalidUUID(err) {
					return domain.ErrInvalidID
				}
				return fmt.Errorf("create unit: %w", err)
			}
		}
		return nil
	})
}
