package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/unitvault/internal/domain"
)

type SoldRecordRepository struct {
	db
}

func NewSoldRecordRepository(pool *pgxpool.Pool) *SoldRecordRepository {
	return &SoldRecordRepository{db{pool: pool}}
}

const soldColumns = `id, unit_id, product_id, buyer_id, order_id, payload, sold_at, expires_at`

func scanSoldRecord(row pgx.Row) (domain.SoldRecord, error) {
	var rec domain.SoldRecord
	if err := row.Scan(&rec.ID, &rec.UnitID, &rec.ProductID, &rec.BuyerID, &rec.OrderID, &rec.Payload, &rec.SoldAt, &rec.ExpiresAt); err != nil {
		return domain.SoldRecord{}, err
	}
	rec.SoldAt = rec.SoldAt.UTC()
	return rec, nil
}

func (r *SoldRecordRepository) CreateSoldRecord(ctx context.Context, rec domain.SoldRecord) error {
	const stmt = `
INSERT INTO sold_units (` + soldColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.exec(ctx, stmt, rec.ID, rec.UnitID, rec.ProductID, rec.BuyerID, rec.OrderID, rec.Payload, rec.SoldAt, rec.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSoldRecordExists
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create sold record: %w", err)
	}
	return nil
}

// GetSoldRecordByUnit returns domain.ErrUnitNotFound when the unit was never sold.
func (r *SoldRecordRepository) GetSoldRecordByUnit(ctx context.Context, unitID string) (domain.SoldRecord, error) {
	rec, err := scanSoldRecord(r.queryRow(ctx, `SELECT `+soldColumns+` FROM sold_units WHERE unit_id = $1`, unitID))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.SoldRecord{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SoldRecord{}, domain.ErrUnitNotFound
		}
		return domain.SoldRecord{}, fmt.Errorf("get sold record: %w", err)
	}
	return rec, nil
}

func (r *SoldRecordRepository) ListSoldRecordsByOrder(ctx context.Context, orderID string) ([]domain.SoldRecord, error) {
	rows, err := r.query(ctx, `SELECT `+soldColumns+` FROM sold_units WHERE order_id = $1 ORDER BY product_id, unit_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list sold records: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SoldRecord, error) {
		return scanSoldRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list sold records: %w", err)
	}
	return recs, nil
}

func (r *SoldRecordRepository) PurgeExpiredSoldRecords(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.exec(ctx, `DELETE FROM sold_units WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge sold records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
