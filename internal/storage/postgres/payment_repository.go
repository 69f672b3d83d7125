package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/domain"
)

type PaymentRepository struct {
	db
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{db{pool: pool}}
}

const paymentColumns = `id, order_id, invoice_id, pay_url, status, amount::text, currency, paid_at, created_at, updated_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p       domain.Payment
		invoice *string
		payURL  *string
		status  string
		amount  string
	)
	if err := row.Scan(&p.ID, &p.OrderID, &invoice, &payURL, &status, &amount, &p.Currency, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Payment{}, err
	}
	p.InvoiceID = lo.FromPtr(invoice)
	p.PayURL = lo.FromPtr(payURL)
	p.Status = domain.PaymentStatus(status)

	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Payment{}, fmt.Errorf("parse payment amount: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) CreatePayment(ctx context.Context, p domain.Payment) error {
	const stmt = `
INSERT INTO payments (id, order_id, invoice_id, pay_url, status, amount, currency, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`

	_, err := r.exec(ctx, stmt,
		p.ID,
		p.OrderID,
		nullString(p.InvoiceID),
		nullString(p.PayURL),
		string(p.Status),
		p.Amount.String(),
		p.Currency,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return domain.ErrOrderNotFound
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) getBy(ctx context.Context, column, value string) (domain.Payment, error) {
	p, err := scanPayment(r.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+column+` = $1`, value))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Payment{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("get payment by %s: %w", column, err)
	}
	return p, nil
}

func (r *PaymentRepository) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	return r.getBy(ctx, "id", id)
}

func (r *PaymentRepository) GetPaymentByInvoice(ctx context.Context, invoiceID string) (domain.Payment, error) {
	return r.getBy(ctx, "invoice_id", invoiceID)
}

func (r *PaymentRepository) GetPaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return r.getBy(ctx, "order_id", orderID)
}

// ListPaymentsByStatus returns the oldest payments in status first.
func (r *PaymentRepository) ListPaymentsByStatus(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY created_at, id LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	payments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Payment, error) {
		return scanPayment(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

// UpdatePaymentStatus applies upd only while the stored status is one of
// upd.From. This is the idempotency gate for payment signals.
func (r *PaymentRepository) UpdatePaymentStatus(ctx context.Context, id string, upd domain.PaymentUpdate) (domain.Payment, error) {
	const stmt = `
UPDATE payments
SET status = $2,
    invoice_id = COALESCE($3, invoice_id),
    pay_url = COALESCE($4, pay_url),
    paid_at = COALESCE($5, paid_at),
    updated_at = NOW()
WHERE id = $1 AND (cardinality($6::text[]) = 0 OR status = ANY($6::text[]))
RETURNING ` + paymentColumns

	from := lo.Map(upd.From, func(s domain.PaymentStatus, _ int) string { return string(s) })
	p, err := scanPayment(r.queryRow(ctx, stmt, id, string(upd.To), nullString(upd.InvoiceID), nullString(upd.PayURL), upd.PaidAt, from))
	if err == nil {
		return p, nil
	}
	if isInvalidUUID(err) {
		return domain.Payment{}, domain.ErrInvalidID
	}
	if isUniqueViolation(err) {
		return domain.Payment{}, domain.ErrConflict
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, fmt.Errorf("update payment status: %w", err)
	}
	found, err := r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("update payment status: %w", err)
	}
	if !found {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return domain.Payment{}, domain.ErrConflict
}
