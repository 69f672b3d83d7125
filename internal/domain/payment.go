package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusAwaitingInvoice PaymentStatus = "awaiting_invoice"
	PaymentStatusPending         PaymentStatus = "pending"
	PaymentStatusProcessing      PaymentStatus = "processing"
	PaymentStatusPaid            PaymentStatus = "paid"
	PaymentStatusCancelled       PaymentStatus = "cancelled"
)

// ConfirmableStatuses are the payment statuses that let a paid signal through the gate.
var ConfirmableStatuses = []PaymentStatus{PaymentStatusAwaitingInvoice, PaymentStatusPending}

// Payment is the external invoice tied 1:1 to an order.
type Payment struct {
	ID        string
	OrderID   string
	InvoiceID string
	PayURL    string
	Status    PaymentStatus
	Amount    decimal.Decimal
	Currency  string
	PaidAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentUpdate describes a conditional payment transition, applied only when
// the stored status is one of From.
type PaymentUpdate struct {
	From      []PaymentStatus
	To        PaymentStatus
	InvoiceID string
	PayURL    string
	PaidAt    *time.Time
}

type InvoiceStatus string

const (
	InvoiceStatusActive  InvoiceStatus = "active"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusExpired InvoiceStatus = "expired"
)

// Invoice is what the provider returns when an invoice is created.
type Invoice struct {
	ID     string
	PayURL string
}

// InvoiceState is the provider's view of an invoice.
type InvoiceState struct {
	Status InvoiceStatus
	PaidAt *time.Time
}

// PaymentSignal is an at-least-once notification that an invoice changed state.
type PaymentSignal struct {
	InvoiceID string        `json:"invoice_id"`
	Status    InvoiceStatus `json:"status"`
	PaidAt    *time.Time    `json:"paid_at,omitempty"`
	Source    string        `json:"source"`
}

const (
	SignalSourceWebhook = "webhook"
	SignalSourcePoll    = "poll"
	SignalSourceResume  = "resume"
)
