package app

import "context"

// InvoiceRef is what the invoice index remembers about an invoice.
type InvoiceRef struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
}

// InvoiceIndex is a volatile invoice -> payment lookup. The payment records
// stay authoritative; a miss always falls back to the store.
type InvoiceIndex interface {
	Lookup(ctx context.Context, invoiceID string) (InvoiceRef, bool)
	Remember(ctx context.Context, invoiceID string, ref InvoiceRef)
}

type noopIndex struct{}

func (noopIndex) Lookup(context.Context, string) (InvoiceRef, bool) { return InvoiceRef{}, false }
func (noopIndex) Remember(context.Context, string, InvoiceRef)      {}
