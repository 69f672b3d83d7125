package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/domain"
)

// Local stands in when no payment provider is configured. Its invoices never
// become paid and it accepts no webhooks.
type Local struct {
	mu       sync.Mutex
	invoices map[string]struct{}
}

func NewLocal() *Local {
	return &Local{invoices: make(map[string]struct{})}
}

func (l *Local) Name() string { return "local" }

func (l *Local) CreateInvoice(_ context.Context, _ decimal.Decimal, _, _ string) (domain.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := "local-" + uuid.NewString()
	l.invoices[id] = struct{}{}
	return domain.Invoice{ID: id}, nil
}

func (l *Local) GetInvoiceStatus(_ context.Context, invoiceID string) (domain.InvoiceState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.invoices[invoiceID]; !ok {
		return domain.InvoiceState{}, domain.ErrUnknownInvoice
	}
	return domain.InvoiceState{Status: domain.InvoiceStatusActive}, nil
}
