package http

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/app"
	"github.com/cimillas/unitvault/internal/domain"
)

// fakeServices implements every handler dependency with overridable funcs.
type fakeServices struct {
	reserve        func(app.ReserveInput) (domain.Reservation, error)
	available      func(productID string) (int, error)
	releaseHold    func(holdID string) (int, error)
	releaseCart    func(cartID string) (int, error)
	releaseUnits   func(ids []string) (int, error)
	reclaim        func() (int, error)
	markSold       func(ids []string, orderID, buyerID string) (map[string]string, error)
	checkout       func(app.CheckoutInput) (app.CheckoutResult, error)
	getOrder       func(id string) (domain.Order, error)
	cancel         func(id string) (domain.Order, error)
	redeliver      func(id string) (domain.Order, error)
	checkPayment   func(orderID string) (domain.Payment, error)
	createProduct  func(app.CreateProductInput) (domain.Product, error)
	listProducts   func() ([]domain.ProductStock, error)
	importUnits    func(app.ImportUnitsInput) ([]domain.Unit, error)
	parseWebhook   func(http.Header, []byte) (domain.PaymentSignal, bool, error)
	publishSignal  func(domain.PaymentSignal) error
	publishedCount int
}

func (f *fakeServices) Reserve(_ context.Context, in app.ReserveInput) (domain.Reservation, error) {
	return f.reserve(in)
}

func (f *fakeServices) AvailableCount(_ context.Context, productID string) (int, error) {
	return f.available(productID)
}

func (f *fakeServices) ReleaseHold(_ context.Context, holdID string) (int, error) {
	return f.releaseHold(holdID)
}

func (f *fakeServices) ReleaseCart(_ context.Context, cartID string) (int, error) {
	return f.releaseCart(cartID)
}

func (f *fakeServices) ReleaseUnits(_ context.Context, ids []string) (int, error) {
	return f.releaseUnits(ids)
}

func (f *fakeServices) ReclaimExpired(context.Context) (int, error) {
	return f.reclaim()
}

func (f *fakeServices) MarkSold(_ context.Context, ids []string, orderID, buyerID string) (map[string]string, error) {
	return f.markSold(ids, orderID, buyerID)
}

func (f *fakeServices) Checkout(_ context.Context, in app.CheckoutInput) (app.CheckoutResult, error) {
	return f.checkout(in)
}

func (f *fakeServices) GetOrder(_ context.Context, id string) (domain.Order, error) {
	return f.getOrder(id)
}

func (f *fakeServices) Cancel(_ context.Context, id string) (domain.Order, error) {
	return f.cancel(id)
}

func (f *fakeServices) Redeliver(_ context.Context, id string) (domain.Order, error) {
	return f.redeliver(id)
}

func (f *fakeServices) CheckPayment(_ context.Context, orderID string) (domain.Payment, error) {
	return f.checkPayment(orderID)
}

func (f *fakeServices) CreateProduct(_ context.Context, in app.CreateProductInput) (domain.Product, error) {
	return f.createProduct(in)
}

func (f *fakeServices) ListProducts(context.Context) ([]domain.ProductStock, error) {
	return f.listProducts()
}

func (f *fakeServices) ImportUnits(_ context.Context, in app.ImportUnitsInput) ([]domain.Unit, error) {
	return f.importUnits(in)
}

func (f *fakeServices) ParseWebhook(h http.Header, body []byte) (domain.PaymentSignal, bool, error) {
	return f.parseWebhook(h, body)
}

func (f *fakeServices) PublishSignal(_ context.Context, sig domain.PaymentSignal) error {
	f.publishedCount++
	return f.publishSignal(sig)
}

func (f *fakeServices) Ping(context.Context) error { return nil }

func newTestRouter(f *fakeServices) http.Handler {
	return NewRouter(Services{
		Reserver:  f,
		Releaser:  f,
		Finalizer: f,
		Orders:    f,
		Fulfiller: f,
		Payments:  f,
		Catalog:   f,
		Webhooks:  f,
		Signals:   f,
		DB:        f,
	}, RouterConfig{
		CORSOrigins: []string{"http://shop.example"},
		AdminToken:  "admin-token",
		Logger:      zerolog.Nop(),
	})
}
