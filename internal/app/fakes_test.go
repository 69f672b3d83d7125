package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/domain"
)

// fakeStore is an in-memory store with the same conditional-write semantics
// as the postgres repositories.
type fakeStore struct {
	mu       sync.Mutex
	units    map[string]domain.Unit
	carts    map[string]domain.Cart
	items    map[domain.CartKey]int
	sold     map[string]domain.SoldRecord
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	products map[string]domain.Product

	// beforeSetHold runs before the version check; a non-nil error is returned as is.
	beforeSetHold   func(id string) error
	deleteErr       map[string]error
	markSoldErr     map[string]error
	adjustErr       error
	createOrderErrs []error
	orderStatusErr  error
	// cartItemsErrs are returned, one per call, before ListCartItems reads.
	cartItemsErrs []error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		units:       make(map[string]domain.Unit),
		carts:       make(map[string]domain.Cart),
		items:       make(map[domain.CartKey]int),
		sold:        make(map[string]domain.SoldRecord),
		orders:      make(map[string]domain.Order),
		payments:    make(map[string]domain.Payment),
		products:    make(map[string]domain.Product),
		deleteErr:   make(map[string]error),
		markSoldErr: make(map[string]error),
	}
}

func cloneUnit(u domain.Unit) domain.Unit {
	if u.Hold != nil {
		h := *u.Hold
		u.Hold = &h
	}
	return u
}

func (s *fakeStore) addUnits(productID string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.units[id] = domain.Unit{ID: id, ProductID: productID, Payload: "payload-" + id, Version: 1}
	}
}

func (s *fakeStore) unit(id string) (domain.Unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	return cloneUnit(u), ok
}

func (s *fakeStore) heldBy(holdID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, u := range s.units {
		if u.Hold != nil && u.Hold.ID == holdID {
			ids = append(ids, u.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *fakeStore) cartQuantity(cartID, productID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[domain.CartKey{CartID: cartID, ProductID: productID}]
	return n, ok
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *fakeStore) GetUnit(_ context.Context, id string) (domain.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return domain.Unit{}, domain.ErrUnitNotFound
	}
	return cloneUnit(u), nil
}

func (s *fakeStore) ListUnits(_ context.Context, filter domain.UnitFilter, limit int) ([]domain.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Unit
	for _, u := range s.units {
		if filter.Matches(u) {
			out = append(out, cloneUnit(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) CountUnits(_ context.Context, filter domain.UnitFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.units {
		if filter.Matches(u) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) SetHold(_ context.Context, id string, expectedVersion int64, hold *domain.Hold) (domain.Unit, error) {
	if s.beforeSetHold != nil {
		if err := s.beforeSetHold(id); err != nil {
			return domain.Unit{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return domain.Unit{}, domain.ErrUnitNotFound
	}
	if u.Version != expectedVersion || u.Sold {
		return domain.Unit{}, domain.ErrConflict
	}
	if hold != nil {
		h := *hold
		u.Hold = &h
	} else {
		u.Hold = nil
	}
	u.Version++
	s.units[id] = u
	return cloneUnit(u), nil
}

func (s *fakeStore) DeleteUnit(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteErr[id]; err != nil {
		return err
	}
	if _, ok := s.units[id]; !ok {
		return domain.ErrUnitNotFound
	}
	delete(s.units, id)
	return nil
}

func (s *fakeStore) MarkUnitSold(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.markSoldErr[id]; err != nil {
		return err
	}
	u, ok := s.units[id]
	if !ok {
		return domain.ErrUnitNotFound
	}
	u.Sold = true
	u.Hold = nil
	u.Version++
	s.units[id] = u
	return nil
}

func (s *fakeStore) CreateUnits(_ context.Context, units []domain.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		u.Version = 1
		s.units[u.ID] = u
	}
	return nil
}

func (s *fakeStore) EnsureCart(_ context.Context, cart domain.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.carts[cart.ID]
	if ok && existing.BuyerID != "" {
		return nil
	}
	if ok {
		existing.BuyerID = cart.BuyerID
		s.carts[cart.ID] = existing
		return nil
	}
	s.carts[cart.ID] = cart
	return nil
}

func (s *fakeStore) GetCart(_ context.Context, cartID string) (domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return domain.Cart{}, domain.ErrCartNotFound
	}
	return c, nil
}

func (s *fakeStore) AdjustCartItem(_ context.Context, cartID, productID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adjustErr != nil {
		return 0, s.adjustErr
	}
	key := domain.CartKey{CartID: cartID, ProductID: productID}
	n := s.items[key] + delta
	if n <= 0 {
		delete(s.items, key)
		return 0, nil
	}
	s.items[key] = n
	return n, nil
}

func (s *fakeStore) ListCartItems(_ context.Context, cartID string) ([]domain.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cartItemsErrs) > 0 {
		err := s.cartItemsErrs[0]
		s.cartItemsErrs = s.cartItemsErrs[1:]
		return nil, err
	}
	var out []domain.CartItem
	for key, n := range s.items {
		if key.CartID == cartID {
			out = append(out, domain.CartItem{CartID: cartID, ProductID: key.ProductID, Quantity: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *fakeStore) CreateSoldRecord(_ context.Context, rec domain.SoldRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sold {
		if existing.UnitID == rec.UnitID {
			return domain.ErrSoldRecordExists
		}
	}
	s.sold[rec.ID] = rec
	return nil
}

func (s *fakeStore) GetSoldRecordByUnit(_ context.Context, unitID string) (domain.SoldRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.sold {
		if rec.UnitID == unitID {
			return rec, nil
		}
	}
	return domain.SoldRecord{}, domain.ErrUnitNotFound
}

func (s *fakeStore) ListSoldRecordsByOrder(_ context.Context, orderID string) ([]domain.SoldRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SoldRecord
	for _, rec := range s.sold {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

func (s *fakeStore) PurgeExpiredSoldRecords(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.sold {
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			delete(s.sold, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CreateOrder(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.createOrderErrs) > 0 {
		err := s.createOrderErrs[0]
		s.createOrderErrs = s.createOrderErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := s.orders[order.ID]; ok {
		return domain.ErrConflict
	}
	s.orders[order.ID] = order
	return nil
}

func (s *fakeStore) GetOrder(_ context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (s *fakeStore) UpdateOrderStatus(_ context.Context, id string, upd domain.OrderUpdate) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderStatusErr != nil {
		return domain.Order{}, s.orderStatusErr
	}
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if len(upd.From) > 0 && !containsStatus(upd.From, o.Status) {
		return domain.Order{}, domain.ErrConflict
	}
	o.Status = upd.To
	if upd.PaidAt != nil {
		o.PaidAt = upd.PaidAt
	}
	if upd.DeliveredAt != nil {
		o.DeliveredAt = upd.DeliveredAt
	}
	s.orders[id] = o
	return o, nil
}

func (s *fakeStore) UpdateOrderItems(_ context.Context, id string, items []domain.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Items = items
	s.orders[id] = o
	return nil
}

func (s *fakeStore) CreatePayment(_ context.Context, p domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
	return nil
}

func (s *fakeStore) GetPayment(_ context.Context, id string) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return p, nil
}

func (s *fakeStore) GetPaymentByInvoice(_ context.Context, invoiceID string) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (s *fakeStore) GetPaymentByOrder(_ context.Context, orderID string) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OrderID == orderID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (s *fakeStore) ListPaymentsByStatus(_ context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Payment
	for _, p := range s.payments {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) UpdatePaymentStatus(_ context.Context, id string, upd domain.PaymentUpdate) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	if len(upd.From) > 0 && !containsStatus(upd.From, p.Status) {
		return domain.Payment{}, domain.ErrConflict
	}
	p.Status = upd.To
	if upd.InvoiceID != "" {
		p.InvoiceID = upd.InvoiceID
	}
	if upd.PayURL != "" {
		p.PayURL = upd.PayURL
	}
	if upd.PaidAt != nil {
		p.PaidAt = upd.PaidAt
	}
	s.payments[id] = p
	return p, nil
}

func (s *fakeStore) CreateProduct(_ context.Context, p domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	return nil
}

func (s *fakeStore) GetProduct(_ context.Context, id string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (s *fakeStore) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsStatus[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

type notifyCall struct {
	channel string
	bundle  domain.Bundle
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, channelRef string, bundle domain.Bundle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{channel: channelRef, bundle: bundle})
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fakeProvider struct {
	mu        sync.Mutex
	next      int
	states    map[string]domain.InvoiceState
	created   []string
	createErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{states: make(map[string]domain.InvoiceState)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreateInvoice(_ context.Context, _ decimal.Decimal, _, description string) (domain.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return domain.Invoice{}, p.createErr
	}
	p.next++
	id := fmt.Sprintf("INV%d", p.next)
	p.states[id] = domain.InvoiceState{Status: domain.InvoiceStatusActive}
	p.created = append(p.created, description)
	return domain.Invoice{ID: id, PayURL: "https://pay.example/" + id}, nil
}

func (p *fakeProvider) GetInvoiceStatus(_ context.Context, invoiceID string) (domain.InvoiceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[invoiceID]
	if !ok {
		return domain.InvoiceState{}, domain.ErrUnknownInvoice
	}
	return st, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	signals []domain.PaymentSignal
}

func (p *fakePublisher) PublishSignal(_ context.Context, sig domain.PaymentSignal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

type memIndex struct {
	mu   sync.Mutex
	refs map[string]InvoiceRef
}

func newMemIndex() *memIndex {
	return &memIndex{refs: make(map[string]InvoiceRef)}
}

func (m *memIndex) Lookup(_ context.Context, invoiceID string) (InvoiceRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[invoiceID]
	return ref, ok
}

func (m *memIndex) Remember(_ context.Context, invoiceID string, ref InvoiceRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[invoiceID] = ref
}
