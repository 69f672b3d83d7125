package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/app"
	"github.com/cimillas/unitvault/internal/domain"
)

type OrderService interface {
	Checkout(ctx context.Context, in app.CheckoutInput) (app.CheckoutResult, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// OrderFulfiller covers the operator-facing order transitions.
type OrderFulfiller interface {
	Cancel(ctx context.Context, orderID string) (domain.Order, error)
	Redeliver(ctx context.Context, orderID string) (domain.Order, error)
}

type PaymentChecker interface {
	CheckPayment(ctx context.Context, orderID string) (domain.Payment, error)
}

type createOrderRequest struct {
	CartID      string          `json:"cart_id" validate:"required"`
	BuyerID     string          `json:"buyer_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency" validate:"omitempty,alpha,max=10"`
}

type orderResponse struct {
	ID          string            `json:"id"`
	CartID      string            `json:"cart_id,omitempty"`
	BuyerID     string            `json:"buyer_id,omitempty"`
	Status      string            `json:"status"`
	Items       []domain.LineItem `json:"items"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Currency    string            `json:"currency"`
	CreatedAt   time.Time         `json:"created_at"`
	PaidAt      *time.Time        `json:"paid_at,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
}

type paymentResponse struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Status    string          `json:"status"`
	InvoiceID string          `json:"invoice_id,omitempty"`
	PayURL    string          `json:"pay_url,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
}

type checkoutResponse struct {
	Order   orderResponse   `json:"order"`
	Payment paymentResponse `json:"payment"`
}

func toOrderResponse(o domain.Order) orderResponse {
	items := o.Items
	if items == nil {
		items = []domain.LineItem{}
	}
	return orderResponse{
		ID:          o.ID,
		CartID:      o.CartID,
		BuyerID:     o.BuyerID,
		Status:      string(o.Status),
		Items:       items,
		TotalAmount: o.TotalAmount,
		Currency:    o.Currency,
		CreatedAt:   o.CreatedAt,
		PaidAt:      o.PaidAt,
		DeliveredAt: o.DeliveredAt,
	}
}

func toPaymentResponse(p domain.Payment) paymentResponse {
	return paymentResponse{
		ID:        p.ID,
		OrderID:   p.OrderID,
		Status:    string(p.Status),
		InvoiceID: p.InvoiceID,
		PayURL:    p.PayURL,
		Amount:    p.Amount,
		Currency:  p.Currency,
		PaidAt:    p.PaidAt,
	}
}

// HandleCreateOrder checks out a cart into a pending order and its payment.
func HandleCreateOrder(svc OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		res, err := svc.Checkout(r.Context(), app.CheckoutInput{
			CartID:      req.CartID,
			BuyerID:     req.BuyerID,
			TotalAmount: req.TotalAmount,
			Currency:    req.Currency,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, checkoutResponse{
			Order:   toOrderResponse(res.Order),
			Payment: toPaymentResponse(res.Payment),
		})
	}
}

func HandleGetOrder(svc OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func HandleCancelOrder(svc OrderFulfiller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := svc.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func HandleRedeliverOrder(svc OrderFulfiller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := svc.Redeliver(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

type paymentStatusResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	PayURL  string `json:"pay_url,omitempty"`
}

// HandlePaymentStatus asks the provider about the order's invoice. A paid
// invoice is handed to fulfillment asynchronously, so the status returned
// here may still read pending.
func HandlePaymentStatus(svc PaymentChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payment, err := svc.CheckPayment(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, paymentStatusResponse{
			OrderID: payment.OrderID,
			Status:  string(payment.Status),
			PayURL:  payment.PayURL,
		})
	}
}
