package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/cimillas/unitvault/internal/app"
	"github.com/cimillas/unitvault/internal/domain"
)

// Reserver is the minimal interface needed to reserve units and count stock.
type Reserver interface {
	Reserve(ctx context.Context, in app.ReserveInput) (domain.Reservation, error)
	AvailableCount(ctx context.Context, productID string) (int, error)
}

// HoldReleaser returns held units to the pool.
type HoldReleaser interface {
	ReleaseHold(ctx context.Context, holdID string) (int, error)
	ReleaseCart(ctx context.Context, cartID string) (int, error)
	ReleaseUnits(ctx context.Context, unitIDs []string) (int, error)
	ReclaimExpired(ctx context.Context) (int, error)
}

type SaleFinalizer interface {
	MarkSold(ctx context.Context, unitIDs []string, orderID, buyerID string) (map[string]string, error)
}

type reserveRequest struct {
	CartID    string `json:"cart_id" validate:"required"`
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	BuyerID   string `json:"buyer_id"`
}

type reserveResponse struct {
	HoldID    string    `json:"hold_id"`
	CartID    string    `json:"cart_id"`
	ProductID string    `json:"product_id"`
	UnitIDs   []string  `json:"unit_ids"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleReserve claims units for a cart. All or nothing.
func HandleReserve(svc Reserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reserveRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		res, err := svc.Reserve(r.Context(), app.ReserveInput{
			CartID:    req.CartID,
			ProductID: req.ProductID,
			BuyerID:   req.BuyerID,
			Quantity:  req.Quantity,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, reserveResponse{
			HoldID:    res.HoldID,
			CartID:    res.CartID,
			ProductID: res.ProductID,
			UnitIDs:   res.UnitIDs,
			ExpiresAt: res.ExpiresAt,
		})
	}
}

type releaseRequest struct {
	HoldID string `json:"hold_id" validate:"required_without=CartID"`
	CartID string `json:"cart_id" validate:"required_without=HoldID"`
}

type releaseUnitsRequest struct {
	UnitIDs []string `json:"unit_ids" validate:"required,min=1,dive,required"`
}

type releasedResponse struct {
	Released int `json:"released"`
}

// HandleRelease releases one hold, or every hold of a cart. hold_id wins when both are sent.
func HandleRelease(svc HoldReleaser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req releaseRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		var (
			n   int
			err error
		)
		if req.HoldID != "" {
			n, err = svc.ReleaseHold(r.Context(), req.HoldID)
		} else {
			n, err = svc.ReleaseCart(r.Context(), req.CartID)
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, releasedResponse{Released: n})
	}
}

func HandleReleaseUnits(svc HoldReleaser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req releaseUnitsRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		n, err := svc.ReleaseUnits(r.Context(), req.UnitIDs)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, releasedResponse{Released: n})
	}
}

// HandleCleanup runs one reclaim sweep on demand.
func HandleCleanup(svc HoldReleaser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.ReclaimExpired(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, releasedResponse{Released: n})
	}
}

type markSoldRequest struct {
	UnitIDs []string `json:"unit_ids" validate:"required,min=1,dive,required"`
	OrderID string   `json:"order_id" validate:"required"`
	BuyerID string   `json:"buyer_id" validate:"required"`
}

type markSoldResponse struct {
	Sold    map[string]string `json:"sold"`
	Partial bool              `json:"partial"`
}

// HandleMarkSold finalizes units directly. Units that could not be finalized
// are left out of sold and flagged with partial.
func HandleMarkSold(svc SaleFinalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req markSoldRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		sold, err := svc.MarkSold(r.Context(), req.UnitIDs, req.OrderID, req.BuyerID)
		if err != nil && len(sold) == 0 {
			writeServiceError(w, r, err)
			return
		}
		if sold == nil {
			sold = map[string]string{}
		}
		writeJSON(w, http.StatusOK, markSoldResponse{
			Sold:    sold,
			Partial: len(sold) < len(lo.Uniq(req.UnitIDs)),
		})
	}
}

type availableResponse struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
}

func HandleAvailable(svc Reserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID := chi.URLParam(r, "id")
		n, err := svc.AvailableCount(r.Context(), productID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, availableResponse{ProductID: productID, Available: n})
	}
}
