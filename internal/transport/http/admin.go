package http

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/app"
	"github.com/cimillas/unitvault/internal/domain"
)

// CatalogService is the minimal interface needed for admin catalog endpoints.
type CatalogService interface {
	CreateProduct(ctx context.Context, in app.CreateProductInput) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.ProductStock, error)
	ImportUnits(ctx context.Context, in app.ImportUnitsInput) ([]domain.Unit, error)
}

type createProductRequest struct {
	Title    string          `json:"title" validate:"required"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency" validate:"omitempty,alpha,max=10"`
}

type productResponse struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	Available *int            `json:"available,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func toProductResponse(p domain.Product) productResponse {
	return productResponse{
		ID:        p.ID,
		Title:     p.Title,
		Price:     p.Price,
		Currency:  p.Currency,
		CreatedAt: p.CreatedAt,
	}
}

func HandleListProducts(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stock, err := svc.ListProducts(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		resp := lo.Map(stock, func(s domain.ProductStock, _ int) productResponse {
			p := toProductResponse(s.Product)
			p.Available = lo.ToPtr(s.Available)
			return p
		})
		writeJSON(w, http.StatusOK, resp)
	}
}

func HandleCreateProduct(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProductRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		product, err := svc.CreateProduct(r.Context(), app.CreateProductInput{
			Title:    req.Title,
			Price:    req.Price,
			Currency: req.Currency,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toProductResponse(product))
	}
}

type importUnitsRequest struct {
	Payloads []string `json:"payloads" validate:"required,min=1"`
}

type importUnitsResponse struct {
	ProductID string `json:"product_id"`
	Imported  int    `json:"imported"`
}

// HandleImportUnits adds units to a product. The body is either JSON
// {"payloads": [...]} or text/plain with one payload per line.
func HandleImportUnits(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payloads []string
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "text/plain" {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
				return
			}
			payloads = strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
		} else {
			var req importUnitsRequest
			if !decodeRequest(w, r, &req) {
				return
			}
			payloads = req.Payloads
		}

		productID := chi.URLParam(r, "id")
		units, err := svc.ImportUnits(r.Context(), app.ImportUnitsInput{
			ProductID: productID,
			Payloads:  payloads,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, importUnitsResponse{ProductID: productID, Imported: len(units)})
	}
}
