package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientInventory  = errors.New("insufficient inventory")
	ErrUnknownInvoice         = errors.New("unknown invoice")
	ErrDuplicatePaymentSignal = errors.New("duplicate payment signal")
	ErrPartialFulfillment     = errors.New("partial fulfillment")
	ErrDeliveryFailure        = errors.New("delivery failure")
	ErrMissingBuyerReference  = errors.New("missing buyer reference")
	ErrUnreconcilableOrder    = errors.New("order line items cannot be reconstructed")

	ErrConflict              = errors.New("conflicting update")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInvalidID             = errors.New("invalid id")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrUnitNotFound          = errors.New("unit not found")
	ErrUnitReferenced        = errors.New("unit is still referenced")
	ErrSoldRecordExists      = errors.New("sold record already exists for unit")
	ErrProductNotFound       = errors.New("product not found")
	ErrTitleRequired         = errors.New("product title required")
	ErrCartNotFound          = errors.New("cart not found")
	ErrEmptyCart             = errors.New("cart has no items")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderNotCancellable   = errors.New("order can no longer be cancelled")
	ErrOrderNotRedeliverable = errors.New("order is not awaiting redelivery")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrPaymentCancelled      = errors.New("payment was cancelled before confirmation")
	ErrProviderUnavailable   = errors.New("payment provider unavailable")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
)

// FulfillmentError reports a paid order that needs operator attention.
// Kind is one of ErrPartialFulfillment, ErrDeliveryFailure,
// ErrMissingBuyerReference or ErrUnreconcilableOrder.
type FulfillmentError struct {
	OrderID string
	Kind    error
	Err     error
}

func (e *FulfillmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order %s: %v: %v", e.OrderID, e.Kind, e.Err)
	}
	return fmt.Sprintf("order %s: %v", e.OrderID, e.Kind)
}

func (e *FulfillmentError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NeedsOperator reports whether err is a fulfillment failure that a human has to resolve.
func NeedsOperator(err error) bool {
	var fe *FulfillmentError
	return errors.As(err, &fe)
}
