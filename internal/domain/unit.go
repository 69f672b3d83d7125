package domain

import (
	"slices"
	"time"
)

// Unit is one sellable, non-fungible inventory item.
// Version is bumped by every write and guards conditional updates.
type Unit struct {
	ID        string
	ProductID string
	Payload   string
	Sold      bool
	Hold      *Hold
	Version   int64
	CreatedAt time.Time
}

// AvailableAt reports whether the unit may be claimed at now. A lapsed hold
// counts as released even if the reclaimer has not swept it yet.
func (u Unit) AvailableAt(now time.Time) bool {
	return !u.Sold && !u.Hold.ActiveAt(now)
}

// HeldBy reports whether the unit currently carries a hold for cartID, expired or not.
func (u Unit) HeldBy(cartID string) bool {
	return u.Hold != nil && u.Hold.CartID == cartID
}

// UnitFilter selects units. Set fields are combined with AND.
type UnitFilter struct {
	IDs       []string
	ProductID string
	HoldID    string
	CartID    string
	Sold      *bool
	// AvailableAt matches unsold units without an active hold at the instant.
	AvailableAt *time.Time
	// ExpiredAt matches unsold units whose hold lapsed at or before the instant.
	ExpiredAt *time.Time
}

// Matches evaluates the filter in memory.
func (f UnitFilter) Matches(u Unit) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, u.ID) {
		return false
	}
	if f.ProductID != "" && u.ProductID != f.ProductID {
		return false
	}
	if f.HoldID != "" && (u.Hold == nil || u.Hold.ID != f.HoldID) {
		return false
	}
	if f.CartID != "" && !u.HeldBy(f.CartID) {
		return false
	}
	if f.Sold != nil && u.Sold != *f.Sold {
		return false
	}
	if f.AvailableAt != nil && !u.AvailableAt(*f.AvailableAt) {
		return false
	}
	if f.ExpiredAt != nil {
		if u.Sold || u.Hold == nil || u.Hold.ExpiresAt.After(*f.ExpiredAt) {
			return false
		}
	}
	return true
}
