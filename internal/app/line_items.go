package app

import (
	"slices"
	"sort"

	"github.com/samber/lo"

	"github.com/cimillas/unitvault/internal/domain"
)

// CanonicalLineItems derives the line items to fulfil. Items stored on the
// order win; otherwise they come from the cart aggregates. Items that are
// short of units are topped up from held, the units the cart still holds,
// without reusing a unit twice. The inputs are not modified.
func CanonicalLineItems(order domain.Order, cartItems []domain.CartItem, held []domain.Unit) []domain.LineItem {
	var items []domain.LineItem
	if len(order.Items) > 0 {
		items = make([]domain.LineItem, 0, len(order.Items))
		for _, it := range order.Items {
			if it.Quantity <= 0 {
				continue
			}
			items = append(items, domain.LineItem{
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
				UnitIDs:   slices.Clone(it.UnitIDs),
			})
		}
	} else {
		for _, ci := range cartItems {
			if ci.Quantity <= 0 {
				continue
			}
			items = append(items, domain.LineItem{ProductID: ci.ProductID, Quantity: ci.Quantity})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	}
	if len(items) == 0 {
		return nil
	}

	used := make(map[string]struct{})
	for _, it := range items {
		for _, id := range it.UnitIDs {
			used[id] = struct{}{}
		}
	}

	spare := lo.GroupBy(
		lo.Filter(held, func(u domain.Unit, _ int) bool {
			_, taken := used[u.ID]
			return !taken && !u.Sold
		}),
		func(u domain.Unit) string { return u.ProductID },
	)
	for product := range spare {
		sort.Slice(spare[product], func(i, j int) bool { return spare[product][i].ID < spare[product][j].ID })
	}

	for i := range items {
		need := items[i].Shortfall()
		pool := spare[items[i].ProductID]
		take := min(need, len(pool))
		for _, u := range pool[:take] {
			items[i].UnitIDs = append(items[i].UnitIDs, u.ID)
		}
		spare[items[i].ProductID] = pool[take:]
	}
	return items
}

// unitIDsOf flattens the unit ids of all items.
func unitIDsOf(items []domain.LineItem) []string {
	return lo.FlatMap(items, func(it domain.LineItem, _ int) []string { return it.UnitIDs })
}
