// Package pricing computes item and order money figures. Everything here is
// pure; callers recompute totals from the full item list on every change.
package pricing

import (
	"github.com/shopspring/decimal"

	"kasirinaja/backoffice/internal/domain"
)

// MinorUnits is the number of decimal places money is stored with.
const MinorUnits = 2

type Totals struct {
	TotalPrice decimal.Decimal
	TotalCost  decimal.Decimal
	Profit     decimal.Decimal
}

func ItemSubtotal(qty int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(qty)))
}

func ItemCost(qty int, unitCost decimal.Decimal) decimal.Decimal {
	return unitCost.Mul(decimal.NewFromInt(int64(qty)))
}

func ItemProfit(qty int, unitPrice decimal.Decimal, unitCost decimal.Decimal) decimal.Decimal {
	return unitPrice.Sub(unitCost).Mul(decimal.NewFromInt(int64(qty)))
}

// OrderTotals folds the items into order level totals.
func OrderTotals(items []domain.SalesOrderItem) Totals {
	totals := Totals{TotalPrice: decimal.Zero, TotalCost: decimal.Zero}
	for _, item := range items {
		totals.TotalPrice = totals.TotalPrice.Add(ItemSubtotal(item.Quantity, item.UnitPrice))
		totals.TotalCost = totals.TotalCost.Add(ItemCost(item.Quantity, item.UnitCost))
	}
	totals.Profit = totals.TotalPrice.Sub(totals.TotalCost)
	return totals
}

// Normalize rounds a money amount to MinorUnits places.
func Normalize(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MinorUnits)
}

// Recompute refreshes every derived figure on the order from its items.
func Recompute(order *domain.SalesOrder) {
	for i := range order.Items {
		item := &order.Items[i]
		item.UnitPrice = Normalize(item.UnitPrice)
		item.UnitCost = Normalize(item.UnitCost)
		item.Subtotal = ItemSubtotal(item.Quantity, item.UnitPrice)
		item.Profit = ItemProfit(item.Quantity, item.UnitPrice, item.UnitCost)
	}
	totals := OrderTotals(order.Items)
	order.TotalPrice = totals.TotalPrice
	order.TotalCost = totals.TotalCost
	order.Profit = totals.Profit.Sub(order.ReturnShippingCost)
}
