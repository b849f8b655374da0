package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/backoffice/internal/domain"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}

func TestOrderTotalsExample(t *testing.T) {
	items := []domain.SalesOrderItem{
		{ProductID: "P1", Quantity: 2, UnitPrice: dec(t, "100"), UnitCost: dec(t, "60")},
		{ProductID: "P2", Quantity: 1, UnitPrice: dec(t, "50"), UnitCost: dec(t, "20")},
	}

	totals := OrderTotals(items)

	assert.True(t, totals.TotalPrice.Equal(dec(t, "250")), "total price %s", totals.TotalPrice)
	assert.True(t, totals.TotalCost.Equal(dec(t, "140")), "total cost %s", totals.TotalCost)
	assert.True(t, totals.Profit.Equal(dec(t, "110")), "profit %s", totals.Profit)
}

func TestOrderTotalsEmpty(t *testing.T) {
	totals := OrderTotals(nil)
	assert.True(t, totals.TotalPrice.IsZero())
	assert.True(t, totals.TotalCost.IsZero())
	assert.True(t, totals.Profit.IsZero())
}

func TestItemFiguresAreExactForCents(t *testing.T) {
	// 0.1 + 0.2 style inputs must not drift the way binary floats do.
	subtotal := ItemSubtotal(3, dec(t, "0.10"))
	assert.True(t, subtotal.Equal(dec(t, "0.30")), "subtotal %s", subtotal)

	profit := ItemProfit(7, dec(t, "19.99"), dec(t, "12.37"))
	assert.True(t, profit.Equal(dec(t, "53.34")), "profit %s", profit)
}

func TestRecomputeAppliesReturnShippingCost(t *testing.T) {
	order := domain.SalesOrder{
		ReturnShippingCost: dec(t, "15"),
		Items: []domain.SalesOrderItem{
			{Quantity: 2, UnitPrice: dec(t, "100"), UnitCost: dec(t, "60")},
		},
	}

	Recompute(&order)

	assert.True(t, order.TotalPrice.Equal(dec(t, "200")))
	assert.True(t, order.TotalCost.Equal(dec(t, "120")))
	assert.True(t, order.Profit.Equal(dec(t, "65")), "profit %s", order.Profit)
	assert.True(t, order.Items[0].Subtotal.Equal(dec(t, "200")))
	assert.True(t, order.Items[0].Profit.Equal(dec(t, "80")))
}

func TestRecomputeNormalizesUnitPrices(t *testing.T) {
	order := domain.SalesOrder{
		Items: []domain.SalesOrderItem{
			{Quantity: 3, UnitPrice: dec(t, "3.335"), UnitCost: dec(t, "1")},
		},
	}

	Recompute(&order)

	assert.True(t, order.Items[0].UnitPrice.Equal(dec(t, "3.34")), "unit price %s", order.Items[0].UnitPrice)
	assert.True(t, order.TotalPrice.Equal(dec(t, "10.02")), "total %s", order.TotalPrice)
}
