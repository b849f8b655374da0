package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroCostFiguresStayInOrderJSON(t *testing.T) {
	order := SalesOrder{
		ID:         "so-1",
		Status:     StatusDraft,
		TotalPrice: decimal.NewFromInt(5000),
		TotalCost:  decimal.Zero,
		Profit:     decimal.Zero,
		Items: []SalesOrderItem{{
			ID:        "i1",
			ProductID: "p1",
			Quantity:  1,
			UnitPrice: decimal.NewFromInt(5000),
			UnitCost:  decimal.Zero,
			Subtotal:  decimal.NewFromInt(5000),
			Profit:    decimal.Zero,
		}},
	}

	raw, err := json.Marshal(order)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))

	assert.Contains(t, body, "total_cost")
	assert.Contains(t, body, "profit")
	assert.NotContains(t, body, "return_shipping_cost")

	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Contains(t, item, "unit_cost")
	assert.Contains(t, item, "profit")

	raw, err = json.Marshal(Product{ID: "p1", UnitCost: decimal.Zero})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"unit_cost"`)
}
