package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from OrderStatus
		to   OrderStatus
		ok   bool
	}{
		{StatusDraft, StatusConfirmed, true},
		{StatusDraft, StatusCanceled, true},
		{StatusDraft, StatusReturned, false},
		{StatusConfirmed, StatusCanceled, true},
		{StatusConfirmed, StatusReturned, true},
		{StatusConfirmed, StatusDraft, false},
		{StatusCanceled, StatusDraft, false},
		{StatusCanceled, StatusConfirmed, false},
		{StatusReturned, StatusCanceled, false},
		{StatusReturned, StatusConfirmed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusJSONRejectsUnknownValues(t *testing.T) {
	var status OrderStatus
	require.NoError(t, json.Unmarshal([]byte(`"confirmed"`), &status))
	assert.Equal(t, StatusConfirmed, status)

	err := json.Unmarshal([]byte(`"SHIPPED"`), &status)
	require.Error(t, err)

	_, err = json.Marshal(OrderStatus(42))
	require.Error(t, err)
}

func TestInsufficientStockErrorUnwraps(t *testing.T) {
	err := error(&InsufficientStockError{ProductID: "prd-1", SKU: "SKU-1", Requested: 3, Available: 2})
	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.Contains(t, err.Error(), "SKU-1")
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(ErrConcurrentModification))
}

func TestStockChangesMergesProducts(t *testing.T) {
	order := SalesOrder{Items: []SalesOrderItem{
		{ProductID: "a", Quantity: 1},
		{ProductID: "b", Quantity: 2},
		{ProductID: "a", Quantity: 4},
	}}
	changes := order.StockChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, 5, changes[0].Quantity)
	assert.Equal(t, 2, changes[1].Quantity)
}
