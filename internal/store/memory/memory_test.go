package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
)

func newTestStore() *Store {
	s := New()
	s.PutProduct(domain.Product{ID: "p1", SKU: "sku-a", Barcode: "111", Name: "A", UnitPrice: decimal.NewFromInt(10), Active: true}, 5)
	s.PutProduct(domain.Product{ID: "p2", SKU: "SKU-B", Barcode: "222", Name: "B", UnitPrice: decimal.NewFromInt(20), Active: true}, 3)
	s.PutProduct(domain.Product{ID: "p3", SKU: "111", Name: "C", Active: true}, 1)
	return s
}

func TestResolveProductPrefersBarcode(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	p, err := s.ResolveProduct(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, 5, p.AvailableStock)

	p, err = s.ResolveProduct(ctx, "sku-b")
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ID)

	_, err = s.ResolveProduct(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInTxRollbackDiscardsWrites(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateOrder(ctx, domain.SalesOrder{ID: "o1", Status: domain.StatusDraft})
		require.NoError(t, err)
		_, err = tx.LockStock(ctx, []string{"p1"})
		require.NoError(t, err)
		require.NoError(t, tx.ApplyAdjustments(ctx, []domain.StockAdjustment{{ProductID: "p1", Delta: -2, Reason: domain.ReasonConfirm, OrderID: "o1"}}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	levels, _ := s.GetStock(ctx, []string{"p1"})
	assert.Equal(t, 5, levels["p1"])
	adjs, _ := s.ListAdjustments(ctx, "o1")
	assert.Empty(t, adjs)
}

func TestInTxCommitRunsHooksAfterApply(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	var seen int

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockStock(ctx, []string{"p2", "p1"})
		require.NoError(t, err)
		require.NoError(t, tx.ApplyAdjustments(ctx, []domain.StockAdjustment{
			{ProductID: "p1", Delta: -5, Reason: domain.ReasonConfirm, OrderID: "o1"},
			{ProductID: "p2", Delta: -1, Reason: domain.ReasonConfirm, OrderID: "o1"},
		}))
		tx.AfterCommit(func() {
			levels, _ := s.GetStock(context.Background(), []string{"p1"})
			seen = levels["p1"]
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, seen)

	levels, _ := s.GetStock(ctx, []string{"p1", "p2"})
	assert.Equal(t, 0, levels["p1"])
	assert.Equal(t, 2, levels["p2"])
}

func TestApplyAdjustmentsRejectsNegativeAndDuplicates(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockStock(ctx, []string{"p2"}); err != nil {
			return err
		}
		return tx.ApplyAdjustments(ctx, []domain.StockAdjustment{{ProductID: "p2", Delta: -4, Reason: domain.ReasonConfirm, OrderID: "o1"}})
	})
	var shortage *domain.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, 3, shortage.Available)

	adj := domain.StockAdjustment{ProductID: "p2", Delta: -1, Reason: domain.ReasonConfirm, OrderID: "o2"}
	apply := func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockStock(ctx, []string{"p2"}); err != nil {
			return err
		}
		return tx.ApplyAdjustments(ctx, []domain.StockAdjustment{adj})
	}
	require.NoError(t, s.InTx(ctx, apply))
	assert.ErrorIs(t, s.InTx(ctx, apply), store.ErrDuplicate)
}

func TestApplyAdjustmentsRequiresLock(t *testing.T) {
	s := newTestStore()
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.ApplyAdjustments(ctx, []domain.StockAdjustment{{ProductID: "p1", Delta: 1, Reason: domain.ReasonCancel, OrderID: "o1"}})
	})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestSaveOrderDetectsStaleVersion(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateOrder(ctx, domain.SalesOrder{ID: "o1", Status: domain.StatusDraft, Items: []domain.SalesOrderItem{{ID: "i1", ProductID: "p1", Quantity: 1}}})
		return err
	}))

	stale, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.EqualValues(t, 1, stale.Version)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.LockOrder(ctx, "o1")
		if err != nil {
			return err
		}
		order.Notes = "first"
		_, err = tx.SaveOrder(ctx, *order)
		return err
	}))

	err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.SaveOrder(ctx, *stale)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	orderID, err := s.FindOrderIDByItem(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "o1", orderID)
}

func TestLockOrderWaitsAndHonorsCancellation(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateOrder(ctx, domain.SalesOrder{ID: "o1", Status: domain.StatusDraft})
		return err
	}))

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockOrder(ctx, "o1"); err != nil {
				return err
			}
			close(holding)
			time.Sleep(100 * time.Millisecond)
			return nil
		})
	}()
	<-holding

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.InTx(waitCtx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockOrder(ctx, "o1")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-done
	assert.Zero(t, s.locks.size(), "lock slots must not outlive their holders and waiters")
}

func TestLockSlotsAreDroppedAfterCommit(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("o%d", i)
		require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.CreateOrder(ctx, domain.SalesOrder{ID: id, Status: domain.StatusDraft}); err != nil {
				return err
			}
			_, err := tx.LockStock(ctx, []string{"p1", "p2"})
			return err
		}))
	}
	assert.Zero(t, s.locks.size())
}

func TestLockOrderAfterStockIsRejected(t *testing.T) {
	s := newTestStore()
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockStock(ctx, []string{"p1"}); err != nil {
			return err
		}
		_, err := tx.LockOrder(ctx, "o1")
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestNextOrderNumberIncrements(t *testing.T) {
	s := New()
	a, _ := s.NextOrderNumber(context.Background())
	b, _ := s.NextOrderNumber(context.Background())
	assert.Equal(t, a+1, b)
}
