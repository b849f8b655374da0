package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
)

// arrayConverter lets []string arguments through the way the pgx driver does.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if valuer, ok := v.(driver.Valuer); ok {
		return valuer.Value()
	}
	if ids, ok := v.([]string); ok {
		return ids, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestInTxLocksAndAppliesAdjustments(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT product_id, qty")).
		WithArgs([]string{"p1", "p2"}).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "qty"}).AddRow("p1", 5))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stock_levels")).
		WithArgs("p1", -3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stock_adjustments")).
		WithArgs("adj-1", "p1", -3, "CONFIRM", "so-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	hookRan := false
	var levels map[string]int
	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		levels, err = tx.LockStock(ctx, []string{"p2", "p1", "p2"})
		if err != nil {
			return err
		}
		tx.AfterCommit(func() { hookRan = true })
		return tx.ApplyAdjustments(ctx, []domain.StockAdjustment{
			{ID: "adj-1", ProductID: "p1", Delta: -3, Reason: domain.ReasonConfirm, OrderID: "so-1"},
		})
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
	if len(levels) != 2 || levels["p1"] != 5 || levels["p2"] != 0 {
		t.Fatalf("unexpected locked levels %v", levels)
	}
	if !hookRan {
		t.Fatalf("expected after-commit hook to run")
	}
	expectationsMet(t, mock)
}

func TestInTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	hookRan := false
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		tx.AfterCommit(func() { hookRan = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if hookRan {
		t.Fatalf("hook must not run on rollback")
	}
	expectationsMet(t, mock)
}

func TestInTxMapsSerializationFailureOnCommit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})

	hookRan := false
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		tx.AfterCommit(func() { hookRan = true })
		return nil
	})
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	if hookRan {
		t.Fatalf("hook must not run when commit fails")
	}
	expectationsMet(t, mock)
}

func TestSaveOrderStaleVersion(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sales_orders")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.SaveOrder(ctx, domain.SalesOrder{ID: "so-1", Status: domain.StatusDraft, Version: 3})
		return err
	})
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestDuplicateAdjustmentMapsToDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stock_levels")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stock_adjustments")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "stock_adjustments_order_id_product_id_reason_key"})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.ApplyAdjustments(ctx, []domain.StockAdjustment{{ProductID: "p1", Delta: 2, Reason: domain.ReasonCancel, OrderID: "so-1"}})
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestResolveProductNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM products p")).
		WithArgs("8990000").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sku", "barcode", "name", "unit_price", "unit_cost", "active", "qty"}))

	_, err := s.ResolveProduct(context.Background(), " 8990000 ")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{&pgconn.PgError{Code: "40P01"}, domain.ErrConcurrentModification},
		{&pgconn.PgError{Code: "23514", ConstraintName: "stock_levels_qty_check"}, domain.ErrInsufficientStock},
		{&pgconn.PgError{Code: "23505"}, store.ErrDuplicate},
	}
	for _, tc := range cases {
		if got := mapError(tc.in); !errors.Is(got, tc.want) {
			t.Errorf("mapError(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}

	plain := errors.New("plain")
	if got := mapError(plain); got != plain {
		t.Fatalf("expected plain error passed through, got %v", got)
	}
	if err := mapError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
