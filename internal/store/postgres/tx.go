package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/pricing"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

type pgTx struct {
	tx    *sql.Tx
	hooks []func()
}

func (t *pgTx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (*domain.SalesOrder, error) {
	return loadOrder(ctx, t.tx, orderID, true)
}

func (t *pgTx) CreateOrder(ctx context.Context, order domain.SalesOrder) (*domain.SalesOrder, error) {
	if order.ID == "" {
		return nil, store.ErrInvalidArgument
	}
	order.Version = 1

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales_orders (
			id, number, status, channel, staff_id, customer_name, customer_phone, payment_method, notes,
			total_price, total_cost, profit, return_shipping_cost, version, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, order.ID, order.Number, order.Status.String(), order.Channel, order.StaffID, order.CustomerName, order.CustomerPhone,
		order.PaymentMethod, order.Notes, order.TotalPrice, order.TotalCost, order.Profit, order.ReturnShippingCost,
		order.Version, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	if err := insertItems(ctx, t.tx, order); err != nil {
		return nil, err
	}
	dup := order.Clone()
	return &dup, nil
}

// SaveOrder bumps the version only when the caller read the current one.
func (t *pgTx) SaveOrder(ctx context.Context, order domain.SalesOrder) (*domain.SalesOrder, error) {
	var requestedBy, requestReason any
	var requestedAt any
	if order.PendingCancel != nil {
		requestedBy = order.PendingCancel.RequestedBy
		requestReason = order.PendingCancel.Reason
		requestedAt = order.PendingCancel.RequestedAt
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales_orders
		SET status = $3, channel = $4, staff_id = $5, customer_name = $6, customer_phone = $7,
			payment_method = $8, notes = $9, total_price = $10, total_cost = $11, profit = $12,
			return_shipping_cost = $13, cancel_reason = $14, return_reason = $15,
			cancel_requested_by = $16, cancel_requested_at = $17, cancel_request_reason = COALESCE($18, ''),
			confirmed_at = $19, canceled_at = $20, returned_at = $21, updated_at = $22,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, order.ID, order.Version, order.Status.String(), order.Channel, order.StaffID, order.CustomerName, order.CustomerPhone,
		order.PaymentMethod, order.Notes, order.TotalPrice, order.TotalCost, order.Profit,
		order.ReturnShippingCost, order.CancelReason, order.ReturnReason,
		requestedBy, requestedAt, requestReason,
		nullTime(order.ConfirmedAt), nullTime(order.CanceledAt), nullTime(order.ReturnedAt), order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, domain.ErrConcurrentModification
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sales_order_items WHERE order_id = $1`, order.ID); err != nil {
		return nil, err
	}
	if err := insertItems(ctx, t.tx, order); err != nil {
		return nil, err
	}

	saved := order.Clone()
	saved.Version++
	return &saved, nil
}

// LockStock locks stock rows in product id order so units that touch the
// same products always queue the same way.
func (t *pgTx) LockStock(ctx context.Context, productIDs []string) (map[string]int, error) {
	ids := uniqueIDs(productIDs)
	levels := make(map[string]int, len(ids))
	for _, id := range ids {
		levels[id] = 0
	}
	if len(ids) == 0 {
		return levels, nil
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT product_id, qty
		FROM stock_levels
		WHERE product_id = ANY($1)
		ORDER BY product_id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		levels[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return levels, nil
}

func (t *pgTx) ApplyAdjustments(ctx context.Context, adjustments []domain.StockAdjustment) error {
	for _, adj := range adjustments {
		if adj.ID == "" {
			adj.ID = xid.New("adj")
		}
		if adj.CreatedAt.IsZero() {
			adj.CreatedAt = time.Now().UTC()
		}

		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO stock_levels (product_id, qty, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (product_id)
			DO UPDATE SET qty = stock_levels.qty + EXCLUDED.qty, updated_at = now()
		`, adj.ProductID, adj.Delta); err != nil {
			return mapError(err)
		}

		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO stock_adjustments (id, product_id, delta, reason, order_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, adj.ID, adj.ProductID, adj.Delta, string(adj.Reason), adj.OrderID, adj.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return err
		}
	}
	return nil
}

func (t *pgTx) FindAdjustments(ctx context.Context, orderID string, reasons ...domain.AdjustmentReason) ([]domain.StockAdjustment, error) {
	return queryAdjustments(ctx, t.tx, orderID, reasons)
}

func (t *pgTx) GetFulfillment(ctx context.Context, orderID string) (*domain.FulfillmentProgress, error) {
	return loadFulfillment(ctx, t.tx, orderID)
}

func (t *pgTx) SaveFulfillment(ctx context.Context, progress domain.FulfillmentProgress) error {
	if progress.OrderID == "" {
		return store.ErrInvalidArgument
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO fulfillments (order_id, started_at, completed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id)
		DO UPDATE SET completed_at = EXCLUDED.completed_at
	`, progress.OrderID, progress.StartedAt, nullTime(progress.CompletedAt)); err != nil {
		return err
	}

	itemIDs := make([]string, 0, len(progress.Scanned))
	for itemID := range progress.Scanned {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)
	for _, itemID := range itemIDs {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO fulfillment_scans (order_id, item_id, scanned_qty)
			VALUES ($1, $2, $3)
			ON CONFLICT (order_id, item_id)
			DO UPDATE SET scanned_qty = EXCLUDED.scanned_qty
		`, progress.OrderID, itemID, progress.Scanned[itemID]); err != nil {
			return err
		}
	}
	return nil
}

func loadOrder(ctx context.Context, q querier, orderID string, forUpdate bool) (*domain.SalesOrder, error) {
	query := `
		SELECT id, number, status, channel, staff_id, customer_name, customer_phone, payment_method, notes,
			total_price, total_cost, profit, return_shipping_cost, cancel_reason, return_reason,
			cancel_requested_by, cancel_requested_at, cancel_request_reason, version,
			created_at, updated_at, confirmed_at, canceled_at, returned_at
		FROM sales_orders
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		order                               domain.SalesOrder
		status                              string
		requestedBy                         sql.NullString
		requestedAt                         sql.NullTime
		requestReason                       string
		confirmedAt, canceledAt, returnedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, orderID).Scan(
		&order.ID, &order.Number, &status, &order.Channel, &order.StaffID, &order.CustomerName, &order.CustomerPhone,
		&order.PaymentMethod, &order.Notes, &order.TotalPrice, &order.TotalCost, &order.Profit, &order.ReturnShippingCost,
		&order.CancelReason, &order.ReturnReason, &requestedBy, &requestedAt, &requestReason, &order.Version,
		&order.CreatedAt, &order.UpdatedAt, &confirmedAt, &canceledAt, &returnedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if order.Status, err = domain.ParseOrderStatus(status); err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	if requestedBy.Valid {
		order.PendingCancel = &domain.PendingCancel{
			Reason:      requestReason,
			RequestedBy: requestedBy.String,
			RequestedAt: requestedAt.Time.UTC(),
		}
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.ConfirmedAt = timePtr(confirmedAt)
	order.CanceledAt = timePtr(canceledAt)
	order.ReturnedAt = timePtr(returnedAt)

	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, sku, barcode, product_name, quantity, unit_price, unit_cost
		FROM sales_order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	order.Items = make([]domain.SalesOrderItem, 0, 8)
	for rows.Next() {
		item := domain.SalesOrderItem{OrderID: orderID}
		if err := rows.Scan(&item.ID, &item.ProductID, &item.SKU, &item.Barcode, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.UnitCost); err != nil {
			return nil, err
		}
		item.Subtotal = pricing.ItemSubtotal(item.Quantity, item.UnitPrice)
		item.Profit = pricing.ItemProfit(item.Quantity, item.UnitPrice, item.UnitCost)
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &order, nil
}

func insertItems(ctx context.Context, q querier, order domain.SalesOrder) error {
	for position, item := range order.Items {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO sales_order_items (
				id, order_id, position, product_id, sku, barcode, product_name, quantity, unit_price, unit_cost
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, item.ID, order.ID, position, item.ProductID, item.SKU, item.Barcode, item.ProductName,
			item.Quantity, item.UnitPrice, item.UnitCost); err != nil {
			return err
		}
	}
	return nil
}

func queryAdjustments(ctx context.Context, q querier, orderID string, reasons []domain.AdjustmentReason) ([]domain.StockAdjustment, error) {
	filter := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		filter = append(filter, string(reason))
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, delta, reason, order_id, created_at
		FROM stock_adjustments
		WHERE order_id = $1
			AND (cardinality($2::text[]) = 0 OR reason = ANY($2))
		ORDER BY created_at, product_id
	`, orderID, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StockAdjustment, 0, 8)
	for rows.Next() {
		var adj domain.StockAdjustment
		var reason string
		if err := rows.Scan(&adj.ID, &adj.ProductID, &adj.Delta, &reason, &adj.OrderID, &adj.CreatedAt); err != nil {
			return nil, err
		}
		adj.Reason = domain.AdjustmentReason(reason)
		adj.CreatedAt = adj.CreatedAt.UTC()
		result = append(result, adj)
	}
	return result, rows.Err()
}

func loadFulfillment(ctx context.Context, q querier, orderID string) (*domain.FulfillmentProgress, error) {
	progress := domain.FulfillmentProgress{OrderID: orderID, Scanned: map[string]int{}}
	var completedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT started_at, completed_at
		FROM fulfillments
		WHERE order_id = $1
	`, orderID).Scan(&progress.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	progress.StartedAt = progress.StartedAt.UTC()
	progress.CompletedAt = timePtr(completedAt)

	rows, err := q.QueryContext(ctx, `
		SELECT item_id, scanned_qty
		FROM fulfillment_scans
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var itemID string
		var qty int
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		progress.Scanned[itemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &progress, nil
}

func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
