// Package ledger owns stock levels. Every change is an append-only adjustment
// row keyed by (order, product, reason); levels never go negative.
package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/metrics"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

// Publisher receives stock-changed events once the adjustments are durable.
type Publisher interface {
	PublishStockChanged(ctx context.Context, events []domain.StockChangedEvent)
}

type Ledger struct {
	repo      store.Repository
	publisher Publisher
	metrics   *metrics.Engine
	logger    logrus.FieldLogger
	now       func() time.Time
}

func New(repo store.Repository, publisher Publisher, m *metrics.Engine, logger logrus.FieldLogger) *Ledger {
	return &Ledger{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		logger:    logger.WithField("module", "ledger"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ReserveAndCommit decrements stock for every change in one unit.
func (l *Ledger) ReserveAndCommit(ctx context.Context, orderID string, changes []domain.StockChange) ([]domain.StockAdjustment, error) {
	var out []domain.StockAdjustment
	err := l.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = l.ReserveAndCommitTx(ctx, tx, orderID, changes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReserveAndCommitTx validates every line against locked stock before writing
// any of them. The first short product, in input order, is reported. A repeat
// for an order that already reserved returns the existing rows unchanged.
func (l *Ledger) ReserveAndCommitTx(ctx context.Context, tx store.Tx, orderID string, changes []domain.StockChange) ([]domain.StockAdjustment, error) {
	merged, err := mergeChanges(orderID, changes)
	if err != nil {
		return nil, err
	}
	existing, err := tx.FindAdjustments(ctx, orderID, domain.ReasonConfirm)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		l.logger.WithField("order_id", orderID).Debug("reservation replayed")
		return existing, nil
	}
	if len(merged) == 0 {
		return nil, nil
	}

	levels, err := tx.LockStock(ctx, productIDs(merged))
	if err != nil {
		return nil, err
	}
	for _, change := range merged {
		if available := levels[change.ProductID]; available < change.Quantity {
			l.metrics.ObserveInsufficientStock()
			return nil, &domain.InsufficientStockError{
				ProductID: change.ProductID,
				SKU:       change.SKU,
				Requested: change.Quantity,
				Available: available,
			}
		}
	}

	adjustments := l.build(orderID, domain.ReasonConfirm, merged, -1)
	if err := tx.ApplyAdjustments(ctx, adjustments); err != nil {
		return nil, err
	}
	l.afterCommit(ctx, tx, adjustments, levels)
	return adjustments, nil
}

// Release restores stock for a canceled or returned order in one unit.
func (l *Ledger) Release(ctx context.Context, orderID string, reason domain.AdjustmentReason, changes []domain.StockChange) ([]domain.StockAdjustment, error) {
	var out []domain.StockAdjustment
	err := l.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = l.ReleaseTx(ctx, tx, orderID, reason, changes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseTx is the reverse of ReserveAndCommitTx. An order gets at most one
// reversal; a second one with either reason returns the rows already written.
func (l *Ledger) ReleaseTx(ctx context.Context, tx store.Tx, orderID string, reason domain.AdjustmentReason, changes []domain.StockChange) ([]domain.StockAdjustment, error) {
	if reason != domain.ReasonCancel && reason != domain.ReasonReturn {
		return nil, fmt.Errorf("%w: release reason %q", domain.ErrInvalidRequest, reason)
	}
	merged, err := mergeChanges(orderID, changes)
	if err != nil {
		return nil, err
	}
	existing, err := tx.FindAdjustments(ctx, orderID, domain.ReasonCancel, domain.ReasonReturn)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		l.logger.WithFields(logrus.Fields{"order_id": orderID, "reason": reason}).Debug("release replayed")
		return existing, nil
	}
	if len(merged) == 0 {
		return nil, nil
	}

	levels, err := tx.LockStock(ctx, productIDs(merged))
	if err != nil {
		return nil, err
	}
	adjustments := l.build(orderID, reason, merged, 1)
	if err := tx.ApplyAdjustments(ctx, adjustments); err != nil {
		return nil, err
	}
	l.afterCommit(ctx, tx, adjustments, levels)
	return adjustments, nil
}

// Levels reads current stock outside of any unit.
func (l *Ledger) Levels(ctx context.Context, productIDs []string) (map[string]int, error) {
	return l.repo.GetStock(ctx, productIDs)
}

func (l *Ledger) build(orderID string, reason domain.AdjustmentReason, changes []domain.StockChange, sign int) []domain.StockAdjustment {
	at := l.now()
	adjustments := make([]domain.StockAdjustment, 0, len(changes))
	for _, change := range changes {
		adjustments = append(adjustments, domain.StockAdjustment{
			ID:        xid.New("adj"),
			ProductID: change.ProductID,
			Delta:     sign * change.Quantity,
			Reason:    reason,
			OrderID:   orderID,
			CreatedAt: at,
		})
	}
	return adjustments
}

func (l *Ledger) afterCommit(ctx context.Context, tx store.Tx, adjustments []domain.StockAdjustment, before map[string]int) {
	events := make([]domain.StockChangedEvent, 0, len(adjustments))
	for _, adj := range adjustments {
		events = append(events, domain.StockChangedEvent{
			ProductID: adj.ProductID,
			Delta:     adj.Delta,
			Reason:    adj.Reason,
			OrderID:   adj.OrderID,
			StockLeft: before[adj.ProductID] + adj.Delta,
			At:        adj.CreatedAt,
		})
	}
	detached := context.WithoutCancel(ctx)
	tx.AfterCommit(func() {
		for _, adj := range adjustments {
			l.metrics.ObserveAdjustment(string(adj.Reason), adj.Delta)
		}
		if l.publisher != nil {
			l.publisher.PublishStockChanged(detached, events)
		}
	})
}

// mergeChanges sums quantities per product, keeping first-seen order.
func mergeChanges(orderID string, changes []domain.StockChange) ([]domain.StockChange, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", domain.ErrInvalidRequest)
	}
	index := make(map[string]int, len(changes))
	merged := make([]domain.StockChange, 0, len(changes))
	for _, change := range changes {
		if change.ProductID == "" {
			return nil, fmt.Errorf("%w: product id is required", domain.ErrInvalidRequest)
		}
		if change.Quantity < 1 {
			return nil, fmt.Errorf("%w: %d for product %s", domain.ErrInvalidQuantity, change.Quantity, change.ProductID)
		}
		if i, ok := index[change.ProductID]; ok {
			merged[i].Quantity += change.Quantity
			continue
		}
		index[change.ProductID] = len(merged)
		merged = append(merged, change)
	}
	return merged, nil
}

func productIDs(changes []domain.StockChange) []string {
	ids := make([]string, 0, len(changes))
	for _, change := range changes {
		ids = append(ids, change.ProductID)
	}
	slices.Sort(ids)
	return ids
}
