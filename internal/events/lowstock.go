package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/metrics"
)

// LowStockWatcher records every level it sees and warns once a product
// drops to the threshold or below.
type LowStockWatcher struct {
	threshold int
	metrics   *metrics.Engine
	logger    logrus.FieldLogger
}

func NewLowStockWatcher(threshold int, m *metrics.Engine, logger logrus.FieldLogger) *LowStockWatcher {
	return &LowStockWatcher{threshold: threshold, metrics: m, logger: logger.WithField("module", "stock")}
}

func (w *LowStockWatcher) Handle(_ context.Context, event domain.StockChangedEvent) {
	w.metrics.SetStockLevel(event.ProductID, event.StockLeft)
	if event.Delta < 0 && event.StockLeft <= w.threshold {
		w.logger.WithFields(logrus.Fields{
			"product_id": event.ProductID,
			"stock_left": event.StockLeft,
			"order_id":   event.OrderID,
		}).Warn("low stock")
	}
}
