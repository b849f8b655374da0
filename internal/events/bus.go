// Package events fans stock-changed events out to in-process subscribers.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"kasirinaja/backoffice/internal/domain"
)

type Handler func(ctx context.Context, event domain.StockChangedEvent)

type subscription struct {
	name    string
	handler Handler
}

// Bus delivers each event to every subscriber synchronously, in
// subscription order. A panicking subscriber is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger logrus.FieldLogger
}

func NewBus(logger logrus.FieldLogger) *Bus {
	return &Bus{logger: logger.WithField("module", "events")}
}

func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, handler: handler})
}

func (b *Bus) PublishStockChanged(ctx context.Context, events []domain.StockChangedEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, event := range events {
		for _, sub := range subs {
			b.deliver(ctx, sub, event)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, event domain.StockChangedEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"subscriber": sub.name,
				"product_id": event.ProductID,
			}).Error(fmt.Sprintf("subscriber panicked: %v", r))
		}
	}()
	sub.handler(ctx, event)
}
