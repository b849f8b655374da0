package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/pricing"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.SalesOrder, error) {
	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	if channel == "" {
		channel = domain.ChannelPOS
	}
	if !domain.IsSupportedChannel(channel) {
		return domain.SalesOrder{}, fmt.Errorf("%w: unsupported channel %q", domain.ErrInvalidRequest, req.Channel)
	}

	staffID := strings.TrimSpace(req.StaffID)
	if staffID == "" {
		staffID = actorOrSystem(ctx).Username
	}

	seq, err := s.repo.NextOrderNumber(ctx)
	if err != nil {
		return domain.SalesOrder{}, err
	}
	now := s.now()
	order := domain.SalesOrder{
		ID:            xid.New("so"),
		Number:        fmt.Sprintf("SO-%s-%06d", now.Format("20060102"), seq),
		Status:        domain.StatusDraft,
		Channel:       channel,
		StaffID:       staffID,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Notes:         strings.TrimSpace(req.Notes),
		CreatedAt:     now,
		UpdatedAt:     now,
		Items:         []domain.SalesOrderItem{},
	}
	pricing.Recompute(&order)

	var created *domain.SalesOrder
	err = s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		created, err = tx.CreateOrder(ctx, order)
		return err
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	s.logAudit(ctx, "order_create", "sales_order", created.ID, fmt.Sprintf("number=%s,channel=%s", created.Number, created.Channel))
	return s.view(ctx, *created), nil
}

// AddItem resolves the code through the catalog and appends it to a draft
// order, merging into an existing line for the same product. The line keeps
// the price and cost captured when it was first added unless an override
// price is given.
func (s *Service) AddItem(ctx context.Context, orderID string, req domain.AddItemRequest) (domain.SalesOrder, error) {
	var saved *domain.SalesOrder
	var product *domain.Product
	err := s.withOrder(ctx, orderID, func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error {
		if err := ensureEditable(order); err != nil {
			return err
		}
		if req.Quantity < 1 {
			return fmt.Errorf("%w: got %d", domain.ErrInvalidQuantity, req.Quantity)
		}
		if req.OverridePrice != nil && req.OverridePrice.IsNegative() {
			return fmt.Errorf("%w: price must not be negative", domain.ErrInvalidRequest)
		}
		var err error
		if product, err = s.catalog.Resolve(ctx, req.Code); err != nil {
			return err
		}

		merged := false
		for i := range order.Items {
			item := &order.Items[i]
			if item.ProductID != product.ID {
				continue
			}
			item.Quantity += req.Quantity
			if req.OverridePrice != nil {
				item.UnitPrice = *req.OverridePrice
			}
			merged = true
			break
		}
		if !merged {
			unitPrice := product.UnitPrice
			if req.OverridePrice != nil {
				unitPrice = *req.OverridePrice
			}
			order.Items = append(order.Items, domain.SalesOrderItem{
				ID:          xid.New("item"),
				OrderID:     order.ID,
				ProductID:   product.ID,
				SKU:         product.SKU,
				Barcode:     product.Barcode,
				ProductName: product.Name,
				Quantity:    req.Quantity,
				UnitPrice:   unitPrice,
				UnitCost:    product.UnitCost,
			})
		}
		pricing.Recompute(order)

		saved, err = s.save(ctx, tx, order)
		return err
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	s.logAudit(ctx, "order_item_add", "sales_order", orderID, fmt.Sprintf("product=%s,qty=%d", product.ID, req.Quantity))
	return s.view(ctx, *saved), nil
}

func (s *Service) UpdateItem(ctx context.Context, itemID string, req domain.UpdateItemRequest) (domain.SalesOrder, error) {
	if req.Quantity == nil && req.UnitPrice == nil {
		return domain.SalesOrder{}, fmt.Errorf("%w: nothing to update", domain.ErrInvalidRequest)
	}
	if req.Quantity != nil && *req.Quantity < 1 {
		return domain.SalesOrder{}, fmt.Errorf("%w: got %d", domain.ErrInvalidQuantity, *req.Quantity)
	}
	if req.UnitPrice != nil && req.UnitPrice.IsNegative() {
		return domain.SalesOrder{}, fmt.Errorf("%w: price must not be negative", domain.ErrInvalidRequest)
	}

	saved, err := s.editItem(ctx, itemID, func(order *domain.SalesOrder, idx int) {
		item := &order.Items[idx]
		if req.Quantity != nil {
			item.Quantity = *req.Quantity
		}
		if req.UnitPrice != nil {
			item.UnitPrice = *req.UnitPrice
		}
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	s.logAudit(ctx, "order_item_update", "sales_order", saved.ID, "item="+itemID+describeUpdate(req))
	return s.view(ctx, *saved), nil
}

func (s *Service) RemoveItem(ctx context.Context, itemID string) (domain.SalesOrder, error) {
	saved, err := s.editItem(ctx, itemID, func(order *domain.SalesOrder, idx int) {
		order.Items = append(order.Items[:idx], order.Items[idx+1:]...)
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	s.logAudit(ctx, "order_item_remove", "sales_order", saved.ID, "item="+itemID)
	return s.view(ctx, *saved), nil
}

func (s *Service) editItem(ctx context.Context, itemID string, edit func(order *domain.SalesOrder, idx int)) (*domain.SalesOrder, error) {
	orderID, err := s.repo.FindOrderIDByItem(ctx, itemID)
	if err != nil {
		return nil, notFound(err, domain.ErrItemNotFound)
	}

	var saved *domain.SalesOrder
	err = s.withOrder(ctx, orderID, func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error {
		idx := order.ItemByID(itemID)
		if idx < 0 {
			return domain.ErrItemNotFound
		}
		if err := ensureEditable(order); err != nil {
			return err
		}
		edit(order, idx)
		pricing.Recompute(order)

		saved, err = s.save(ctx, tx, order)
		return err
	})
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func ensureEditable(order *domain.SalesOrder) error {
	if order.Status != domain.StatusDraft {
		return fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotEditable, order.Number, order.Status)
	}
	if order.PendingCancel != nil {
		return domain.ErrApprovalPending
	}
	return nil
}

func describeUpdate(req domain.UpdateItemRequest) string {
	var b strings.Builder
	if req.Quantity != nil {
		fmt.Fprintf(&b, ",qty=%d", *req.Quantity)
	}
	if req.UnitPrice != nil {
		b.WriteString(",price=" + req.UnitPrice.StringFixed(2))
	}
	return b.String()
}

func normalizedMoney(amount *decimal.Decimal) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return pricing.Normalize(*amount)
}
