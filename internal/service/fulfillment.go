package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
)

// Scan records one picked unit against a CONFIRMED order. Barcode matches win
// over SKU matches; among lines matching the same way the first one still
// short is credited.
func (s *Service) Scan(ctx context.Context, orderID string, code string) (domain.ScanResponse, error) {
	code = strings.TrimSpace(code)

	var resp domain.ScanResponse
	err := s.withOrder(ctx, orderID, func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error {
		if order.Status != domain.StatusConfirmed {
			return fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotEditable, order.Number, order.Status)
		}
		if code == "" {
			return fmt.Errorf("%w: code is required", domain.ErrInvalidRequest)
		}
		progress, err := s.loadProgress(ctx, tx, order.ID)
		if err != nil {
			return err
		}

		idx, err := matchItem(order.Items, code, progress.Scanned)
		if err != nil {
			return err
		}
		item := order.Items[idx]
		progress.Scanned[item.ID]++
		if err := tx.SaveFulfillment(ctx, *progress); err != nil {
			return err
		}

		resp = domain.ScanResponse{
			ItemID:   item.ID,
			Scanned:  progress.Scanned[item.ID],
			Quantity: item.Quantity,
			Status:   fulfillmentStatus(order, progress),
		}
		return nil
	})
	if err != nil {
		s.metrics.ObserveScan(scanResult(err))
		return domain.ScanResponse{}, err
	}

	s.metrics.ObserveScan("ok")
	return resp, nil
}

// IsComplete reports whether every line has been scanned up to its quantity.
func (s *Service) IsComplete(ctx context.Context, orderID string) (bool, error) {
	status, err := s.Fulfillment(ctx, orderID)
	if err != nil {
		return false, err
	}
	return status.Complete, nil
}

func (s *Service) Fulfillment(ctx context.Context, orderID string) (domain.FulfillmentStatus, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.FulfillmentStatus{}, notFound(err, domain.ErrOrderNotFound)
	}
	progress, err := s.repo.GetFulfillment(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		progress = &domain.FulfillmentProgress{OrderID: orderID, Scanned: map[string]int{}}
	} else if err != nil {
		return domain.FulfillmentStatus{}, err
	}
	return fulfillmentStatus(order, progress), nil
}

// Complete finalizes fulfillment once every line is fully scanned. Calling
// it again after success returns the same status.
func (s *Service) Complete(ctx context.Context, orderID string) (domain.FulfillmentStatus, error) {
	var status domain.FulfillmentStatus
	finalized := false
	err := s.withOrder(ctx, orderID, func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error {
		if order.Status != domain.StatusConfirmed {
			return fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotEditable, order.Number, order.Status)
		}
		progress, err := s.loadProgress(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		status = fulfillmentStatus(order, progress)
		if !status.Complete {
			return domain.ErrFulfillmentIncomplete
		}
		if progress.CompletedAt != nil {
			return nil
		}

		now := s.now()
		progress.CompletedAt = &now
		if err := tx.SaveFulfillment(ctx, *progress); err != nil {
			return err
		}
		finalized = true
		status = fulfillmentStatus(order, progress)
		return nil
	})
	if err != nil {
		return domain.FulfillmentStatus{}, err
	}

	if finalized {
		s.logAudit(ctx, "fulfillment_complete", "sales_order", orderID, "")
	}
	return status, nil
}

func (s *Service) loadProgress(ctx context.Context, tx store.Tx, orderID string) (*domain.FulfillmentProgress, error) {
	progress, err := tx.GetFulfillment(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.FulfillmentProgress{OrderID: orderID, Scanned: map[string]int{}, StartedAt: s.now()}, nil
	}
	if err != nil {
		return nil, err
	}
	if progress.Scanned == nil {
		progress.Scanned = map[string]int{}
	}
	return progress, nil
}

// matchItem returns the index of the line a scan should credit.
func matchItem(items []domain.SalesOrderItem, code string, scanned map[string]int) (int, error) {
	byBarcode := func(item domain.SalesOrderItem) bool { return item.Barcode != "" && item.Barcode == code }
	bySKU := func(item domain.SalesOrderItem) bool { return strings.EqualFold(item.SKU, code) }

	for _, match := range []func(domain.SalesOrderItem) bool{byBarcode, bySKU} {
		found := false
		for i, item := range items {
			if !match(item) {
				continue
			}
			found = true
			if scanned[item.ID] < item.Quantity {
				return i, nil
			}
		}
		if found {
			return -1, domain.ErrAlreadyFulfilled
		}
	}
	return -1, fmt.Errorf("%w: %s", domain.ErrItemNotInOrder, code)
}

func fulfillmentStatus(order *domain.SalesOrder, progress *domain.FulfillmentProgress) domain.FulfillmentStatus {
	status := domain.FulfillmentStatus{
		OrderID:     order.ID,
		Complete:    len(order.Items) > 0,
		Finalized:   progress.CompletedAt != nil,
		CompletedAt: progress.CompletedAt,
		Lines:       make([]domain.FulfillmentLine, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		scanned := progress.Scanned[item.ID]
		if scanned < item.Quantity {
			status.Complete = false
		}
		status.Lines = append(status.Lines, domain.FulfillmentLine{
			ItemID:   item.ID,
			SKU:      item.SKU,
			Barcode:  item.Barcode,
			Quantity: item.Quantity,
			Scanned:  scanned,
		})
	}
	return status
}

func scanResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrItemNotInOrder):
		return "not_in_order"
	case errors.Is(err, domain.ErrAlreadyFulfilled):
		return "already_fulfilled"
	default:
		return "error"
	}
}
