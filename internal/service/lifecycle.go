package service

import (
	"context"
	"fmt"
	"strings"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/pricing"
	"kasirinaja/backoffice/internal/store"
)

// Confirm commits stock for every line and moves the order to CONFIRMED. The
// stock adjustments and the status change land in the same unit, so a
// shortage leaves the order in DRAFT with stock untouched.
func (s *Service) Confirm(ctx context.Context, orderID string, req domain.ConfirmRequest) (domain.SalesOrder, error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = "cash"
	}

	var saved *domain.SalesOrder
	err := s.withOrder(ctx, orderID, func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error {
		if err := ensureEditable(order); err != nil {
			return err
		}
		if !domain.IsSupportedPaymentMethod(method) {
			return fmt.Errorf("%w: unsupported payment method %q", domain.ErrInvalidRequest, req.PaymentMethod)
		}
		if len(order.Items) == 0 {
			return domain.ErrEmptyOrder
		}
		if _, err := s.ledger.ReserveAndCommitTx(ctx, tx, order.ID, order.StockChanges()); err != nil {
			return err
		}

		now := s.now()
		order.Status = domain.StatusConfirmed
		order.PaymentMethod = method
		order.ConfirmedAt = &now
		if req.Customer != nil {
			if name := strings.TrimSpace(req.Customer.Name); name != "" {
				order.CustomerName = name
			}
			if phone := strings.TrimSpace(req.Customer.Phone); phone != "" {
				order.CustomerPhone = phone
			}
		}
		pricing.Recompute(order)

		var err error
		saved, err = s.save(ctx, tx, order)
		return err
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	s.metrics.ObserveTransition(domain.StatusConfirmed.String())
	s.logAudit(ctx, "order_confirm", "sales_order", orderID, fmt.Sprintf("total=%s,payment=%s", saved.TotalPrice.StringFixed(2), method))
	return s.view(ctx, *saved), nil
}

// Cancel cancels a DRAFT or CONFIRMED order, restoring stock for the latter.
// The cancel is only staged for approval when the caller asks for it, or when
// a non-admin cancels a CONFIRMED order. While a request is pending, only
// ApproveCancel or RejectCancel can settle it.
func (s *Service) Cancel(ctx context.Context, orderID string, req domain.CancelRequest) (domain.SalesOrder, error) {
	reason := strings.TrimSpace(req.Reason)

	var saved *domain.SalesOrder
	staged := false
	err := s.withOrder(ctx, orderID, func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error {
		if !order.Status.CanTransition(domain.StatusCanceled) {
			return fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotEditable, order.Number, order.Status)
		}
		if order.PendingCancel != nil {
			return domain.ErrApprovalPending
		}

		var err error
		staged = req.RequiresApproval || needsCancelApproval(ctx, order)
		if staged {
			order.PendingCancel = &domain.PendingCancel{
				Reason:      reason,
				RequestedBy: actorOrSystem(ctx).Username,
				RequestedAt: s.now(),
			}
			saved, err = s.save(ctx, tx, order)
			return err
		}
		saved, err = s.cancelLocked(ctx, tx, order, reason)
		return err
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	if staged {
		s.logAudit(ctx, "order_cancel_request", "sales_order", orderID, "reason="+reason)
		return s.view(ctx, *saved), nil
	}
	s.metrics.ObserveTransition(domain.StatusCanceled.String())
	s.logAudit(ctx, "order_cancel", "sales_order", orderID, "reason="+saved.CancelReason)
	return s.view(ctx, *saved), nil
}

// needsCancelApproval reports whether releasing committed stock is outside
// the actor's authority.
func needsCancelApproval(ctx context.Context, order *domain.SalesOrder) bool {
	return order.Status == domain.StatusConfirmed && requireApprover(ctx) != nil
}

// ApproveCancel applies a pending cancellation. Only admins may approve.
func (s *Service) ApproveCancel(ctx context.Context, orderID string) (domain.SalesOrder, error) {
	if err := requireApprover(ctx); err != nil {
		return domain.SalesOrder{}, err
	}

	var saved *domain.SalesOrder
	err := s.withOrder(ctx, orderID, func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error {
		if order.PendingCancel == nil {
			return fmt.Errorf("%w: no cancellation pending for %s", domain.ErrInvalidRequest, order.Number)
		}
		var err error
		saved, err = s.cancelLocked(ctx, tx, order, order.PendingCancel.Reason)
		return err
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	s.metrics.ObserveTransition(domain.StatusCanceled.String())
	s.logAudit(ctx, "order_cancel_approve", "sales_order", orderID, "reason="+saved.CancelReason)
	return s.view(ctx, *saved), nil
}

func (s *Service) RejectCancel(ctx context.Context, orderID string) (domain.SalesOrder, error) {
	if err := requireApprover(ctx); err != nil {
		return domain.SalesOrder{}, err
	}

	var saved *domain.SalesOrder
	err := s.withOrder(ctx, orderID, func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error {
		if order.PendingCancel == nil {
			return fmt.Errorf("%w: no cancellation pending for %s", domain.ErrInvalidRequest, order.Number)
		}
		order.PendingCancel = nil

		var err error
		saved, err = s.save(ctx, tx, order)
		return err
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	s.logAudit(ctx, "order_cancel_reject", "sales_order", orderID, "")
	return s.view(ctx, *saved), nil
}

func (s *Service) cancelLocked(ctx context.Context, tx store.Tx, order *domain.SalesOrder, reason string) (*domain.SalesOrder, error) {
	if !order.Status.CanTransition(domain.StatusCanceled) {
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotEditable, order.Number, order.Status)
	}
	if order.Status == domain.StatusConfirmed {
		if _, err := s.ledger.ReleaseTx(ctx, tx, order.ID, domain.ReasonCancel, order.StockChanges()); err != nil {
			return nil, err
		}
	}

	now := s.now()
	order.Status = domain.StatusCanceled
	order.CanceledAt = &now
	order.CancelReason = reason
	order.PendingCancel = nil
	return s.save(ctx, tx, order)
}

// ReturnOrder takes back a CONFIRMED order. Stock is restored and the return
// shipping cost, if any, comes off the order's profit.
func (s *Service) ReturnOrder(ctx context.Context, orderID string, req domain.ReturnRequest) (domain.SalesOrder, error) {
	var saved *domain.SalesOrder
	err := s.withOrder(ctx, orderID, func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error {
		if !order.Status.CanTransition(domain.StatusReturned) {
			return fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotEditable, order.Number, order.Status)
		}
		if order.PendingCancel != nil {
			return domain.ErrApprovalPending
		}
		if req.ShippingCost != nil && req.ShippingCost.IsNegative() {
			return fmt.Errorf("%w: shipping cost must not be negative", domain.ErrInvalidRequest)
		}
		if _, err := s.ledger.ReleaseTx(ctx, tx, order.ID, domain.ReasonReturn, order.StockChanges()); err != nil {
			return err
		}

		now := s.now()
		order.Status = domain.StatusReturned
		order.ReturnedAt = &now
		order.ReturnReason = strings.TrimSpace(req.Reason)
		order.ReturnShippingCost = normalizedMoney(req.ShippingCost)
		pricing.Recompute(order)

		var err error
		saved, err = s.save(ctx, tx, order)
		return err
	})
	if err != nil {
		return domain.SalesOrder{}, err
	}

	s.metrics.ObserveTransition(domain.StatusReturned.String())
	s.logAudit(ctx, "order_return", "sales_order", orderID, "shipping_cost="+saved.ReturnShippingCost.StringFixed(2))
	return s.view(ctx, *saved), nil
}

func requireApprover(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if ok && actor.Role != domain.RoleAdmin {
		return domain.ErrApprovalRequired
	}
	return nil
}
