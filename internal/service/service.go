package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/backoffice/internal/catalog"
	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/ledger"
	"kasirinaja/backoffice/internal/lock"
	"kasirinaja/backoffice/internal/logging"
	"kasirinaja/backoffice/internal/metrics"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: domain.RoleSystem}
	}
	return actor
}

type Service struct {
	repo    store.Repository
	catalog catalog.Catalog
	ledger  *ledger.Ledger
	locker  lock.OrderLocker
	metrics *metrics.Engine
	logger  logrus.FieldLogger
	now     func() time.Time
}

type Option func(*Service)

func WithLocker(locker lock.OrderLocker) Option {
	return func(s *Service) { s.locker = locker }
}

func WithMetrics(m *metrics.Engine) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(repo store.Repository, products catalog.Catalog, stock *ledger.Ledger, logger logrus.FieldLogger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Service{
		repo:    repo,
		catalog: products,
		ledger:  stock,
		locker:  lock.NoopOrderLocker{},
		logger:  logger.WithField("module", "service"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.SalesOrder, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.SalesOrder{}, notFound(err, domain.ErrOrderNotFound)
	}
	return s.view(ctx, *order), nil
}

func (s *Service) ListAdjustments(ctx context.Context, orderID string) ([]domain.StockAdjustment, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, notFound(err, domain.ErrOrderNotFound)
	}
	return s.repo.ListAdjustments(ctx, orderID)
}

func (s *Service) GetStock(ctx context.Context, productIDs []string) (map[string]int, error) {
	if len(productIDs) == 0 {
		return nil, fmt.Errorf("%w: product_id is required", domain.ErrInvalidRequest)
	}
	return s.ledger.Levels(ctx, productIDs)
}

func (s *Service) ListAuditLogs(ctx context.Context, orderID string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if ok && actor.Role != domain.RoleAdmin {
		return nil, domain.ErrForbidden
	}
	return s.repo.ListAuditLogs(ctx, orderID, limit)
}

// view strips cost figures unless the caller may see them. Calls without an
// actor are internal and see everything.
func (s *Service) view(ctx context.Context, order domain.SalesOrder) domain.SalesOrder {
	if actor, ok := ActorFromContext(ctx); ok && !actor.CanViewCosts() {
		return order.Redacted()
	}
	return order
}

// withOrder holds the order across instances, then runs fn with the order
// locked inside one storage unit.
func (s *Service) withOrder(ctx context.Context, orderID string, fn func(ctx context.Context, tx store.Tx, order *domain.SalesOrder) error) error {
	unlock, err := s.locker.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return notFound(err, domain.ErrOrderNotFound)
		}
		return fn(ctx, tx, order)
	})
}

func (s *Service) save(ctx context.Context, tx store.Tx, order *domain.SalesOrder) (*domain.SalesOrder, error) {
	order.UpdatedAt = s.now()
	return tx.SaveOrder(ctx, *order)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := actorOrSystem(ctx)

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warnf("failed to write audit log: %v", err)
	}
}

func notFound(err error, target error) error {
	if errors.Is(err, store.ErrNotFound) {
		return target
	}
	return err
}

// RetryOnConflict reruns fn while it fails with a retryable error, backing
// off exponentially between attempts. Other errors return immediately.
func RetryOnConflict(ctx context.Context, attempts int, m *metrics.Engine, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil || !domain.IsRetryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		m.ObserveConflictRetry()

		sleep := 15 * time.Millisecond * time.Duration(1<<min(attempt, 5))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
