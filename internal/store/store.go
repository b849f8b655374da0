package store

import (
	"context"
	"errors"

	"kasirinaja/backoffice/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDuplicate       = errors.New("duplicate")
)

// Repository is the storage boundary. Mutations happen only inside InTx, which
// hands the callback a transaction scope; the callback's error (or a canceled
// ctx) rolls everything back.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrder(ctx context.Context, orderID string) (*domain.SalesOrder, error)
	FindOrderIDByItem(ctx context.Context, itemID string) (string, error)
	GetStock(ctx context.Context, productIDs []string) (map[string]int, error)
	ListAdjustments(ctx context.Context, orderID string) ([]domain.StockAdjustment, error)
	GetFulfillment(ctx context.Context, orderID string) (*domain.FulfillmentProgress, error)
	ResolveProduct(ctx context.Context, code string) (*domain.Product, error)
	NextOrderNumber(ctx context.Context) (int64, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is one atomic unit of work. Locks taken through it are held until the
// unit commits or rolls back.
type Tx interface {
	// LockOrder loads the order and holds it exclusively for this unit.
	LockOrder(ctx context.Context, orderID string) (*domain.SalesOrder, error)
	CreateOrder(ctx context.Context, order domain.SalesOrder) (*domain.SalesOrder, error)
	// SaveOrder persists the order and its items if order.Version still matches
	// the stored version, otherwise domain.ErrConcurrentModification.
	SaveOrder(ctx context.Context, order domain.SalesOrder) (*domain.SalesOrder, error)

	// LockStock takes exclusive locks on every listed product in ascending id
	// order and returns their current quantities. Unknown products report 0.
	LockStock(ctx context.Context, productIDs []string) (map[string]int, error)
	// ApplyAdjustments adds each delta to stock and appends the ledger rows.
	// Products must have been locked through LockStock in the same unit.
	ApplyAdjustments(ctx context.Context, adjustments []domain.StockAdjustment) error
	FindAdjustments(ctx context.Context, orderID string, reasons ...domain.AdjustmentReason) ([]domain.StockAdjustment, error)

	GetFulfillment(ctx context.Context, orderID string) (*domain.FulfillmentProgress, error)
	SaveFulfillment(ctx context.Context, progress domain.FulfillmentProgress) error

	// AfterCommit registers fn to run once the unit has committed.
	AfterCommit(fn func())
}
