package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is what the catalog resolves a SKU or barcode to.
type Product struct {
	ID             string          `json:"id"`
	SKU            string          `json:"sku"`
	Barcode        string          `json:"barcode,omitempty"`
	Name           string          `json:"name"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	AvailableStock int             `json:"available_stock"`
	Active         bool            `json:"active"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
	RoleSystem  = "system"
)

// CanViewCosts reports whether cost and profit figures may leave the engine for this actor.
func (a Actor) CanViewCosts() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

type SalesOrder struct {
	ID                 string           `json:"id"`
	Number             string           `json:"number"`
	Status             OrderStatus      `json:"status"`
	Channel            string           `json:"channel"`
	StaffID            string           `json:"staff_id"`
	CustomerName       string           `json:"customer_name,omitempty"`
	CustomerPhone      string           `json:"customer_phone,omitempty"`
	PaymentMethod      string           `json:"payment_method,omitempty"`
	Notes              string           `json:"notes,omitempty"`
	TotalPrice         decimal.Decimal  `json:"total_price"`
	TotalCost          decimal.Decimal  `json:"total_cost"`
	Profit             decimal.Decimal  `json:"profit"`
	ReturnShippingCost decimal.Decimal  `json:"return_shipping_cost,omitzero"`
	CancelReason       string           `json:"cancel_reason,omitempty"`
	ReturnReason       string           `json:"return_reason,omitempty"`
	PendingCancel      *PendingCancel   `json:"pending_cancel,omitempty"`
	CostsRedacted      bool             `json:"costs_redacted,omitempty"`
	Version            int64            `json:"version"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	ConfirmedAt        *time.Time       `json:"confirmed_at,omitempty"`
	CanceledAt         *time.Time       `json:"canceled_at,omitempty"`
	ReturnedAt         *time.Time       `json:"returned_at,omitempty"`
	Items              []SalesOrderItem `json:"items"`
}

type SalesOrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	SKU         string          `json:"sku"`
	Barcode     string          `json:"barcode,omitempty"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Profit      decimal.Decimal `json:"profit"`
}

type PendingCancel struct {
	Reason      string    `json:"reason,omitempty"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// Redacted returns a copy with every cost-derived figure removed.
func (o SalesOrder) Redacted() SalesOrder {
	dup := o.Clone()
	dup.TotalCost = decimal.Zero
	dup.Profit = decimal.Zero
	dup.ReturnShippingCost = decimal.Zero
	dup.CostsRedacted = true
	for i := range dup.Items {
		dup.Items[i].UnitCost = decimal.Zero
		dup.Items[i].Profit = decimal.Zero
	}
	return dup
}

func (o SalesOrder) Clone() SalesOrder {
	dup := o
	dup.Items = make([]SalesOrderItem, len(o.Items))
	copy(dup.Items, o.Items)
	if o.PendingCancel != nil {
		pending := *o.PendingCancel
		dup.PendingCancel = &pending
	}
	dup.ConfirmedAt = cloneTime(o.ConfirmedAt)
	dup.CanceledAt = cloneTime(o.CanceledAt)
	dup.ReturnedAt = cloneTime(o.ReturnedAt)
	return dup
}

// ItemByID returns the index of the item, or -1.
func (o SalesOrder) ItemByID(itemID string) int {
	for i, item := range o.Items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

// StockChanges collapses the order's items into one change per product.
func (o SalesOrder) StockChanges() []StockChange {
	index := make(map[string]int, len(o.Items))
	changes := make([]StockChange, 0, len(o.Items))
	for _, item := range o.Items {
		if i, ok := index[item.ProductID]; ok {
			changes[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(changes)
		changes = append(changes, StockChange{ProductID: item.ProductID, SKU: item.SKU, Quantity: item.Quantity})
	}
	return changes
}

type AdjustmentReason string

const (
	ReasonConfirm AdjustmentReason = "CONFIRM"
	ReasonCancel  AdjustmentReason = "CANCEL"
	ReasonReturn  AdjustmentReason = "RETURN"
)

// StockChange is one (product, quantity) pair handed to the stock ledger.
type StockChange struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	Quantity  int    `json:"quantity"`
}

// StockAdjustment is an append-only ledger row. Delta is negative for CONFIRM.
type StockAdjustment struct {
	ID        string           `json:"id"`
	ProductID string           `json:"product_id"`
	Delta     int              `json:"delta"`
	Reason    AdjustmentReason `json:"reason"`
	OrderID   string           `json:"order_id"`
	CreatedAt time.Time        `json:"created_at"`
}

type StockChangedEvent struct {
	ProductID string           `json:"product_id"`
	Delta     int              `json:"delta"`
	Reason    AdjustmentReason `json:"reason"`
	OrderID   string           `json:"order_id"`
	StockLeft int              `json:"stock_left"`
	At        time.Time        `json:"at"`
}

type FulfillmentProgress struct {
	OrderID     string         `json:"order_id"`
	Scanned     map[string]int `json:"scanned"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (f FulfillmentProgress) Clone() FulfillmentProgress {
	dup := f
	dup.Scanned = make(map[string]int, len(f.Scanned))
	for k, v := range f.Scanned {
		dup.Scanned[k] = v
	}
	dup.CompletedAt = cloneTime(f.CompletedAt)
	return dup
}

type FulfillmentLine struct {
	ItemID   string `json:"item_id"`
	SKU      string `json:"sku"`
	Barcode  string `json:"barcode,omitempty"`
	Quantity int    `json:"quantity"`
	Scanned  int    `json:"scanned"`
}

type FulfillmentStatus struct {
	OrderID     string            `json:"order_id"`
	Complete    bool              `json:"complete"`
	Finalized   bool              `json:"finalized"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Lines       []FulfillmentLine `json:"lines"`
}

type OrderCreateRequest struct {
	Channel       string `json:"channel"`
	StaffID       string `json:"staff_id"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	Notes         string `json:"notes"`
}

type AddItemRequest struct {
	Code          string           `json:"code"`
	Quantity      int              `json:"quantity"`
	OverridePrice *decimal.Decimal `json:"override_price,omitempty"`
}

type UpdateItemRequest struct {
	Quantity  *int             `json:"quantity,omitempty"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type CustomerInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type ConfirmRequest struct {
	PaymentMethod string        `json:"payment_method"`
	Customer      *CustomerInfo `json:"customer,omitempty"`
}

type CancelRequest struct {
	Reason           string `json:"reason"`
	RequiresApproval bool   `json:"requires_approval"`
}

type ReturnRequest struct {
	ShippingCost *decimal.Decimal `json:"shipping_cost,omitempty"`
	Reason       string           `json:"reason"`
}

type ScanRequest struct {
	Code string `json:"code"`
}

type ScanResponse struct {
	ItemID   string            `json:"item_id"`
	Scanned  int               `json:"scanned"`
	Quantity int               `json:"quantity"`
	Status   FulfillmentStatus `json:"fulfillment"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ChannelPOS         = "pos"
	ChannelOnline      = "online"
	ChannelMarketplace = "marketplace"
	ChannelPhone       = "phone"
)

func IsSupportedChannel(channel string) bool {
	switch channel {
	case ChannelPOS, ChannelOnline, ChannelMarketplace, ChannelPhone:
		return true
	default:
		return false
	}
}

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "qris", "ewallet", "transfer":
		return true
	default:
		return false
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
