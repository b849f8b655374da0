package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	barcodes        map[string]string
	skus            map[string]string
	stock           map[string]int
	orders          map[string]domain.SalesOrder
	itemOrders      map[string]string
	adjustments     []domain.StockAdjustment
	adjustmentKeys  map[string]struct{}
	fulfillments    map[string]domain.FulfillmentProgress
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
	orderSeq        atomic.Int64

	locks *keyedLocks
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// unset values fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("module", "memory").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store with no users. Tests seed products with PutProduct.
func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		barcodes:        make(map[string]string),
		skus:            make(map[string]string),
		stock:           make(map[string]int),
		orders:          make(map[string]domain.SalesOrder),
		itemOrders:      make(map[string]string),
		adjustments:     make([]domain.StockAdjustment, 0, 128),
		adjustmentKeys:  make(map[string]struct{}),
		fulfillments:    make(map[string]domain.FulfillmentProgress),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
		locks:           &keyedLocks{slots: make(map[string]*lockSlot)},
	}
}

func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	for _, p := range []struct {
		id, sku, barcode, name string
		price, cost            string
		stock                  int
	}{
		{"prd-mie-01", "SKU-MIE-01", "8998866200011", "Mie Goreng Instan", "3500", "2730", 240},
		{"prd-telur-01", "SKU-TELUR-01", "8998866200028", "Telur 10 Butir", "26500", "23055", 60},
		{"prd-susu-01", "SKU-SUSU-01", "8998866200035", "Susu UHT 1L", "18900", "13608", 48},
		{"prd-roti-01", "SKU-ROTI-01", "8998866200042", "Roti Tawar", "17800", "12460", 30},
		{"prd-kopi-01", "SKU-KOPI-01", "8998866200059", "Kopi Sachet", "2600", "1716", 300},
		{"prd-gula-01", "SKU-GULA-01", "8998866200066", "Gula 1kg", "17400", "15312", 80},
		{"prd-teh-01", "SKU-TEH-01", "8998866200073", "Teh Celup", "9800", "7252", 90},
		{"prd-air-01", "SKU-AIR-01", "8998866200080", "Air Mineral 600ml", "3900", "3198", 200},
		{"prd-sabun-01", "SKU-SABUN-01", "8998866200097", "Sabun Mandi", "7400", "5032", 5},
	} {
		s.PutProduct(domain.Product{
			ID:        p.id,
			SKU:       p.sku,
			Barcode:   p.barcode,
			Name:      p.name,
			UnitPrice: decimal.RequireFromString(p.price),
			UnitCost:  decimal.RequireFromString(p.cost),
			Active:    true,
		}, p.stock)
	}
	return s
}

// PutProduct registers or replaces a catalog product and sets its stock level.
func (s *Store) PutProduct(product domain.Product, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	product.Barcode = strings.TrimSpace(product.Barcode)
	if old, ok := s.products[product.ID]; ok {
		delete(s.skus, old.SKU)
		delete(s.barcodes, old.Barcode)
	}
	s.products[product.ID] = product
	s.skus[product.SKU] = product.ID
	if product.Barcode != "" {
		s.barcodes[product.Barcode] = product.ID
	}
	s.stock[product.ID] = stock
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:            s,
		orders:       make(map[string]domain.SalesOrder),
		stockDelta:   make(map[string]int),
		fulfillments: make(map[string]domain.FulfillmentProgress),
		held:         make(map[string]struct{}),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	tx.release()
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.SalesOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := order.Clone()
	return &dup, nil
}

func (s *Store) FindOrderIDByItem(_ context.Context, itemID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, ok := s.itemOrders[itemID]
	if !ok {
		return "", store.ErrNotFound
	}
	return orderID, nil
}

func (s *Store) GetStock(_ context.Context, productIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		result[id] = s.stock[id]
	}
	return result, nil
}

func (s *Store) ListAdjustments(_ context.Context, orderID string) ([]domain.StockAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockAdjustment, 0, 8)
	for _, adj := range s.adjustments {
		if orderID == "" || adj.OrderID == orderID {
			result = append(result, adj)
		}
	}
	return result, nil
}

func (s *Store) GetFulfillment(_ context.Context, orderID string) (*domain.FulfillmentProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	progress, ok := s.fulfillments[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := progress.Clone()
	return &dup, nil
}

// ResolveProduct matches an active product by barcode first, then by SKU.
func (s *Store) ResolveProduct(_ context.Context, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrInvalidArgument
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.barcodes[code]
	if !ok {
		id, ok = s.skus[strings.ToUpper(code)]
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	product := s.products[id]
	if !product.Active {
		return nil, store.ErrNotFound
	}
	product.AvailableStock = s.stock[id]
	return &product, nil
}

func (s *Store) NextOrderNumber(_ context.Context) (int64, error) {
	return s.orderSeq.Add(1), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

// ListAuditLogs returns the newest entries first.
func (s *Store) ListAuditLogs(_ context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 16)
	for _, entry := range s.auditLogs {
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		result = append(result, entry)
	}
	slices.Reverse(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidArgument
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidArgument
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// keyedLocks hands out one exclusive slot per key. Waiting honors ctx. A
// slot lives only while someone holds or waits for it.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func (k *keyedLocks) ref(key string) *lockSlot {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (k *keyedLocks) unref(key string, slot *lockSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
}

func (k *keyedLocks) acquire(ctx context.Context, key string) error {
	slot := k.ref(key)
	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.unref(key, slot)
		return ctx.Err()
	}
}

func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	slot := k.slots[key]
	k.mu.Unlock()
	<-slot.ch
	k.unref(key, slot)
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

func orderKey(id string) string   { return "order:" + id }
func productKey(id string) string { return "product:" + id }

func adjustmentKey(adj domain.StockAdjustment) string {
	return adj.OrderID + "|" + adj.ProductID + "|" + string(adj.Reason)
}

// memTx buffers writes until commit. Reads see committed state plus the
// unit's own pending writes.
type memTx struct {
	s            *Store
	orders       map[string]domain.SalesOrder
	stockDelta   map[string]int
	adjustments  []domain.StockAdjustment
	fulfillments map[string]domain.FulfillmentProgress
	hooks        []func()

	held        map[string]struct{}
	heldOrder   []string
	maxProduct  string
	released    bool
	lockedStock bool
}

func (t *memTx) hold(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return err
	}
	t.held[key] = struct{}{}
	t.heldOrder = append(t.heldOrder, key)
	return nil
}

func (t *memTx) release() {
	if t.released {
		return
	}
	t.released = true
	for i := len(t.heldOrder) - 1; i >= 0; i-- {
		t.s.locks.release(t.heldOrder[i])
	}
}

func (t *memTx) visibleOrder(orderID string) (domain.SalesOrder, bool) {
	if order, ok := t.orders[orderID]; ok {
		return order, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	order, ok := t.s.orders[orderID]
	return order, ok
}

func (t *memTx) LockOrder(ctx context.Context, orderID string) (*domain.SalesOrder, error) {
	if t.lockedStock {
		return nil, fmt.Errorf("%w: order %s locked after stock", store.ErrInvalidArgument, orderID)
	}
	if err := t.hold(ctx, orderKey(orderID)); err != nil {
		return nil, err
	}
	order, ok := t.visibleOrder(orderID)
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := order.Clone()
	return &dup, nil
}

func (t *memTx) CreateOrder(ctx context.Context, order domain.SalesOrder) (*domain.SalesOrder, error) {
	if order.ID == "" {
		return nil, store.ErrInvalidArgument
	}
	if _, exists := t.visibleOrder(order.ID); exists {
		return nil, store.ErrDuplicate
	}
	if err := t.hold(ctx, orderKey(order.ID)); err != nil {
		return nil, err
	}
	order.Version = 1
	t.orders[order.ID] = order.Clone()
	dup := order.Clone()
	return &dup, nil
}

func (t *memTx) SaveOrder(_ context.Context, order domain.SalesOrder) (*domain.SalesOrder, error) {
	current, ok := t.visibleOrder(order.ID)
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Version != order.Version {
		return nil, domain.ErrConcurrentModification
	}
	saved := order.Clone()
	saved.Version++
	t.orders[order.ID] = saved
	dup := saved.Clone()
	return &dup, nil
}

func (t *memTx) LockStock(ctx context.Context, productIDs []string) (map[string]int, error) {
	ids := slices.Clone(productIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	for _, id := range ids {
		key := productKey(id)
		if _, ok := t.held[key]; ok {
			continue
		}
		if t.maxProduct != "" && id < t.maxProduct {
			return nil, fmt.Errorf("%w: product %s locked out of order", store.ErrInvalidArgument, id)
		}
		if err := t.hold(ctx, key); err != nil {
			return nil, err
		}
		t.maxProduct = id
		t.lockedStock = true
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	levels := make(map[string]int, len(ids))
	for _, id := range ids {
		levels[id] = t.s.stock[id] + t.stockDelta[id]
	}
	return levels, nil
}

func (t *memTx) hasAdjustment(key string) bool {
	for _, adj := range t.adjustments {
		if adjustmentKey(adj) == key {
			return true
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.adjustmentKeys[key]
	return ok
}

func (t *memTx) ApplyAdjustments(_ context.Context, adjustments []domain.StockAdjustment) error {
	for _, adj := range adjustments {
		if _, ok := t.held[productKey(adj.ProductID)]; !ok {
			return fmt.Errorf("%w: product %s not locked", store.ErrInvalidArgument, adj.ProductID)
		}
		if t.hasAdjustment(adjustmentKey(adj)) {
			return store.ErrDuplicate
		}

		t.s.mu.RLock()
		current := t.s.stock[adj.ProductID] + t.stockDelta[adj.ProductID]
		t.s.mu.RUnlock()
		if current+adj.Delta < 0 {
			return &domain.InsufficientStockError{ProductID: adj.ProductID, Requested: -adj.Delta, Available: current}
		}

		if adj.ID == "" {
			adj.ID = xid.New("adj")
		}
		if adj.CreatedAt.IsZero() {
			adj.CreatedAt = time.Now().UTC()
		}
		t.stockDelta[adj.ProductID] += adj.Delta
		t.adjustments = append(t.adjustments, adj)
	}
	return nil
}

func (t *memTx) FindAdjustments(_ context.Context, orderID string, reasons ...domain.AdjustmentReason) ([]domain.StockAdjustment, error) {
	match := func(adj domain.StockAdjustment) bool {
		return adj.OrderID == orderID && (len(reasons) == 0 || slices.Contains(reasons, adj.Reason))
	}

	result := make([]domain.StockAdjustment, 0, 4)
	t.s.mu.RLock()
	for _, adj := range t.s.adjustments {
		if match(adj) {
			result = append(result, adj)
		}
	}
	t.s.mu.RUnlock()
	for _, adj := range t.adjustments {
		if match(adj) {
			result = append(result, adj)
		}
	}
	return result, nil
}

func (t *memTx) GetFulfillment(_ context.Context, orderID string) (*domain.FulfillmentProgress, error) {
	if progress, ok := t.fulfillments[orderID]; ok {
		dup := progress.Clone()
		return &dup, nil
	}
	return t.s.GetFulfillment(context.Background(), orderID)
}

func (t *memTx) SaveFulfillment(_ context.Context, progress domain.FulfillmentProgress) error {
	if progress.OrderID == "" {
		return store.ErrInvalidArgument
	}
	t.fulfillments[progress.OrderID] = progress.Clone()
	return nil
}

func (t *memTx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, order := range t.orders {
		if old, ok := s.orders[id]; ok {
			for _, item := range old.Items {
				delete(s.itemOrders, item.ID)
			}
		}
		s.orders[id] = order
		for _, item := range order.Items {
			s.itemOrders[item.ID] = id
		}
	}
	for productID, delta := range t.stockDelta {
		s.stock[productID] += delta
	}
	for _, adj := range t.adjustments {
		s.adjustments = append(s.adjustments, adj)
		s.adjustmentKeys[adjustmentKey(adj)] = struct{}{}
	}
	for id, progress := range t.fulfillments {
		s.fulfillments[id] = progress
	}
}
