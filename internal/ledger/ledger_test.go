package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/logging"
	"kasirinaja/backoffice/internal/metrics"
	"kasirinaja/backoffice/internal/store/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StockChangedEvent
}

func (p *recordingPublisher) PublishStockChanged(_ context.Context, events []domain.StockChangedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func newLedger(t *testing.T, stock map[string]int) (*Ledger, *memory.Store, *recordingPublisher) {
	t.Helper()
	repo := memory.New()
	for id, qty := range stock {
		repo.PutProduct(domain.Product{ID: id, SKU: "SKU-" + id, Name: id, Active: true}, qty)
	}
	pub := &recordingPublisher{}
	return New(repo, pub, metrics.New(), logging.Discard()), repo, pub
}

func levels(t *testing.T, l *Ledger, ids ...string) map[string]int {
	t.Helper()
	got, err := l.Levels(context.Background(), ids)
	require.NoError(t, err)
	return got
}

func TestReserveAndCommitDecrements(t *testing.T) {
	l, _, pub := newLedger(t, map[string]int{"p1": 5, "p2": 2})

	adjs, err := l.ReserveAndCommit(context.Background(), "o1", []domain.StockChange{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 2},
		{ProductID: "p1", Quantity: 1},
	})
	require.NoError(t, err)
	require.Len(t, adjs, 2)
	assert.Equal(t, -3, adjs[0].Delta)
	assert.Equal(t, domain.ReasonConfirm, adjs[0].Reason)

	got := levels(t, l, "p1", "p2")
	assert.Equal(t, 2, got["p1"])
	assert.Equal(t, 0, got["p2"])

	require.Len(t, pub.events, 2)
	assert.Equal(t, 2, pub.events[0].StockLeft)
	assert.Equal(t, 0, pub.events[1].StockLeft)
}

func TestReserveAndCommitIsAllOrNothing(t *testing.T) {
	l, _, pub := newLedger(t, map[string]int{"p1": 5, "p2": 1, "p3": 0})

	_, err := l.ReserveAndCommit(context.Background(), "o1", []domain.StockChange{
		{ProductID: "p1", Quantity: 1},
		{ProductID: "p3", SKU: "SKU-p3", Quantity: 1},
		{ProductID: "p2", Quantity: 2},
	})
	var shortage *domain.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, "p3", shortage.ProductID)
	assert.Equal(t, 0, shortage.Available)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	got := levels(t, l, "p1", "p2", "p3")
	assert.Equal(t, map[string]int{"p1": 5, "p2": 1, "p3": 0}, got)
	assert.Empty(t, pub.events)
}

func TestReserveUnknownProductReportsZero(t *testing.T) {
	l, _, _ := newLedger(t, nil)
	_, err := l.ReserveAndCommit(context.Background(), "o1", []domain.StockChange{{ProductID: "ghost", Quantity: 1}})
	var shortage *domain.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, 0, shortage.Available)
}

func TestReserveRejectsBadQuantity(t *testing.T) {
	l, _, _ := newLedger(t, map[string]int{"p1": 5})
	_, err := l.ReserveAndCommit(context.Background(), "o1", []domain.StockChange{{ProductID: "p1", Quantity: 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestReserveIsIdempotentPerOrder(t *testing.T) {
	l, repo, _ := newLedger(t, map[string]int{"p1": 5})
	ctx := context.Background()
	changes := []domain.StockChange{{ProductID: "p1", Quantity: 2}}

	first, err := l.ReserveAndCommit(ctx, "o1", changes)
	require.NoError(t, err)
	second, err := l.ReserveAndCommit(ctx, "o1", changes)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 3, levels(t, l, "p1")["p1"])

	rows, err := repo.ListAdjustments(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReleaseRestoresOnce(t *testing.T) {
	l, _, _ := newLedger(t, map[string]int{"p1": 5})
	ctx := context.Background()
	changes := []domain.StockChange{{ProductID: "p1", Quantity: 3}}

	_, err := l.ReserveAndCommit(ctx, "o1", changes)
	require.NoError(t, err)
	assert.Equal(t, 2, levels(t, l, "p1")["p1"])

	adjs, err := l.Release(ctx, "o1", domain.ReasonCancel, changes)
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, 3, adjs[0].Delta)
	assert.Equal(t, 5, levels(t, l, "p1")["p1"])

	again, err := l.Release(ctx, "o1", domain.ReasonReturn, changes)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonCancel, again[0].Reason)
	assert.Equal(t, 5, levels(t, l, "p1")["p1"])
}

func TestReleaseRejectsConfirmReason(t *testing.T) {
	l, _, _ := newLedger(t, map[string]int{"p1": 5})
	_, err := l.Release(context.Background(), "o1", domain.ReasonConfirm, []domain.StockChange{{ProductID: "p1", Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestConcurrentReservationsForLastUnit(t *testing.T) {
	l, _, _ := newLedger(t, map[string]int{"p1": 1})
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.ReserveAndCommit(ctx, "order-"+string(rune('a'+i)), []domain.StockChange{{ProductID: "p1", Quantity: 1}})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, short int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, domain.ErrInsufficientStock):
			short++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, short)
	assert.Equal(t, 0, levels(t, l, "p1")["p1"])
}

func TestCrossProductOrdersDoNotDeadlock(t *testing.T) {
	l, _, _ := newLedger(t, map[string]int{"p1": 100, "p2": 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := l.ReserveAndCommit(ctx, "ab-"+string(rune('a'+i)), []domain.StockChange{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}})
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := l.ReserveAndCommit(ctx, "ba-"+string(rune('a'+i)), []domain.StockChange{{ProductID: "p2", Quantity: 1}, {ProductID: "p1", Quantity: 1}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := levels(t, l, "p1", "p2")
	assert.Equal(t, 60, got["p1"])
	assert.Equal(t, 60, got["p2"])
}
