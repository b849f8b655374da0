package lock

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/logging"
)

func TestNoopOrderLocker(t *testing.T) {
	unlock, err := NoopOrderLocker{}.Lock(context.Background(), "so-1")
	require.NoError(t, err)
	unlock()
}

func TestRedisOrderLockerSerializes(t *testing.T) {
	addr := os.Getenv("BACKOFFICE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BACKOFFICE_TEST_REDIS_ADDR is not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	locker := NewRedisOrderLocker(rdb, time.Second, logging.Discard())
	locker.retries = 2
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "so-lock-test")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "so-lock-test")
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	unlock()
	unlockAgain, err := locker.Lock(ctx, "so-lock-test")
	require.NoError(t, err)
	unlockAgain()

	var wg sync.WaitGroup
	counter := 0
	locker.retries = 200
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Lock(ctx, "so-lock-counter")
			if !assert.NoError(t, err) {
				return
			}
			counter++
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, counter)
}
