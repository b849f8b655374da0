// Package lock serializes work on one order across engine instances.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"kasirinaja/backoffice/internal/domain"
)

type OrderLocker interface {
	// Lock blocks until the order is held or ctx ends. The returned func
	// releases it and is safe to call once.
	Lock(ctx context.Context, orderID string) (func(), error)
}

// NoopOrderLocker is used when a single instance owns the store.
type NoopOrderLocker struct{}

func (NoopOrderLocker) Lock(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}

type RedisOrderLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	logger  logrus.FieldLogger
}

func NewRedisOrderLocker(rdb redislock.RedisClient, ttl time.Duration, logger logrus.FieldLogger) *RedisOrderLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisOrderLocker{
		client:  redislock.New(rdb),
		ttl:     ttl,
		retries: 20,
		logger:  logger.WithField("module", "lock"),
	}
}

func (l *RedisOrderLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	key := "lock:order:" + orderID
	held, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.ExponentialBackoff(10*time.Millisecond, 250*time.Millisecond), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		l.logger.WithField("order_id", orderID).Warn("could not obtain order lock")
		return nil, domain.ErrConcurrentModification
	}
	if err != nil {
		return nil, err
	}

	return func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.WithField("order_id", orderID).Warnf("order lock release failed: %v", err)
		}
	}, nil
}
