package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"agendasync/internal/config"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	WakeupKey      = "calendar_sync:wakeup"
	RecoveryKey    = "calendar_sync:recovery"
	maxWakeupItems = 1000

	// waitSlice bounds one BRPOP so a stopping worker is released quickly
	waitSlice = time.Second
)

// ErrRecoveryLocked means another process is running the recovery scan.
var ErrRecoveryLocked = errors.New("calendar sync recovery is locked by another process")

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// RedisQueueSignal wakes idle workers through a Redis list. The list only
// carries hints; jobs are always read from the database.
type RedisQueueSignal struct {
	client *redis.Client
	key    string
}

func NewRedisQueueSignal(client *redis.Client) *RedisQueueSignal {
	return &RedisQueueSignal{client: client, key: WakeupKey}
}

func (s *RedisQueueSignal) Notify(ctx context.Context, jobID int64) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, strconv.FormatInt(jobID, 10))
	pipe.LTrim(ctx, s.key, 0, maxWakeupItems-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push wakeup: %w", err)
	}
	return nil
}

// Wait blocks up to timeout for a wakeup. Redis rounds timeouts below one
// second up to one second.
//
// BRPOP does not observe ctx, so the wait is split into waitSlice chunks and
// ctx is checked between them.
func (s *RedisQueueSignal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if s.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		slice := time.Until(deadline)
		if slice > waitSlice {
			slice = waitSlice
		}
		if slice < time.Second {
			slice = time.Second
		}

		_, err := s.client.BRPop(ctx, slice, s.key).Result()
		if errors.Is(err, redis.Nil) {
			if !time.Now().Before(deadline) {
				return false, nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("failed to wait for wakeup: %w", err)
		}
		return true, nil
	}
}

// RedisRecoveryLocker guards the startup recovery scan with a redislock lease.
type RedisRecoveryLocker struct {
	locker *redislock.Client
	key    string
}

func NewRedisRecoveryLocker(client *redis.Client) *RedisRecoveryLocker {
	return &RedisRecoveryLocker{locker: redislock.New(client), key: RecoveryKey}
}

func (l *RedisRecoveryLocker) WithRecoveryLock(ctx context.Context, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := l.locker.Obtain(ctx, l.key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 3),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrRecoveryLocked
	}
	if err != nil {
		return fmt.Errorf("failed to obtain recovery lock: %w", err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	return fn(ctx)
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
