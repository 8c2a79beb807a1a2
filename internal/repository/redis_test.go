package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestRedisQueueSignal(t *testing.T) {
	s, client := newTestRedis(t)
	signal := NewRedisQueueSignal(client)
	ctx := context.Background()

	t.Run("NotifyThenWait", func(t *testing.T) {
		require.NoError(t, signal.Notify(ctx, 42))

		items, err := s.List(WakeupKey)
		require.NoError(t, err)
		assert.Equal(t, []string{"42"}, items)

		woke, err := signal.Wait(ctx, time.Second)
		require.NoError(t, err)
		assert.True(t, woke)
		assert.False(t, s.Exists(WakeupKey))
	})

	t.Run("WaitTimesOut", func(t *testing.T) {
		woke, err := signal.Wait(ctx, time.Second)
		require.NoError(t, err)
		assert.False(t, woke)
	})

	t.Run("WaitReturnsOnCancel", func(t *testing.T) {
		waitCtx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)

		started := time.Now()
		woke, err := signal.Wait(waitCtx, 30*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, woke)
		assert.Less(t, time.Since(started), 3*time.Second)
	})

	t.Run("ListIsCapped", func(t *testing.T) {
		for i := 0; i < maxWakeupItems+10; i++ {
			require.NoError(t, signal.Notify(ctx, int64(i)))
		}
		items, err := s.List(WakeupKey)
		require.NoError(t, err)
		assert.Len(t, items, maxWakeupItems)
		s.Del(WakeupKey)
	})
}

func TestRedisQueueSignal_Unavailable(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()
	signal := NewRedisQueueSignal(client)
	s.Close()

	assert.Error(t, signal.Notify(context.Background(), 1))
}

func TestRedisRecoveryLocker(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisRecoveryLocker(client)
	ctx := context.Background()

	ran := false
	err := locker.WithRecoveryLock(ctx, time.Minute, func(ctx context.Context) error {
		ran = true

		// A second process cannot enter while the lease is held
		nested := NewRedisRecoveryLocker(client)
		innerErr := nested.WithRecoveryLock(ctx, time.Minute, func(context.Context) error {
			t.Error("nested recovery must not run")
			return nil
		})
		assert.ErrorIs(t, innerErr, ErrRecoveryLocked)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Released afterwards, errors from fn are returned as is
	boom := errors.New("boom")
	err = locker.WithRecoveryLock(ctx, time.Minute, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPing(t *testing.T) {
	_, client := newTestRedis(t)
	assert.NoError(t, Ping(context.Background(), client))
	assert.NoError(t, Close(client))
	assert.NoError(t, Close(nil))
}
