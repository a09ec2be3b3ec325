package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLockExclusive(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "campaign:c1", time.Minute)
	b := NewRedisLock(client, "campaign:c1", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b does not own the lock, so its release leaves a's lock in place.
	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpiresAndExtends(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "campaign:c1", 10*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	owned, err := a.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, owned)
	mr.FastForward(30 * time.Second)

	b := NewRedisLock(client, "campaign:c1", 10*time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "extended lock still held")

	mr.FastForward(time.Minute)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	owned, err = a.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, owned)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "campaign:c1")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalLocks(t *testing.T) {
	f := NewFactory(nil, nil, time.Minute)
	assert.Equal(t, "local", f.Backend())
	ctx := context.Background()

	a := f.Lock("c1")
	b := f.Lock("c1")
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)
	ok, _ = f.Lock("c2").Acquire(ctx)
	assert.True(t, ok, "keys are independent")

	require.NoError(t, a.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.True(t, ok)
}

func TestTryWith(t *testing.T) {
	_, client := setupRedis(t)
	f := NewFactory(client, nil, time.Minute)
	assert.Equal(t, "redis", f.Backend())
	ctx := context.Background()

	boom := errors.New("boom")
	ran, err := f.TryWith(ctx, "c1", func(ctx context.Context) error {
		inner, innerErr := f.TryWith(ctx, "c1", func(context.Context) error {
			t.Fatal("nested holder must not run")
			return nil
		})
		assert.NoError(t, innerErr)
		assert.False(t, inner)
		return boom
	})
	assert.True(t, ran)
	require.ErrorIs(t, err, boom)

	ran, err = f.TryWith(ctx, "c1", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran, "lock released after fn")
}

func TestTryWithRenewsLockWhileWorkRuns(t *testing.T) {
	mr, client := setupRedis(t)
	f := NewFactory(client, nil, 300*time.Millisecond)
	key := "adstudio:lock:sweep:c1"

	ran, err := f.TryWith(context.Background(), "sweep:c1", func(ctx context.Context) error {
		// Age the lock close to expiry; the next renewal restores the TTL.
		mr.FastForward(250 * time.Millisecond)
		time.Sleep(200 * time.Millisecond)
		assert.True(t, mr.Exists(key))
		assert.Greater(t, mr.TTL(key), 100*time.Millisecond)
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(key), "released after fn")
}

func TestTryWithCancelsWorkWhenLockIsLost(t *testing.T) {
	mr, client := setupRedis(t)
	f := NewFactory(client, nil, 150*time.Millisecond)

	ran, err := f.TryWith(context.Background(), "sweep:c1", func(ctx context.Context) error {
		mr.Del("adstudio:lock:sweep:c1")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("lock loss went unnoticed")
		}
	})
	assert.True(t, ran)
	require.ErrorIs(t, err, context.Canceled)
}
