// Package distlock provides short-lived named locks so that replicas do not
// poll the same campaign at the same time.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a single non-blocking lock. An instance is meant to be used by
// one goroutine: Acquire, do the work, Release.
type DistLock interface {
	// Acquire tries to take the lock and reports whether it did.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if it is still held by this instance.
	Release(ctx context.Context) error
}

// Factory hands out locks for a key using the best configured backend:
// Redis, then PostgreSQL advisory locks, then an in-process table.
type Factory struct {
	redis *redis.Client
	db    *sql.DB
	ttl   time.Duration
	local *LocalLocks
}

func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) *Factory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Factory{redis: redisClient, db: db, ttl: ttl, local: NewLocalLocks()}
}

// Backend names the backend new locks use.
func (f *Factory) Backend() string {
	switch {
	case f.redis != nil:
		return "redis"
	case f.db != nil:
		return "postgres"
	default:
		return "local"
	}
}

func (f *Factory) Lock(key string) DistLock {
	switch {
	case f.redis != nil:
		return NewRedisLock(f.redis, key, f.ttl)
	case f.db != nil:
		return NewPGAdvisoryLock(f.db, key)
	default:
		return f.local.Lock(key)
	}
}

// Extender is implemented by locks that expire unless renewed.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
}

// TryWith runs fn while holding the lock for key. It returns false without
// calling fn when another holder has it. Expiring locks are renewed every
// third of the TTL while fn runs; if renewal finds the lock lost, fn's
// context is cancelled.
func (f *Factory) TryWith(ctx context.Context, key string, fn func(context.Context) error) (bool, error) {
	l := f.Lock(key)
	ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx)
	}()

	lockCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if ext, ok := l.(Extender); ok {
		stop := f.keepAlive(lockCtx, cancel, ext)
		defer stop()
	}
	return true, fn(lockCtx)
}

func (f *Factory) keepAlive(ctx context.Context, lost context.CancelFunc, ext Extender) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(f.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				owned, err := ext.Extend(ctx, f.ttl)
				if err == nil && owned {
					continue
				}
				if ctx.Err() == nil {
					lost()
				}
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func ownerToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RedisLock is SET NX with a TTL and a random owner value; release and
// extend only act while the value still matches.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    fmt.Sprintf("adstudio:lock:%s", key),
		value:  ownerToken(),
		ttl:    ttl,
	}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

// Extend pushes the TTL out for long-running work. It reports whether the
// lock was still owned. TryWith calls it while the guarded work runs.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PGAdvisoryLock uses pg_try_advisory_lock. Advisory locks are scoped to the
// session, so the connection that took the lock is held until Release.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// LocalLocks is an in-process lock table for single-replica deployments.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: map[string]string{}}
}

func (t *LocalLocks) Lock(key string) DistLock {
	return &localLock{table: t, key: key, value: ownerToken()}
}

type localLock struct {
	table *LocalLocks
	key   string
	value string
}

func (l *localLock) Acquire(context.Context) (bool, error) {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if _, taken := l.table.held[l.key]; taken {
		return false, nil
	}
	l.table.held[l.key] = l.value
	return true, nil
}

func (l *localLock) Release(context.Context) error {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if l.table.held[l.key] == l.value {
		delete(l.table.held, l.key)
	}
	return nil
}
