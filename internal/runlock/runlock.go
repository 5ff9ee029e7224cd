// Package runlock provides keyed leases with a TTL so a slow or
// re-triggered run cannot overlap the previous one for the same key.
package runlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"replybot/internal/store"
)

// ErrHeld is returned when another owner holds an unexpired lease.
var ErrHeld = errors.New("lease held by another run")

// ErrLost is returned by Renew once another owner has taken the key.
var ErrLost = errors.New("lease lost to another run")

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is one owner's hold on a key. Release is safe to call more than
// once and never drops a lease taken over by someone else.
type Lease struct {
	Key string

	renew   func(context.Context) (bool, error)
	release func(context.Context) error
}

// Renew pushes the expiry out by the lease TTL from now.
func (l *Lease) Renew(ctx context.Context) error {
	ok, err := l.renew(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLost
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error { return l.release(ctx) }

// SQLLocker stores leases in the record store; they survive restarts and
// expire on their own when a process dies holding one.
type SQLLocker struct {
	db  *store.DB
	now func() time.Time
}

func NewSQL(db *store.DB) *SQLLocker { return &SQLLocker{db: db, now: time.Now} }

// WithClock overrides the time source.
func (l *SQLLocker) WithClock(now func() time.Time) *SQLLocker {
	l.now = now
	return l
}

func (l *SQLLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	ok, err := l.db.AcquireLease(ctx, key, owner, ttl, l.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{
		Key: key,
		// The upsert lets the same owner extend, or retake a lapsed key
		// nobody else claimed.
		renew:   func(ctx context.Context) (bool, error) { return l.db.AcquireLease(ctx, key, owner, ttl, l.now()) },
		release: func(ctx context.Context) error { return l.db.ReleaseLease(ctx, key, owner) },
	}, nil
}

var unlockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

var renewScript = redis.NewScript(`
	local v = redis.call('GET', KEYS[1])
	if v == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	if not v then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return 1
	end
	return 0
`)

// RedisLocker keeps leases in Redis with SET NX PX.
type RedisLocker struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedis(rdb redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	k := l.prefix + "lock:" + key
	ok, err := l.rdb.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{
		Key: key,
		renew: func(ctx context.Context) (bool, error) {
			n, err := renewScript.Run(ctx, l.rdb, []string{k}, owner, ttl.Milliseconds()).Int64()
			return n == 1, err
		},
		release: func(ctx context.Context) error { return unlockScript.Run(ctx, l.rdb, []string{k}, owner).Err() },
	}, nil
}
