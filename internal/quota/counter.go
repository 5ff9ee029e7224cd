package quota

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"replybot/internal/store"
)

// Key identifies one usage counter: a user's count of one kind inside one
// window bucket. Anchor is the Unix second buckets are counted from.
type Key struct {
	UserID    string
	Kind      Kind
	Anchor    int64
	Bucket    int64
	ExpiresAt time.Time
}

func (k Key) row() store.UsageKey {
	return store.UsageKey{UserID: k.UserID, Kind: string(k.Kind), Anchor: k.Anchor, Bucket: k.Bucket}
}

// Counter is a bounded counter that increments atomically.
type Counter interface {
	// Reserve increments the counter if it is below limit. used is the
	// value after the call.
	Reserve(ctx context.Context, k Key, limit int64) (used int64, ok bool, err error)
	// Release undoes one successful Reserve.
	Release(ctx context.Context, k Key) error
	Used(ctx context.Context, k Key) (int64, error)
}

// SQLCounter keeps counters in the record store.
type SQLCounter struct{ db *store.DB }

func NewSQLCounter(db *store.DB) *SQLCounter { return &SQLCounter{db: db} }

func (c *SQLCounter) Reserve(ctx context.Context, k Key, limit int64) (int64, bool, error) {
	return c.db.ReserveUsage(ctx, k.row(), limit, k.ExpiresAt)
}

func (c *SQLCounter) Release(ctx context.Context, k Key) error {
	return c.db.ReleaseUsage(ctx, k.row())
}

func (c *SQLCounter) Used(ctx context.Context, k Key) (int64, error) {
	return c.db.Usage(ctx, k.row())
}

// Lua keeps the check and the increment in one server-side step so two
// processes cannot both pass the last slot.
var reserveScript = redis.NewScript(`
	local used = tonumber(redis.call('GET', KEYS[1]) or '0')
	local limit = tonumber(ARGV[1])
	if used >= limit then
		return {0, used}
	end
	used = redis.call('INCR', KEYS[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return {1, used}
`)

var releaseScript = redis.NewScript(`
	local used = tonumber(redis.call('GET', KEYS[1]) or '0')
	if used > 0 then
		return redis.call('DECR', KEYS[1])
	end
	return 0
`)

// RedisCounter keeps counters in Redis, shared by every process using the
// same server. Keys expire with their window.
type RedisCounter struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisCounter(rdb redis.Cmdable, prefix string) *RedisCounter {
	return &RedisCounter{rdb: rdb, prefix: prefix, now: time.Now}
}

func (c *RedisCounter) key(k Key) string {
	return c.prefix + "usage:" + k.UserID + ":" + string(k.Kind) + ":" +
		strconv.FormatInt(k.Anchor, 10) + ":" + strconv.FormatInt(k.Bucket, 10)
}

func (c *RedisCounter) Reserve(ctx context.Context, k Key, limit int64) (int64, bool, error) {
	if limit <= 0 {
		used, err := c.Used(ctx, k)
		return used, false, err
	}
	ttl := k.ExpiresAt.Sub(c.now()).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	res, err := reserveScript.Run(ctx, c.rdb, []string{c.key(k)}, limit, ttl).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	return res[1], res[0] == 1, nil
}

func (c *RedisCounter) Release(ctx context.Context, k Key) error {
	return releaseScript.Run(ctx, c.rdb, []string{c.key(k)}).Err()
}

func (c *RedisCounter) Used(ctx context.Context, k Key) (int64, error) {
	v, err := c.rdb.Get(ctx, c.key(k)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}
