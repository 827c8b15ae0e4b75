package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

// releaseScript deletes the lock only while it still holds our value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lock held as a key with a TTL.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ bootstrap.Locker = (*Redis)(nil)

// NewRedis connects to addr.
func NewRedis(addr, password string, db int, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient uses an existing client.
func NewRedisWithClient(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: "cloud-bootstrap:lock:", ttl: ttl, now: time.Now}
}

// Acquire implements bootstrap.Locker.
func (r *Redis) Acquire(ctx context.Context, req bootstrap.LockRequest) (bootstrap.Lease, error) {
	key := r.prefix + lockKey(req)
	body, err := newHolder(req, r.now(), r.ttl).encode()
	if err != nil {
		return nil, err
	}
	ok, err := r.client.SetNX(ctx, key, body, r.ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "set lock %s", key)
	}
	if ok {
		return &redisLease{r: r, key: key, value: string(body)}, nil
	}

	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, bootstrap.Errorf(bootstrap.KindLocked, "environment %s lock is contended", req.Environment).
			WithRetrySafe(true)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get lock %s", key)
	}
	holder, err := decodeHolder(raw)
	if err != nil {
		return nil, err
	}
	return nil, lockedBy(req, holder)
}

type redisLease struct {
	r     *Redis
	key   string
	value string
}

// Release implements bootstrap.Lease.
func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.r.client, []string{l.key}, l.value).Err(); err != nil {
		return errors.Wrapf(err, "release lock %s", l.key)
	}
	return nil
}
