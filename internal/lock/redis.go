package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Redis takes locks with SET NX PX.  The TTL bounds how long a crashed
// holder can block others; Release only deletes a key still carrying the
// holder's token.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis returns a Locker storing keys under "<prefix>:lock:".
func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) TryLock(ctx context.Context, key int64) (Lease, bool, error) {
	k := r.prefix + ":lock:" + name(key)
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: setnx %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{rdb: r.rdb, key: k, token: token}, true, nil
}

type redisLease struct {
	once  sync.Once
	rdb   *redis.Client
	key   string
	token string
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	})
	return err
}
